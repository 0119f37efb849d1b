package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "queue:convert"
	claimedKey = "queue:convert:claimed"
)

// Submission is the queue payload carrying everything the runner needs to
// execute a job. The wire shape is fixed.
type Submission struct {
	JobID             string `json:"job_id"`
	OutputURL         string `json:"output_url"`
	OutputAuthToken   string `json:"output_auth_token"`
	CallbackURL       string `json:"callback_url,omitempty"`
	CallbackAuthToken string `json:"callback_auth_token,omitempty"`
	OriginalFilename  string `json:"original_filename"`

	// Deliveries counts how often this job has been handed to a worker,
	// including the current delivery. Set by Dequeue, not serialised.
	Deliveries int64 `json:"-"`

	raw []byte // wire bytes as dequeued, used for ack/reclaim bookkeeping
}

func claimKey(jobID string) string {
	return "claim:" + jobID
}

func deliveryKey(jobID string) string {
	return "deliveries:" + jobID
}

// Enqueue appends the submission to the pending queue (FIFO).
func (s *Store) Enqueue(ctx context.Context, sub Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	if err := s.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", sub.JobID, err)
	}
	s.logger.Info().
		Str("event", "queue.enqueued").
		Str("job_id", sub.JobID).
		Msg("submission enqueued")
	return nil
}

// Dequeue blocks up to timeout for the next submission. The item is moved to
// the claimed list and hidden behind a claim key with the visibility TTL;
// until Ack is called a crashed worker's item becomes eligible for Reclaim.
// Returns (nil, nil) when the timeout elapses with an empty queue.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (*Submission, error) {
	payload, err := s.client.BLMove(ctx, pendingKey, claimedKey, "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var sub Submission
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		// Poison payload: drop it from the claimed list so it cannot loop.
		s.client.LRem(ctx, claimedKey, 1, payload)
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	sub.raw = []byte(payload)

	if err := s.client.Set(ctx, claimKey(sub.JobID), "1", s.visibility).Err(); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", sub.JobID, err)
	}

	deliveries, err := s.client.Incr(ctx, deliveryKey(sub.JobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("count delivery %s: %w", sub.JobID, err)
	}
	s.client.Expire(ctx, deliveryKey(sub.JobID), 2*s.visibility)
	sub.Deliveries = deliveries

	return &sub, nil
}

// Ack removes a delivered submission from the claimed list and drops its
// claim, marking the delivery as fully handled.
func (s *Store) Ack(ctx context.Context, sub *Submission) error {
	payload := sub.raw
	if payload == nil {
		encoded, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("encode submission: %w", err)
		}
		payload = encoded
	}

	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, claimedKey, 1, payload)
	pipe.Del(ctx, claimKey(sub.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", sub.JobID, err)
	}
	return nil
}

// Reclaim scans the claimed list for items whose claim key has expired and
// moves them back to the pending queue so another worker can pick them up.
// Returns the number of re-delivered submissions.
func (s *Store) Reclaim(ctx context.Context) (int, error) {
	payloads, err := s.client.LRange(ctx, claimedKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}

	recovered := 0
	for _, payload := range payloads {
		var sub Submission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			s.client.LRem(ctx, claimedKey, 1, payload)
			continue
		}

		exists, err := s.client.Exists(ctx, claimKey(sub.JobID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("reclaim job %s: %w", sub.JobID, err)
		}
		if exists > 0 {
			continue // still visible to its worker
		}

		pipe := s.client.TxPipeline()
		pipe.LRem(ctx, claimedKey, 1, payload)
		pipe.LPush(ctx, pendingKey, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("reclaim job %s: %w", sub.JobID, err)
		}
		recovered++

		s.logger.Warn().
			Str("event", "queue.reclaimed").
			Str("job_id", sub.JobID).
			Msg("expired claim, submission re-delivered")
	}
	return recovered, nil
}

// QueueDepth reports the number of pending submissions.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
