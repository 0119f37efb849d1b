// Package store is a typed façade over Redis: job records as hashes and a
// reliable FIFO work queue with visibility-timeout semantics.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Status enumerates the job lifecycle states.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// terminalTTL is how long finished job records are kept before Redis evicts them.
const terminalTTL = 7 * 24 * time.Hour

// Job is the persisted record for a single conversion job.
type Job struct {
	ID          string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time // zero until the job enters processing
	CompletedAt time.Time // zero until the job reaches a terminal state
	Error       string
	InputPath   string
}

// Store wraps a Redis client with the job-record and queue operations the
// service needs. A single Store is shared by all goroutines in a process.
type Store struct {
	client     *redis.Client
	logger     zerolog.Logger
	visibility time.Duration
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(redisURL string, visibility time.Duration, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("event", "store.connected").
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to Redis")

	return NewWithClient(client, visibility, logger), nil
}

// NewWithClient builds a Store around an existing client. Used by tests.
func NewWithClient(client *redis.Client, visibility time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		client:     client,
		logger:     logger,
		visibility: visibility,
	}
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis reachability for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateJob persists a fresh record in state queued. The first writer wins:
// concurrent or repeated submissions with the same id observe the existing
// record untouched. Returns true when this call created the record.
func (s *Store) CreateJob(ctx context.Context, jobID, inputPath string) (bool, error) {
	key := jobKey(jobID)

	// HSETNX on the status field is the atomic guard; the remaining fields
	// are only written by the winner.
	created, err := s.client.HSetNX(ctx, key, "status", string(StatusQueued)).Result()
	if err != nil {
		return false, fmt.Errorf("create job %s: %w", jobID, err)
	}
	if !created {
		return false, nil
	}

	fields := map[string]any{
		"created_at":   formatTime(time.Now()),
		"started_at":   "",
		"completed_at": "",
		"error":        "",
		"input_path":   inputPath,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return false, fmt.Errorf("create job %s: %w", jobID, err)
	}
	return true, nil
}

// GetJob returns the record for jobID, or nil when absent. Records missing
// the status field (stale shapes) are treated as absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(data) == 0 || data["status"] == "" {
		return nil, nil
	}
	return &Job{
		ID:          jobID,
		Status:      Status(data["status"]),
		CreatedAt:   parseTime(data["created_at"]),
		StartedAt:   parseTime(data["started_at"]),
		CompletedAt: parseTime(data["completed_at"]),
		Error:       data["error"],
		InputPath:   data["input_path"],
	}, nil
}

// UpdateStatus transitions the record. Entering processing stamps started_at
// once; terminal states stamp completed_at, persist the error when provided
// and arm the 7-day eviction TTL.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	key := jobKey(jobID)
	updates := map[string]any{"status": string(status)}

	if status == StatusProcessing {
		started, err := s.client.HGet(ctx, key, "started_at").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("update job %s: %w", jobID, err)
		}
		if started == "" {
			updates["started_at"] = formatTime(time.Now())
		}
	}

	if status.Terminal() {
		updates["completed_at"] = formatTime(time.Now())
		if errMsg != "" {
			updates["error"] = errMsg
		}
	}

	if err := s.client.HSet(ctx, key, updates).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}

	if status.Terminal() {
		if err := s.client.Expire(ctx, key, terminalTTL).Err(); err != nil {
			return fmt.Errorf("expire job %s: %w", jobID, err)
		}
	}

	s.logger.Info().
		Str("event", "job.status_changed").
		Str("job_id", jobID).
		Str("status", string(status)).
		Msg("job status updated")
	return nil
}
