package store

import (
	"context"
	"fmt"
	"time"
)

const workerHeartbeatKey = "workers:alive"

// TouchWorkerHeartbeat refreshes the shared worker liveness key. Any live
// worker process keeps it set; the TTL lets it lapse when all workers die.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, ttl time.Duration) error {
	if err := s.client.Set(ctx, workerHeartbeatKey, "1", ttl).Err(); err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	return nil
}

// WorkerAlive reports whether at least one worker heartbeat is current.
func (s *Store) WorkerAlive(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, workerHeartbeatKey).Result()
	if err != nil {
		return false, fmt.Errorf("worker heartbeat: %w", err)
	}
	return n > 0, nil
}
