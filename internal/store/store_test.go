package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupStore starts a miniredis instance and wires a Store around it.
func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewWithClient(client, 8000*time.Second, zerolog.Nop())
}

func TestCreateJobIdempotent(t *testing.T) {
	_, st := setupStore(t)
	ctx := context.Background()

	created, err := st.CreateJob(ctx, "abc-123", "/tmp/converter/abc-123/input.mp4")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create must win")
	}

	first, err := st.GetJob(ctx, "abc-123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// A second submission with the same id is a no-op.
	created, err = st.CreateJob(ctx, "abc-123", "/tmp/other/input.mov")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create must not win")
	}

	second, err := st.GetJob(ctx, "abc-123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.InputPath != first.InputPath {
		t.Errorf("record mutated by duplicate submission: %q vs %q", second.InputPath, first.InputPath)
	}
	if second.Status != StatusQueued {
		t.Errorf("expected queued, got %s", second.Status)
	}
}

func TestGetJobAbsent(t *testing.T) {
	_, st := setupStore(t)

	job, err := st.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil for absent job, got %+v", job)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	_, st := setupStore(t)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "j1", "/in"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.UpdateStatus(ctx, "j1", StatusProcessing, ""); err != nil {
		t.Fatalf("processing: %v", err)
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.StartedAt.IsZero() {
		t.Error("started_at must be set on entry to processing")
	}
	firstStart := job.StartedAt

	// Re-entering processing (retry) must not move started_at.
	time.Sleep(1100 * time.Millisecond)
	if err := st.UpdateStatus(ctx, "j1", StatusProcessing, ""); err != nil {
		t.Fatalf("processing again: %v", err)
	}
	job, _ = st.GetJob(ctx, "j1")
	if !job.StartedAt.Equal(firstStart) {
		t.Errorf("started_at moved on re-entry: %s vs %s", job.StartedAt, firstStart)
	}

	if err := st.UpdateStatus(ctx, "j1", StatusUploading, ""); err != nil {
		t.Fatalf("uploading: %v", err)
	}
	if err := st.UpdateStatus(ctx, "j1", StatusCompleted, ""); err != nil {
		t.Fatalf("completed: %v", err)
	}

	job, _ = st.GetJob(ctx, "j1")
	if job.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if job.CompletedAt.IsZero() {
		t.Error("completed_at must be set on terminal state")
	}
	if job.Error != "" {
		t.Errorf("completed job must not carry an error, got %q", job.Error)
	}
}

func TestUpdateStatusFailedRecordsError(t *testing.T) {
	_, st := setupStore(t)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "j2", "/in"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, "j2", StatusFailed, "No audio track found in input.mp4"); err != nil {
		t.Fatalf("failed: %v", err)
	}

	job, _ := st.GetJob(ctx, "j2")
	if job.Status != StatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job must carry an error")
	}
}

func TestTerminalRecordExpires(t *testing.T) {
	mr, st := setupStore(t)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "j3", "/in"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, "j3", StatusCompleted, ""); err != nil {
		t.Fatalf("completed: %v", err)
	}

	ttl := mr.TTL("job:j3")
	if ttl != terminalTTL {
		t.Errorf("expected %s TTL on terminal record, got %s", terminalTTL, ttl)
	}

	mr.FastForward(terminalTTL + time.Hour)

	job, err := st.GetJob(ctx, "j3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Error("terminal record should have been evicted after TTL")
	}
}

func TestNonTerminalRecordHasNoTTL(t *testing.T) {
	mr, st := setupStore(t)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "j4", "/in"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.UpdateStatus(ctx, "j4", StatusProcessing, ""); err != nil {
		t.Fatalf("processing: %v", err)
	}

	if mr.TTL("job:j4") != 0 {
		t.Error("active record must not carry a TTL")
	}
}
