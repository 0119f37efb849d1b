package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDelayWindow(t *testing.T) {
	base := 2 * time.Second
	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := Delay(attempt, base)
			lo := base << uint(attempt)
			hi := lo + time.Second
			if d < lo || d >= hi {
				t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, d, lo, hi)
			}
		}
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, zerolog.Nop(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAndReturnsLastError(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, zerolog.Nop(), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, 10, 10*time.Second, zerolog.Nop(), func() error {
		calls++
		return errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}
