package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	s := Load()

	if s.APIPort != 8000 {
		t.Errorf("expected default port 8000, got %d", s.APIPort)
	}
	if s.WorkerConcurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", s.WorkerConcurrency)
	}
	if s.TaskSoftTimeLimit != 7200*time.Second {
		t.Errorf("expected 7200s soft limit, got %s", s.TaskSoftTimeLimit)
	}
	if s.AllowPrivateIPs {
		t.Error("private IPs must be disallowed by default")
	}
	if s.MaxUploadBytes() != 4096*1024*1024 {
		t.Errorf("unexpected upload ceiling: %d", s.MaxUploadBytes())
	}
}

func TestVisibilityExceedsHardDeadline(t *testing.T) {
	s := Load()
	if s.QueueVisibilityTTL <= s.TaskHardTimeLimit {
		t.Fatalf("visibility timeout %s must exceed hard deadline %s",
			s.QueueVisibilityTTL, s.TaskHardTimeLimit)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("CELERY_CONCURRENCY", "8")
	t.Setenv("ALLOW_HTTP_CALLBACKS", "yes")
	t.Setenv("TEMP_FILE_TTL_SECONDS", "120")

	s := Load()
	if s.WorkerConcurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", s.WorkerConcurrency)
	}
	if !s.AllowHTTPCallbacks {
		t.Error("expected ALLOW_HTTP_CALLBACKS=yes to parse as true")
	}
	if s.TempFileTTL != 2*time.Minute {
		t.Errorf("expected 2m TTL, got %s", s.TempFileTTL)
	}
}

func TestParseInvalidFallsBack(t *testing.T) {
	t.Setenv("API_PORT", "not-a-number")
	t.Setenv("ALLOW_PRIVATE_IPS", "maybe")

	s := Load()
	if s.APIPort != 8000 {
		t.Errorf("expected fallback port 8000, got %d", s.APIPort)
	}
	if s.AllowPrivateIPs {
		t.Error("invalid boolean must fall back to default false")
	}
}
