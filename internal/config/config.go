// Package config loads service settings from the environment.
package config

import (
	"time"
)

// Settings holds the full runtime configuration for both the API and the
// worker process. Values come from the environment with logged defaults.
type Settings struct {
	// Server
	APIHost    string
	APIPort    int
	APIWorkers int

	// Redis (state store + broker)
	RedisURL string

	// Worker
	WorkerConcurrency  int
	MaxTasksPerChild   int
	TaskSoftTimeLimit  time.Duration
	TaskHardTimeLimit  time.Duration
	QueueVisibilityTTL time.Duration

	// Storage
	TempDir         string
	MaxUploadSizeMB int
	MinDiskSpaceGB  int

	// Retry / Webhook
	WebhookMaxRetries       int
	WebhookRetryBackoffBase time.Duration
	UploadMaxRetries        int
	UploadRetryBackoffBase  time.Duration

	// Cleanup
	TempFileTTL time.Duration

	// FFmpeg
	FFmpegBin  string
	FFprobeBin string

	// Security
	AllowHTTPCallbacks bool
	AllowPrivateIPs    bool
}

// Load reads all settings from the environment, applying defaults where
// variables are unset. Defaults mirror the deployment baseline.
func Load() Settings {
	s := Settings{
		APIHost:    ParseString("API_HOST", "0.0.0.0"),
		APIPort:    ParseInt("API_PORT", 8000),
		APIWorkers: ParseInt("API_WORKERS", 2),

		RedisURL: ParseString("REDIS_URL", "redis://redis:6379/0"),

		WorkerConcurrency: ParseInt("CELERY_CONCURRENCY", 4),
		MaxTasksPerChild:  ParseInt("CELERY_MAX_TASKS_PER_CHILD", 50),
		TaskSoftTimeLimit: time.Duration(ParseInt("CELERY_TASK_SOFT_TIME_LIMIT", 7200)) * time.Second,
		TaskHardTimeLimit: time.Duration(ParseInt("CELERY_TASK_TIME_LIMIT", 7500)) * time.Second,

		TempDir:         ParseString("TEMP_DIR", "/tmp/converter"),
		MaxUploadSizeMB: ParseInt("MAX_UPLOAD_SIZE_MB", 4096),
		MinDiskSpaceGB:  ParseInt("MIN_DISK_SPACE_GB", 10),

		WebhookMaxRetries:       ParseInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryBackoffBase: time.Duration(ParseInt("WEBHOOK_RETRY_BACKOFF_BASE", 2)) * time.Second,
		UploadMaxRetries:        ParseInt("UPLOAD_MAX_RETRIES", 3),
		UploadRetryBackoffBase:  time.Duration(ParseInt("UPLOAD_RETRY_BACKOFF_BASE", 2)) * time.Second,

		TempFileTTL: time.Duration(ParseInt("TEMP_FILE_TTL_SECONDS", 3600)) * time.Second,

		FFmpegBin:  ParseString("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin: ParseString("FFPROBE_BIN", "ffprobe"),

		AllowHTTPCallbacks: ParseBool("ALLOW_HTTP_CALLBACKS", false),
		AllowPrivateIPs:    ParseBool("ALLOW_PRIVATE_IPS", false),
	}

	// The broker must hide claimed tasks for longer than the hard deadline,
	// otherwise a slow task would be delivered twice.
	s.QueueVisibilityTTL = s.TaskHardTimeLimit + 500*time.Second
	return s
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (s Settings) MaxUploadBytes() int64 {
	return int64(s.MaxUploadSizeMB) * 1024 * 1024
}
