// Package worker executes conversion jobs dequeued from the broker: the
// task runner fan-out, the per-job pipeline and the periodic reaper.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sttools/convertd/internal/config"
	"github.com/sttools/convertd/internal/ffmpeg"
	"github.com/sttools/convertd/internal/log"
	"github.com/sttools/convertd/internal/retry"
	"github.com/sttools/convertd/internal/storage"
	"github.com/sttools/convertd/internal/store"
	"github.com/sttools/convertd/internal/upload"
)

var taskTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convertd_tasks_total",
	Help: "Total number of finished conversion tasks",
}, []string{"outcome"})

// Runner drives the job pipeline for every dequeued submission. A single
// Runner hosts Concurrency worker loops.
type Runner struct {
	Store    *store.Store
	Storage  *storage.Manager
	Driver   *ffmpeg.Driver
	Uploader *upload.Client
	Logger   zerolog.Logger

	Concurrency      int
	MaxTasksPerChild int
	SoftTimeLimit    time.Duration
	HardTimeLimit    time.Duration

	// Task-level retry policy for transient transcoder failures.
	TaskMaxRetries int
	TaskRetryBase  time.Duration

	DequeueTimeout time.Duration
}

// NewRunner wires a Runner from settings and its collaborators.
func NewRunner(cfg config.Settings, st *store.Store, sm *storage.Manager, drv *ffmpeg.Driver, up *upload.Client, logger zerolog.Logger) *Runner {
	return &Runner{
		Store:            st,
		Storage:          sm,
		Driver:           drv,
		Uploader:         up,
		Logger:           logger,
		Concurrency:      cfg.WorkerConcurrency,
		MaxTasksPerChild: cfg.MaxTasksPerChild,
		SoftTimeLimit:    cfg.TaskSoftTimeLimit,
		HardTimeLimit:    cfg.TaskHardTimeLimit,
		TaskMaxRetries:   3,
		TaskRetryBase:    30 * time.Second,
		DequeueTimeout:   5 * time.Second,
	}
}

const (
	heartbeatInterval = 15 * time.Second
	heartbeatTTL      = 60 * time.Second
)

// Run blocks until ctx is cancelled, keeping Concurrency worker loops
// alive. Loops that recycle after MaxTasksPerChild tasks are respawned.
// A heartbeat goroutine advertises worker liveness for /health.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			if err := r.Store.TouchWorkerHeartbeat(gctx, heartbeatTTL); err != nil && gctx.Err() == nil {
				r.Logger.Warn().
					Str("event", "worker.heartbeat_failed").
					Err(err).
					Msg("could not refresh heartbeat")
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	for i := 0; i < r.Concurrency; i++ {
		id := i
		g.Go(func() error {
			for gctx.Err() == nil {
				r.workerLoop(gctx, id)
			}
			return nil
		})
	}
	return g.Wait()
}

// workerLoop consumes the queue until ctx is done or the task budget for
// this incarnation is spent.
func (r *Runner) workerLoop(ctx context.Context, id int) {
	logger := r.Logger.With().Int("worker", id).Logger()
	logger.Debug().Str("event", "worker.started").Msg("worker loop started")

	tasks := 0
	for ctx.Err() == nil {
		sub, err := r.Store.Dequeue(ctx, r.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().
				Str("event", "worker.dequeue_failed").
				Err(err).
				Msg("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if sub == nil {
			continue
		}

		r.handle(ctx, sub)

		tasks++
		if r.MaxTasksPerChild > 0 && tasks >= r.MaxTasksPerChild {
			logger.Info().
				Str("event", "worker.recycled").
				Int("tasks", tasks).
				Msg("task budget spent, recycling worker loop")
			return
		}
	}
}

// handle runs one delivered submission under the hard deadline and decides
// whether to acknowledge the delivery. Hard-deadline overruns are left
// unacked once so the broker re-delivers them after the visibility timeout;
// a second overrun is terminal.
func (r *Runner) handle(parent context.Context, sub *store.Submission) {
	jobCtx := log.ContextWithJobID(parent, sub.JobID)
	logger := log.WithComponentFromContext(jobCtx, "runner")

	hardCtx, cancel := context.WithTimeout(jobCtx, r.HardTimeLimit)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.runTask(hardCtx, sub)
	}()

	select {
	case <-done:
	case <-hardCtx.Done():
		<-done // pipeline aborts promptly once the context is dead
	}

	if hardCtx.Err() != nil && !r.jobIsTerminal(jobCtx, sub.JobID) {
		if parent.Err() != nil {
			// Shutdown, not a deadline: leave the delivery for another worker.
			return
		}
		taskTotal.WithLabelValues("hard_timeout").Inc()
		if sub.Deliveries < 2 {
			logger.Error().
				Str("event", "task.hard_timeout").
				Int64("delivery", sub.Deliveries).
				Msg("hard time limit exceeded, leaving delivery unacked for re-delivery")
			return
		}
		logger.Error().
			Str("event", "task.hard_timeout_terminal").
			Int64("delivery", sub.Deliveries).
			Msg("hard time limit exceeded again, failing job")
		r.finish(jobCtx, sub, store.StatusFailed, "Task timeout (hard time limit exceeded)")
	}

	if err := r.Store.Ack(context.WithoutCancel(parent), sub); err != nil {
		logger.Error().
			Str("event", "task.ack_failed").
			Err(err).
			Msg("failed to ack delivery")
	}
}

// jobIsTerminal reports whether the job already reached a terminal state,
// which means the pipeline got its work done before the deadline verdict.
func (r *Runner) jobIsTerminal(ctx context.Context, jobID string) bool {
	job, err := r.Store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status.Terminal()
}

// runTask executes the pipeline stages for one job: processing, probe,
// transcode (with task-level retries), uploading, artifact PUT, terminal
// state plus webhook.
func (r *Runner) runTask(ctx context.Context, sub *store.Submission) {
	logger := log.WithComponentFromContext(ctx, "runner")
	logger.Info().Str("event", "task.received").Msg("task received")

	// The soft limit spans the whole task, not just the transcode: a slow
	// upload must soft-fail too instead of drifting into the hard limit.
	softCtx, cancelSoft := context.WithTimeout(ctx, r.SoftTimeLimit)
	defer cancelSoft()

	if err := r.Store.UpdateStatus(softCtx, sub.JobID, store.StatusProcessing, ""); err != nil {
		logger.Error().
			Str("event", "task.status_update_failed").
			Err(err).
			Msg("could not enter processing")
	}

	jobDir := r.Storage.JobDir(sub.JobID)
	matches, _ := filepath.Glob(filepath.Join(jobDir, "input.*"))
	if len(matches) == 0 {
		taskTotal.WithLabelValues("failed").Inc()
		r.finish(ctx, sub, store.StatusFailed, "Input file not found.")
		return
	}
	inputPath := matches[0]
	outputPath := filepath.Join(jobDir, "output.mp3")

	convErr := r.convertWithRetries(softCtx, logger, inputPath, outputPath)
	if convErr != nil {
		switch {
		case errors.Is(convErr, ffmpeg.ErrNoAudioTrack):
			taskTotal.WithLabelValues("no_audio").Inc()
			r.finish(ctx, sub, store.StatusFailed, convErr.Error())
		case ctx.Err() != nil:
			// Hard deadline or shutdown: the caller decides what happens.
		case softCtx.Err() != nil:
			taskTotal.WithLabelValues("soft_timeout").Inc()
			r.finish(ctx, sub, store.StatusFailed, "Task timeout (soft time limit exceeded)")
		default:
			taskTotal.WithLabelValues("failed").Inc()
			r.finish(ctx, sub, store.StatusFailed, "FFmpeg failed after retries: "+convErr.Error())
		}
		return
	}

	if err := r.Store.UpdateStatus(softCtx, sub.JobID, store.StatusUploading, ""); err != nil {
		logger.Error().
			Str("event", "task.status_update_failed").
			Err(err).
			Msg("could not enter uploading")
	}

	artifact, err := r.renameArtifact(jobDir, outputPath, sub.OriginalFilename)
	if err != nil {
		taskTotal.WithLabelValues("failed").Inc()
		r.finish(ctx, sub, store.StatusFailed, "Unexpected error: "+err.Error())
		return
	}

	if err := r.Uploader.PutFile(softCtx, artifact, sub.OutputURL, sub.OutputAuthToken); err != nil {
		switch {
		case ctx.Err() != nil:
			// Hard deadline or shutdown: the caller decides what happens.
		case softCtx.Err() != nil:
			taskTotal.WithLabelValues("soft_timeout").Inc()
			r.finish(ctx, sub, store.StatusFailed, "Task timeout (soft time limit exceeded)")
		default:
			taskTotal.WithLabelValues("upload_failed").Inc()
			r.finish(ctx, sub, store.StatusFailed, err.Error())
		}
		return
	}

	taskTotal.WithLabelValues("completed").Inc()
	r.finish(ctx, sub, store.StatusCompleted, "")
}

// convertWithRetries runs probe+transcode, retrying transient failures up
// to TaskMaxRetries with exponential backoff. Missing audio tracks and
// deadline expiry are not retried.
func (r *Runner) convertWithRetries(ctx context.Context, logger zerolog.Logger, inputPath, outputPath string) error {
	var convErr error
	for attempt := 0; attempt < r.TaskMaxRetries; attempt++ {
		convErr = r.convertOnce(ctx, inputPath, outputPath)
		if convErr == nil {
			return nil
		}
		if errors.Is(convErr, ffmpeg.ErrNoAudioTrack) || ctx.Err() != nil {
			return convErr
		}
		if attempt == r.TaskMaxRetries-1 {
			break
		}

		delay := retry.Delay(attempt, r.TaskRetryBase)
		logger.Warn().
			Str("event", "task.retrying").
			Int("attempt", attempt+1).
			Int("max_attempts", r.TaskMaxRetries).
			Dur("delay", delay).
			Err(convErr).
			Msg("transcode failed, retrying")
		select {
		case <-ctx.Done():
			return convErr
		case <-time.After(delay):
		}
	}
	return convErr
}

func (r *Runner) convertOnce(ctx context.Context, inputPath, outputPath string) error {
	if err := r.Driver.Probe(ctx, inputPath); err != nil {
		return err
	}
	return r.Driver.Transcode(ctx, inputPath, outputPath)
}

// renameArtifact renames output.mp3 to the original upload's base name with
// an .mp3 suffix. Without an original filename the artifact stays as is.
func (r *Runner) renameArtifact(jobDir, outputPath, originalFilename string) (string, error) {
	if originalFilename == "" {
		return outputPath, nil
	}
	base := filepath.Base(originalFilename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return outputPath, nil
	}
	renamed := filepath.Join(jobDir, stem+".mp3")
	if renamed == outputPath {
		return outputPath, nil
	}
	if err := os.Rename(outputPath, renamed); err != nil {
		return "", err
	}
	return renamed, nil
}

// finish writes the terminal state and fires the webhook when configured.
// It runs on a detached context so an expired task deadline cannot prevent
// the terminal record from landing. Webhook errors never fail the job.
func (r *Runner) finish(ctx context.Context, sub *store.Submission, status store.Status, errMsg string) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	if err := r.Store.UpdateStatus(finishCtx, sub.JobID, status, errMsg); err != nil {
		logger := log.WithComponentFromContext(ctx, "runner")
		logger.Error().
			Str("event", "task.finish_failed").
			Err(err).
			Msg("failed to persist terminal state")
	}

	if sub.CallbackURL != "" {
		r.Uploader.FireWebhook(finishCtx, sub.CallbackURL, sub.JobID, string(status), errMsg, sub.CallbackAuthToken)
	}
}
