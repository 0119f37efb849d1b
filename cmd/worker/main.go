// Command worker runs the conversion task runner and its maintenance jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sttools/convertd/internal/config"
	"github.com/sttools/convertd/internal/ffmpeg"
	"github.com/sttools/convertd/internal/log"
	"github.com/sttools/convertd/internal/netguard"
	"github.com/sttools/convertd/internal/storage"
	"github.com/sttools/convertd/internal/store"
	"github.com/sttools/convertd/internal/upload"
	"github.com/sttools/convertd/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("convertd-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "convertd-worker"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	sm := storage.NewManager(cfg.TempDir, cfg.MinDiskSpaceGB, log.WithComponent("storage"))
	if err := sm.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("temp root validation failed")
	}
	// Everything under the temp root belongs to a previous incarnation.
	sm.BootCleanup()

	st, err := store.New(cfg.RedisURL, cfg.QueueVisibilityTTL, log.WithComponent("store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("store connection failed")
	}
	defer st.Close() //nolint:errcheck

	up := upload.New(upload.Options{
		Guard: netguard.Policy{
			AllowHTTP:       cfg.AllowHTTPCallbacks,
			AllowPrivateIPs: cfg.AllowPrivateIPs,
		},
		UploadMaxRetries:   cfg.UploadMaxRetries,
		UploadBackoffBase:  cfg.UploadRetryBackoffBase,
		WebhookMaxRetries:  cfg.WebhookMaxRetries,
		WebhookBackoffBase: cfg.WebhookRetryBackoffBase,
	})

	runner := worker.NewRunner(cfg, st, sm,
		ffmpeg.NewDriver(cfg.FFmpegBin, cfg.FFprobeBin),
		up, log.WithComponent("runner"))
	reaper := worker.NewReaper(st, sm, cfg.TempFileTTL, log.Base())
	svc := worker.NewService(runner, reaper, log.WithComponent("worker"))

	logger.Info().
		Str("event", "worker.starting").
		Str("version", version).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("starting worker process")

	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker terminated")
	}
	logger.Info().Str("event", "worker.shutdown_complete").Msg("shutdown complete")
}
