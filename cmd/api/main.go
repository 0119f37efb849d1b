// Command api runs the HTTP ingress of the conversion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sttools/convertd/internal/api"
	"github.com/sttools/convertd/internal/config"
	"github.com/sttools/convertd/internal/log"
	"github.com/sttools/convertd/internal/storage"
	"github.com/sttools/convertd/internal/store"
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
		fmt.Printf("convertd-api %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "convertd-api"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	sm := storage.NewManager(cfg.TempDir, cfg.MinDiskSpaceGB, log.WithComponent("storage"))
	if err := sm.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("temp root validation failed")
	}

	st, err := store.New(cfg.RedisURL, cfg.QueueVisibilityTTL, log.WithComponent("store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("store connection failed")
	}
	defer st.Close() //nolint:errcheck

	srv := api.New(cfg, st, sm, log.WithComponent("api"))

	logger.Info().
		Str("event", "api.starting").
		Str("version", version).
		Msg("starting API process")

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server terminated")
	}
	logger.Info().Str("event", "api.shutdown_complete").Msg("shutdown complete")
}
