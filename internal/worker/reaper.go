package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sttools/convertd/internal/storage"
	"github.com/sttools/convertd/internal/store"
)

var reaperRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "convertd_reaper_removed_total",
	Help: "Total number of stale temp entries removed by the reaper",
})

// Reaper removes stale job directories from the temp root. An entry is
// removed only when it is older than TTL and its job record is terminal or
// gone, so an unusually slow live job never loses its working files.
type Reaper struct {
	Store   *store.Store
	Storage *storage.Manager
	TTL     time.Duration
	Logger  zerolog.Logger
}

// NewReaper builds a Reaper over the temp root with the given staleness TTL.
func NewReaper(st *store.Store, sm *storage.Manager, ttl time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		Store:   st,
		Storage: sm,
		TTL:     ttl,
		Logger:  logger.With().Str("component", "reaper").Logger(),
	}
}

// Sweep runs one reaper pass and returns the number of removed entries.
// Errors on individual entries are logged and skipped; a broken entry must
// not stall the rest of the sweep.
func (rp *Reaper) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(rp.Storage.Root())
	if err != nil {
		if !os.IsNotExist(err) {
			rp.Logger.Error().
				Str("event", "reaper.scan_failed").
				Err(err).
				Msg("failed to read temp root")
		}
		return 0
	}

	rp.Logger.Debug().
		Str("event", "reaper.sweep_started").
		Int("entries", len(entries)).
		Msg("reaper sweep started")

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		info, err := entry.Info()
		if err != nil {
			continue // already gone
		}
		if time.Since(info.ModTime()) < rp.TTL {
			continue
		}

		jobID := entry.Name()
		job, err := rp.Store.GetJob(ctx, jobID)
		if err != nil {
			rp.Logger.Error().
				Str("event", "reaper.lookup_failed").
				Str("job_id", jobID).
				Err(err).
				Msg("could not look up job for stale entry")
			continue
		}
		if job != nil && !job.Status.Terminal() {
			rp.Logger.Debug().
				Str("event", "reaper.skipped_active").
				Str("job_id", jobID).
				Str("status", string(job.Status)).
				Msg("stale-looking entry belongs to a live job")
			continue
		}

		if err := os.RemoveAll(filepath.Join(rp.Storage.Root(), jobID)); err != nil {
			rp.Logger.Error().
				Str("event", "reaper.remove_failed").
				Str("job_id", jobID).
				Err(err).
				Msg("failed to remove stale entry")
			continue
		}
		removed++
		reaperRemoved.Inc()
		rp.Logger.Info().
			Str("event", "reaper.removed").
			Str("job_id", jobID).
			Msg("removed stale temp entry")
	}

	if removed > 0 {
		rp.Logger.Info().
			Str("event", "reaper.sweep_completed").
			Int("removed", removed).
			Msg("reaper sweep completed")
	}
	return removed
}
