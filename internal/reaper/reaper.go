// Package reaper times out commands stuck in PROCESSING. A command
// gets stuck when its publish was lost or the reader never answered;
// without the reaper such commands would wait for correlation forever.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

// Reaper is the periodic worker that fails stale PROCESSING commands.
type Reaper struct {
	store     *store.Store
	bus       *events.Bus
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
}

// New creates a Reaper. interval is the cycle cadence; threshold is
// how long a command may sit in PROCESSING before it is failed.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		store:     st,
		bus:       bus,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
	}
}

// Run executes cycles at the configured cadence until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cycle()
		}
	}
}

// Cycle fails every PROCESSING command older than the threshold. The
// store-level guard means a response that arrives while the cycle runs
// wins the race; only commands still PROCESSING are failed.
func (r *Reaper) Cycle() {
	now := time.Now()
	reaped, err := r.store.ReapStaleCommands(now.Add(-r.threshold), now)
	if err != nil {
		r.logger.Error("reap cycle failed", "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}

	r.logger.Warn("stale commands timed out",
		"count", len(reaped), "threshold", r.threshold)
	for _, id := range reaped {
		r.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceReaper,
			Kind:      events.KindCommandReaped,
			Data:      map[string]any{"command_id": id},
		})
	}
}
