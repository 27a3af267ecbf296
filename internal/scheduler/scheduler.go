// Package scheduler materializes scheduled commands into the queue.
// Schedules describe recurring or one-shot intents; each firing
// enqueues a fresh PENDING command for the pump to pick up.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/store"
)

// Scheduler is the periodic worker that fires due schedules.
type Scheduler struct {
	store    *store.Store
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration
}

// New creates a Scheduler. interval is the cycle cadence.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		bus:      bus,
		logger:   logger,
		interval: interval,
	}
}

// Run executes cycles at the configured cadence until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle()
		}
	}
}

// Cycle fires every due schedule. A schedule only advances after its
// command was durably enqueued; enqueue failures leave the row due so
// the next cycle retries it. One bad row never blocks the rest.
func (s *Scheduler) Cycle() {
	now := time.Now()
	due, err := s.store.DueScheduledCommands(now)
	if err != nil {
		s.logger.Error("scheduler select failed", "error", err)
		return
	}

	for _, sc := range due {
		cmd := &store.Command{
			ReaderSerial: sc.ReaderSerial,
			CommandType:  sc.CommandType,
		}
		if err := s.store.CreateCommand(cmd); err != nil {
			s.logger.Error("scheduler enqueue failed, schedule left due",
				"schedule_id", sc.ID, "serial", sc.ReaderSerial, "error", err)
			continue
		}

		if err := s.store.AdvanceSchedule(sc, now); err != nil {
			// The command is already queued; the next cycle will fire
			// the schedule again and queue a duplicate. Surfacing the
			// error loudly beats silently losing schedule state.
			s.logger.Error("scheduler advance failed",
				"schedule_id", sc.ID, "error", err)
			continue
		}

		s.logger.Info("schedule fired",
			"schedule_id", sc.ID, "command_id", cmd.CommandID,
			"serial", sc.ReaderSerial, "command_type", sc.CommandType,
			"recurrence", sc.Recurrence)
		s.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceScheduler,
			Kind:      events.KindScheduleFired,
			Data: map[string]any{
				"schedule_id":   sc.ID,
				"command_id":    cmd.CommandID,
				"reader_serial": sc.ReaderSerial,
				"command_type":  sc.CommandType,
			},
		})
	}
}
