// Package snapshots periodically records the bus's metrics to the history
// store on a cron schedule. It is operational tooling: it only reads the
// bus, never expires messages or touches sessions.
package snapshots

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentwire/agentwire/internal/bus"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/store"
)

type Recorder struct {
	bus      *bus.Bus
	store    *store.Store
	schedule string
	gron     *gronx.Gronx
}

func New(b *bus.Bus, s *store.Store, cfg config.SnapshotsConfig) *Recorder {
	return &Recorder{
		bus:      b,
		store:    s,
		schedule: cfg.Schedule,
		gron:     gronx.New(),
	}
}

// Start runs the recorder until the context is cancelled. The schedule is
// checked once a minute, cron's native resolution.
func (r *Recorder) Start(ctx context.Context) {
	if !r.gron.IsValid(r.schedule) {
		slog.Error("invalid snapshot schedule, recorder disabled", "schedule", r.schedule)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	slog.Info("snapshot recorder started", "schedule", r.schedule)

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot recorder stopped")
			return
		case now := <-ticker.C:
			due, err := r.gron.IsDue(r.schedule, now)
			if err != nil || !due {
				continue
			}
			r.record()
		}
	}
}

func (r *Recorder) record() {
	m := r.bus.Metrics()
	if err := r.store.RecordSnapshot(m); err != nil {
		slog.Error("snapshot record failed", "error", err)
		return
	}
	slog.Debug("metrics snapshot recorded", "total", m.TotalMessages, "agents", m.AgentCount)
}
