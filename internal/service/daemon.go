package service

import (
	"context"
	"sync"

	"pia-nm/internal/core"
	"pia-nm/internal/refresh"
)

// Daemon hosts the scheduler-driven refresh loop for installs that do not use
// a systemd timer. It serializes cycles: the scheduler never observes two
// overlapping invocations.
type Daemon struct {
	orch  *refresh.Orchestrator
	sched Scheduler
	bus   *core.EventBus

	mu      sync.Mutex // serializes cycles
	running bool
}

// NewDaemon wires a daemon from its collaborators.
func NewDaemon(orch *refresh.Orchestrator, sched Scheduler, bus *core.EventBus) *Daemon {
	d := &Daemon{orch: orch, sched: sched, bus: bus}

	// One journal-friendly line per region outcome; desktop notifications are
	// the dispatcher scripts' business.
	bus.Subscribe(core.EventRegionRefreshed, func(e core.Event) {
		p := e.Payload.(core.RegionOutcomePayload)
		if p.Detail != "" {
			core.Log.Warnf("Daemon", "Region %s refreshed with warning: %s", p.Region, p.Detail)
			return
		}
		core.Log.Infof("Daemon", "Region %s refreshed", p.Region)
	})
	bus.Subscribe(core.EventRegionFailed, func(e core.Event) {
		p := e.Payload.(core.RegionOutcomePayload)
		core.Log.Errorf("Daemon", "Region %s refresh failed: %s", p.Region, p.Detail)
	})

	return d
}

// Run starts the schedule and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.sched.Start(ctx, d.cycle)
	defer d.sched.Stop()

	<-ctx.Done()
	core.Log.Infof("Daemon", "Shutting down")
	return ctx.Err()
}

// RunOnce runs a single cycle immediately, holding the daemon lock for its
// duration.
func (d *Daemon) RunOnce(ctx context.Context) (refresh.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orch.Run(ctx)
}

func (d *Daemon) cycle(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		core.Log.Warnf("Daemon", "Previous cycle still running, skipping tick")
		return
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if _, err := d.orch.Run(ctx); err != nil {
		core.Log.Errorf("Daemon", "Refresh cycle failed: %v", err)
	}
}
