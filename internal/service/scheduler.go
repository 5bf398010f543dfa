package service

import (
	"context"
	"time"

	"pia-nm/internal/core"
)

// Scheduler invokes a refresh callback on a cadence. Deployments driven by a
// systemd timer exec the CLI instead and never construct one.
type Scheduler interface {
	// Start begins firing. fire is invoked serially; a tick that arrives
	// while fire is still running is dropped.
	Start(ctx context.Context, fire func(ctx context.Context))
	// Stop halts the schedule.
	Stop()
}

// Defaults match the packaged timer unit: first refresh shortly after boot,
// then twice a day (half the provider's 24 h token lifetime).
const (
	DefaultBootDelay = 5 * time.Minute
	DefaultInterval  = 12 * time.Hour
)

// TickerScheduler fires after BootDelay, then every Interval.
type TickerScheduler struct {
	BootDelay time.Duration
	Interval  time.Duration

	cancel context.CancelFunc
}

// NewTickerScheduler creates a scheduler with the default cadence.
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{
		BootDelay: DefaultBootDelay,
		Interval:  DefaultInterval,
	}
}

// Start begins the schedule loop in a goroutine.
func (s *TickerScheduler) Start(ctx context.Context, fire func(ctx context.Context)) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx, fire)
	core.Log.Infof("Sched", "Scheduler started (boot_delay=%s, interval=%s)", s.BootDelay, s.Interval)
}

// Stop cancels the schedule loop.
func (s *TickerScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *TickerScheduler) loop(ctx context.Context, fire func(ctx context.Context)) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.BootDelay):
	}
	fire(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire(ctx)
			// Drop a tick that arrived while fire was running.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}
