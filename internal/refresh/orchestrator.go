package refresh

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"pia-nm/internal/core"
	"pia-nm/internal/profile"
)

// CredentialSource supplies the provider credentials.
type CredentialSource interface {
	// Get returns the stored username and password, or an error wrapping
	// creds.ErrNotConfigured when none are stored.
	Get() (username, password string, err error)
}

const (
	// DefaultConcurrency bounds how many regions refresh in parallel.
	DefaultConcurrency = 4
	// DefaultCycleDeadline bounds one whole refresh cycle.
	DefaultCycleDeadline = 10 * time.Minute
)

// Orchestrator drives one refresh per configured region and aggregates the
// outcomes into a report.
type Orchestrator struct {
	ctrl  *Controller
	creds CredentialSource
	cfg   *core.ConfigManager
	bus   *core.EventBus

	concurrency int
	deadline    time.Duration
	owner       string
}

// NewOrchestrator wires an orchestrator. owner is the invoking user named in
// profile permissions. bus may be nil.
func NewOrchestrator(ctrl *Controller, creds CredentialSource, cfg *core.ConfigManager, bus *core.EventBus, owner string) *Orchestrator {
	return &Orchestrator{
		ctrl:        ctrl,
		creds:       creds,
		cfg:         cfg,
		bus:         bus,
		concurrency: DefaultConcurrency,
		deadline:    DefaultCycleDeadline,
		owner:       owner,
	}
}

// SetConcurrency overrides the per-cycle parallelism bound.
func (o *Orchestrator) SetConcurrency(n int) {
	if n > 0 {
		o.concurrency = n
	}
}

// prefsFor maps the persisted preferences onto builder preferences.
func (o *Orchestrator) prefsFor(cfg core.Config) profile.Preferences {
	p := profile.Preferences{
		UseVPNDNS: cfg.Preferences.DNS,
		Keepalive: profile.DefaultKeepalive,
		Owner:     o.owner,
	}
	if cfg.Preferences.IPv6 {
		p.IPv6 = profile.IPv6Auto
	}
	if cfg.Preferences.SplitTunnel {
		p.SplitTunnel = profile.SplitExcludeRFC1918
	}
	return p
}

// Run refreshes every configured region with bounded parallelism and waits
// for all of them, respecting the overall deadline. Credentials are read once
// and held only for the duration of the cycle.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	cfg := o.cfg.Get()
	regions := cfg.Regions
	if len(regions) == 0 {
		return Report{}, nil
	}

	username, password, err := o.creds.Get()
	if err != nil {
		return Report{}, err
	}
	prefs := o.prefsFor(cfg)

	cycleCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	results := make([]RegionReport, len(regions))
	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(o.concurrency)

	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			start := time.Now()
			out := o.ctrl.Refresh(gctx, Request{
				Region:   region,
				Username: username,
				Password: password,
				Prefs:    prefs,
			})
			results[i] = RegionReport{
				Region:   region,
				Outcome:  out,
				Duration: time.Since(start),
			}
			o.publish(region, out)
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Region < results[b].Region })
	report := Report{Entries: results, Cancelled: ctx.Err() != nil}

	refreshed := 0
	failed := 0
	for _, e := range results {
		switch e.Outcome.Status {
		case StatusOk:
			refreshed++
		case StatusErr:
			failed++
		}
	}
	if refreshed > 0 {
		o.cfg.TouchLastRefresh(time.Now())
		if err := o.cfg.Save(); err != nil {
			core.Log.Warnf("Refresh", "Failed to record last_refresh: %v", err)
		}
	}

	if o.bus != nil {
		o.bus.Publish(core.Event{
			Type:    core.EventCycleFinished,
			Payload: core.CycleFinishedPayload{Regions: len(results), Failed: failed},
		})
	}

	return report, nil
}

func (o *Orchestrator) publish(region string, out Outcome) {
	if o.bus == nil {
		return
	}
	if out.Status == StatusOk {
		o.bus.Publish(core.Event{
			Type:    core.EventRegionRefreshed,
			Payload: core.RegionOutcomePayload{Region: region, Detail: out.Warning},
		})
		return
	}
	o.bus.Publish(core.Event{
		Type:    core.EventRegionFailed,
		Payload: core.RegionOutcomePayload{Region: region, Detail: out.Detail},
	})
}
