package refresh

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"pia-nm/internal/core"
	"pia-nm/internal/creds"
	"pia-nm/internal/pia"
)

type fixedCreds struct{ err error }

func (f fixedCreds) Get() (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return "user", "pass", nil
}

func testConfig(t *testing.T, regions []string) *core.ConfigManager {
	t.Helper()
	cm := core.NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"), nil)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	cm.SetRegions(regions)
	if err := cm.Save(); err != nil {
		t.Fatal(err)
	}
	return cm
}

// TestOrchestratorAggregates runs a multi-region cycle and checks the report
// ordering, the exit code, and the last_refresh bookkeeping.
func TestOrchestratorAggregates(t *testing.T) {
	prov := &fakeProvider{details: testDetails()}
	gw := newFakeGateway()
	ctrl := newTestController(prov, newFakeKeys(), gw)
	cfg := testConfig(t, []string{"us-west", "us-east", "de-berlin"})

	o := NewOrchestrator(ctrl, fixedCreds{}, cfg, core.NewEventBus(), "alice")
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(report.Entries))
	}
	for i, want := range []string{"de-berlin", "us-east", "us-west"} {
		if report.Entries[i].Region != want {
			t.Errorf("entry %d = %s, want %s", i, report.Entries[i].Region, want)
		}
	}
	if code := report.ExitCode(); code != ExitOk {
		t.Errorf("exit code = %d, want 0", code)
	}
	if cfg.Get().Metadata.LastRefresh.IsZero() {
		t.Error("last_refresh was not recorded")
	}
}

// TestOrchestratorExitCodes: a permanent failure in one region yields exit 2
// even when others warn or succeed.
func TestOrchestratorExitCodes(t *testing.T) {
	prov := &fakeProvider{
		details: testDetails(),
		authErrs: []error{
			&pia.AuthError{Reason: pia.AuthInvalid, Op: "authenticate"},
		},
	}
	gw := newFakeGateway()
	ctrl := newTestController(prov, newFakeKeys(), gw)
	cfg := testConfig(t, []string{"us-east", "us-west"})

	o := NewOrchestrator(ctrl, fixedCreds{}, cfg, nil, "alice")
	o.SetConcurrency(1)
	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code := report.ExitCode(); code != ExitErr {
		t.Errorf("exit code = %d, want 2", code)
	}
}

// TestOrchestratorMissingCredentials surfaces the fatal environment error to
// the caller instead of fanning out.
func TestOrchestratorMissingCredentials(t *testing.T) {
	ctrl := newTestController(&fakeProvider{details: testDetails()}, newFakeKeys(), newFakeGateway())
	cfg := testConfig(t, []string{"us-east"})

	o := NewOrchestrator(ctrl, fixedCreds{err: creds.ErrNotConfigured}, cfg, nil, "alice")
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected an error for missing credentials")
	}
}

// TestOrchestratorBoundsConcurrency: at most the configured number of regions
// refresh at once.
func TestOrchestratorBoundsConcurrency(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	prov := &fakeProvider{details: testDetails()}
	slow := &slowProvider{inner: prov, inFlight: &inFlight, max: &maxSeen}
	ctrl := newTestController(slow, newFakeKeys(), newFakeGateway())

	regions := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	cfg := testConfig(t, regions)
	o := NewOrchestrator(ctrl, fixedCreds{}, cfg, nil, "alice")
	o.SetConcurrency(2)

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if maxSeen.Load() > 2 {
		t.Errorf("max concurrent refreshes = %d, want <= 2", maxSeen.Load())
	}
}

// TestReportExitCodeMapping covers the warn and cancelled mappings directly.
func TestReportExitCodeMapping(t *testing.T) {
	r := Report{Entries: []RegionReport{
		{Region: "a", Outcome: Outcome{Status: StatusOk}},
		{Region: "b", Outcome: Outcome{Status: StatusWarn, Kind: KindVersionMismatch}},
	}}
	if r.ExitCode() != ExitWarn {
		t.Errorf("exit = %d, want 1", r.ExitCode())
	}
	r.Cancelled = true
	if r.ExitCode() != ExitCancelled {
		t.Errorf("exit = %d, want 130", r.ExitCode())
	}
}
