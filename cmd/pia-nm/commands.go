package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"pia-nm/internal/core"
	"pia-nm/internal/creds"
	"pia-nm/internal/profile"
	"pia-nm/internal/refresh"
	"pia-nm/internal/service"
)

// runRefresh executes one refresh cycle and prints the per-region report.
func runRefresh(ctx context.Context, a *app) int {
	if err := a.gw.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: NetworkManager is not reachable: %v\n", err)
		return refresh.ExitFatal
	}
	report, err := a.orch.Run(ctx)
	if err != nil {
		if errors.Is(err, creds.ErrNotConfigured) {
			fmt.Fprintln(os.Stderr, "pia-nm: no credentials stored; run 'pia-nm setup' first")
			return refresh.ExitFatal
		}
		fmt.Fprintf(os.Stderr, "pia-nm: refresh failed: %v\n", err)
		return refresh.ExitFatal
	}
	if len(report.Entries) == 0 {
		fmt.Fprintln(os.Stderr, "pia-nm: no regions configured; run 'pia-nm setup' first")
		return refresh.ExitFatal
	}
	printReport(report)
	return report.ExitCode()
}

// runRegions lists the provider's regions.
func runRegions(ctx context.Context, a *app) int {
	regions, err := a.pia.ListRegions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: list regions: %v\n", err)
		return refresh.ExitFatal
	}
	configured := make(map[string]bool)
	for _, r := range a.cfg.Regions() {
		configured[r] = true
	}
	for _, r := range regions {
		marker := " "
		if configured[r.ID] {
			marker = "*"
		}
		pf := ""
		if r.PortForward {
			pf = "port-forward"
		}
		fmt.Printf("%s %-24s %-32s %s\n", marker, r.ID, r.Name, pf)
	}
	return refresh.ExitOk
}

// runStatus shows per-region profile and tunnel state from NM.
func runStatus(ctx context.Context, a *app) int {
	regions := a.cfg.Regions()
	if len(regions) == 0 {
		fmt.Println("no regions configured")
		return refresh.ExitOk
	}
	cfg := a.cfg.Get()
	if !cfg.Metadata.LastRefresh.IsZero() {
		fmt.Printf("last refresh: %s\n", cfg.Metadata.LastRefresh.Format("2006-01-02 15:04:05 MST"))
	}
	for _, region := range regions {
		uuid := profile.UUIDFor(region)
		saved, err := a.gw.FindByUUID(ctx, uuid)
		if err != nil {
			fmt.Printf("%s %-24s %v\n", symbolErr, region, err)
			continue
		}
		if saved == nil {
			fmt.Printf("%s %-24s not provisioned\n", symbolWarn, region)
			continue
		}
		active, err := a.gw.FindActiveFor(ctx, uuid)
		if err != nil {
			fmt.Printf("%s %-24s saved, %v\n", symbolErr, region, err)
			continue
		}
		if active == nil {
			fmt.Printf("%s %-24s saved, inactive\n", symbolOk, region)
		} else {
			fmt.Printf("%s %-24s saved, active on %s\n", symbolOk, region, active.Device)
		}
	}
	return refresh.ExitOk
}

// runRemove deletes a region's profile, keys, and config entry.
func runRemove(ctx context.Context, a *app, region string) int {
	regions := a.cfg.Regions()
	kept := regions[:0]
	found := false
	for _, r := range regions {
		if r == region {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "pia-nm: region %q is not configured\n", region)
		return refresh.ExitFatal
	}

	saved, err := a.gw.FindByUUID(ctx, profile.UUIDFor(region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: %v\n", err)
		return refresh.ExitErr
	}
	if saved != nil {
		if err := a.gw.Delete(ctx, saved); err != nil {
			fmt.Fprintf(os.Stderr, "pia-nm: delete profile: %v\n", err)
			return refresh.ExitErr
		}
	}
	if err := a.keys.Remove(region); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: %v\n", err)
		return refresh.ExitErr
	}

	a.cfg.SetRegions(kept)
	if err := a.cfg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: save config: %v\n", err)
		return refresh.ExitFatal
	}
	a.bus.Publish(core.Event{Type: core.EventRegionRemoved, Payload: core.RegionOutcomePayload{Region: region}})
	fmt.Printf("%s removed %s\n", symbolOk, region)
	return refresh.ExitOk
}

// runDaemon runs the periodic refresh loop until interrupted.
func runDaemon(ctx context.Context, a *app) int {
	d := service.NewDaemon(a.orch, service.NewTickerScheduler(), a.bus)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pia-nm: daemon: %v\n", err)
		return refresh.ExitFatal
	}
	return refresh.ExitOk
}

// runSetup is the interactive first-time wizard.
func runSetup(ctx context.Context, a *app) int {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("PIA NetworkManager setup")
	fmt.Println()

	username, err := promptLine(in, "PIA username: ")
	if err != nil || username == "" {
		fmt.Fprintln(os.Stderr, "pia-nm: username is required")
		return refresh.ExitFatal
	}
	password, err := promptPassword("PIA password: ")
	if err != nil || password == "" {
		fmt.Fprintln(os.Stderr, "pia-nm: password is required")
		return refresh.ExitFatal
	}

	// Validate before storing anything.
	if _, err := a.pia.Authenticate(ctx, username, password); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: credential check failed: %v\n", err)
		return refresh.ExitErr
	}
	if err := storeCredentials(a.creds, username, password); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: store credentials: %v\n", err)
		return refresh.ExitFatal
	}
	fmt.Println("credentials verified and stored")
	fmt.Println()

	descriptors, err := a.pia.ListRegions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: list regions: %v\n", err)
		return refresh.ExitFatal
	}
	known := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		known[d.ID] = true
		fmt.Printf("  %-24s %s\n", d.ID, d.Name)
	}
	fmt.Println()

	line, err := promptLine(in, "Regions to manage (comma-separated ids): ")
	if err != nil {
		return refresh.ExitFatal
	}
	var regions []string
	for _, f := range strings.Split(line, ",") {
		r := strings.TrimSpace(f)
		if r == "" {
			continue
		}
		if !known[r] {
			fmt.Fprintf(os.Stderr, "pia-nm: unknown region %q\n", r)
			return refresh.ExitFatal
		}
		regions = append(regions, r)
	}
	if len(regions) == 0 {
		fmt.Fprintln(os.Stderr, "pia-nm: at least one region is required")
		return refresh.ExitFatal
	}

	prefs := core.Preferences{
		DNS:         promptYesNo(in, "Use PIA DNS servers?", true),
		IPv6:        promptYesNo(in, "Enable IPv6 on the tunnel?", false),
		SplitTunnel: promptYesNo(in, "Exclude private networks from the tunnel?", false),
	}

	a.cfg.SetRegions(regions)
	a.cfg.SetPreferences(prefs)
	if err := a.cfg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "pia-nm: save config: %v\n", err)
		return refresh.ExitFatal
	}

	fmt.Println()
	fmt.Println("provisioning profiles…")
	return runRefresh(ctx, a)
}

// storeCredentials persists into the first source that accepts them,
// preferring the desktop secret store.
func storeCredentials(chain creds.Chain, username, password string) error {
	var lastErr error
	for _, s := range chain {
		store, ok := s.(creds.Store)
		if !ok {
			continue
		}
		if err := store.Set(username, password); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no writable credential store")
	}
	return lastErr
}

func promptLine(in *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func promptYesNo(in *bufio.Reader, prompt string, def bool) bool {
	hint := "[Y/n]"
	if !def {
		hint = "[y/N]"
	}
	line, err := promptLine(in, fmt.Sprintf("%s %s ", prompt, hint))
	if err != nil || line == "" {
		return def
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}
