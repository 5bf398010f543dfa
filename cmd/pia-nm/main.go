package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"pia-nm/internal/core"
	"pia-nm/internal/creds"
	"pia-nm/internal/keystore"
	"pia-nm/internal/nm"
	"pia-nm/internal/pia"
	"pia-nm/internal/refresh"
	rt "pia-nm/internal/runtime"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags.
var (
	configPath string
	logLevel   string
)

func main() {
	args := parseGlobalFlags(os.Args[1:])

	if len(args) == 0 {
		printUsage()
		os.Exit(refresh.ExitFatal)
	}

	app, err := buildApp()
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "setup":
		os.Exit(runSetup(ctx, app))
	case "refresh":
		os.Exit(runRefresh(ctx, app))
	case "regions":
		os.Exit(runRegions(ctx, app))
	case "status":
		os.Exit(runStatus(ctx, app))
	case "remove":
		if len(cmdArgs) < 1 {
			fatal("usage: pia-nm remove <region>")
		}
		os.Exit(runRemove(ctx, app, cmdArgs[0]))
	case "daemon":
		os.Exit(runDaemon(ctx, app))
	case "version":
		fmt.Printf("pia-nm %s (%s)\n", version, commit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fatal("unknown command: %s", cmd)
	}
}

// parseGlobalFlags strips global flags from args and returns the rest.
func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		case "--log-level":
			if i+1 < len(args) {
				i++
				logLevel = args[i]
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return rest
}

// app bundles the wired components.
type app struct {
	cfg   *core.ConfigManager
	bus   *core.EventBus
	keys  *keystore.Store
	pia   *pia.Client
	gw    *nm.Gateway
	ctrl  *refresh.Controller
	creds creds.Chain
	orch  *refresh.Orchestrator
}

func buildApp() (*app, error) {
	if configPath == "" {
		p, err := core.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		configPath = p
	}

	bus := core.NewEventBus()
	cfg := core.NewConfigManager(configPath, bus)
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	logCfg := cfg.Get().Log
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	core.Log = core.NewLogger(logCfg)

	configDir := filepath.Dir(configPath)
	keys := keystore.New(filepath.Join(configDir, "keys"), nil)
	client := pia.NewClient()
	gw := nm.NewGateway(rt.Default())
	ctrl := refresh.NewController(client, keys, gw, refresh.DefaultRotationHorizon)

	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve invoking user: %w", err)
	}

	chain := creds.Chain{
		&creds.SecretService{},
		&creds.FileSource{Path: filepath.Join(configDir, "credentials")},
	}
	orch := refresh.NewOrchestrator(ctrl, chain, cfg, bus, u.Username)

	return &app{
		cfg:   cfg,
		bus:   bus,
		keys:  keys,
		pia:   client,
		gw:    gw,
		ctrl:  ctrl,
		creds: chain,
		orch:  orch,
	}, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pia-nm keeps PIA WireGuard profiles in NetworkManager fresh.

Usage: pia-nm [--config PATH] [--log-level LEVEL] <command>

Commands:
  setup             Interactive first-time setup (credentials, regions)
  refresh           Refresh credentials for all configured regions
  regions           List regions offered by the provider
  status            Show per-region profile and tunnel state
  remove <region>   Remove a region's profile and keys
  daemon            Run the periodic refresh loop in the foreground
  version           Print version
`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pia-nm: "+format+"\n", args...)
	os.Exit(refresh.ExitFatal)
}
