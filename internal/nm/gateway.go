package nm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"pia-nm/internal/core"
	"pia-nm/internal/profile"
	rt "pia-nm/internal/runtime"
)

const (
	busName      = "org.freedesktop.NetworkManager"
	nmPath       = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	settingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	ifaceNM         = "org.freedesktop.NetworkManager"
	ifaceSettings   = "org.freedesktop.NetworkManager.Settings"
	ifaceConnection = "org.freedesktop.NetworkManager.Settings.Connection"
	ifaceActive     = "org.freedesktop.NetworkManager.Connection.Active"
	ifaceDevice     = "org.freedesktop.NetworkManager.Device"
	ifaceProps      = "org.freedesktop.DBus.Properties"

	// Per-call deadline for NM conversations.
	callTimeout = 30 * time.Second

	// AddConnection2/Update2 flag: persist the profile to disk.
	flagToDisk = uint32(0x1)
)

// SavedConnection is a handle to a persisted NM profile.
type SavedConnection struct {
	Path dbus.ObjectPath
	UUID string
}

// ActiveBinding ties a saved profile UUID to the device currently running it.
// Discovered fresh on every refresh; never cached across cycles.
type ActiveBinding struct {
	UUID   string
	Path   dbus.ObjectPath
	Device dbus.ObjectPath
}

// Gateway is a stateless typed view over NM's object API. All calls execute
// on the shared runtime loop; the bus connection is built lazily there,
// blocking the first caller until it is ready.
type Gateway struct {
	loop *rt.Loop

	once    sync.Once
	conn    *dbus.Conn
	connErr error
}

// NewGateway creates a gateway bound to the given loop.
func NewGateway(loop *rt.Loop) *Gateway {
	return &Gateway{loop: loop}
}

// bus returns the system-bus connection, establishing it on first use.
// Must be called from the loop.
func (g *Gateway) bus() (*dbus.Conn, error) {
	g.once.Do(func() {
		g.conn, g.connErr = dbus.SystemBus()
		if g.connErr == nil {
			core.Log.Debugf("NM", "Connected to system bus as %s", g.conn.Names()[0])
		}
	})
	if g.connErr != nil {
		return nil, fmt.Errorf("connect system bus: %w", g.connErr)
	}
	return g.conn, nil
}

// run executes op on the loop with the per-call timeout applied.
func (g *Gateway) run(ctx context.Context, op func(ctx context.Context, conn *dbus.Conn) (any, error)) (any, error) {
	return g.loop.Run(ctx, func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		conn, err := g.bus()
		if err != nil {
			return nil, err
		}
		return op(callCtx, conn)
	})
}

// getProp reads a D-Bus property into dest.
func getProp(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, iface, prop string, dest interface{}) error {
	var v dbus.Variant
	err := conn.Object(busName, path).
		CallWithContext(ctx, ifaceProps+".Get", 0, iface, prop).
		Store(&v)
	if err != nil {
		return err
	}
	return dbus.Store([]interface{}{v.Value()}, dest)
}

// Ping verifies that NM is reachable by reading its Version property. It does
// not check whether NM supports native WireGuard connections. Callers treat a
// failure as a fatal environmental error.
func (g *Gateway) Ping(ctx context.Context) error {
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var version string
		if err := getProp(ctx, conn, nmPath, ifaceNM, "Version", &version); err != nil {
			return nil, classify("probe NetworkManager", err)
		}
		return version, nil
	})
	if err != nil {
		return err
	}
	core.Log.Debugf("NM", "NetworkManager %s reachable", res.(string))
	return nil
}

// FindByUUID looks up the saved profile for uuid. Returns (nil, nil) when no
// such profile exists.
func (g *Gateway) FindByUUID(ctx context.Context, uuid string) (*SavedConnection, error) {
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var path dbus.ObjectPath
		err := conn.Object(busName, settingsPath).
			CallWithContext(ctx, ifaceSettings+".GetConnectionByUuid", 0, uuid).
			Store(&path)
		if err != nil {
			return nil, classify("find connection", err)
		}
		return &SavedConnection{Path: path, UUID: uuid}, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return res.(*SavedConnection), nil
}

// AddSaved creates the saved profile for p and persists it to disk. Used only
// the first time a region is provisioned.
func (g *Gateway) AddSaved(ctx context.Context, p profile.Profile) (*SavedConnection, error) {
	settings := FromProfile(p)
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var (
			path   dbus.ObjectPath
			result map[string]dbus.Variant
		)
		err := conn.Object(busName, settingsPath).
			CallWithContext(ctx, ifaceSettings+".AddConnection2", 0,
				map[string]map[string]dbus.Variant(settings), flagToDisk, map[string]dbus.Variant{}).
			Store(&path, &result)
		if err != nil {
			return nil, classify("add connection", err)
		}
		return &SavedConnection{Path: path, UUID: p.UUID}, nil
	})
	if err != nil {
		return nil, err
	}
	core.Log.Infof("NM", "Added saved profile %s (%s)", p.ConnectionName, p.UUID)
	return res.(*SavedConnection), nil
}

// UpdateSaved rewrites the saved profile idempotently, persisting to disk.
func (g *Gateway) UpdateSaved(ctx context.Context, sc *SavedConnection, p profile.Profile) error {
	settings := FromProfile(p)
	_, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var result map[string]dbus.Variant
		err := conn.Object(busName, sc.Path).
			CallWithContext(ctx, ifaceConnection+".Update2", 0,
				map[string]map[string]dbus.Variant(settings), flagToDisk, map[string]dbus.Variant{}).
			Store(&result)
		if err != nil {
			return nil, classify("update connection", err)
		}
		return nil, nil
	})
	return err
}

// Delete removes the saved profile.
func (g *Gateway) Delete(ctx context.Context, sc *SavedConnection) error {
	_, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		err := conn.Object(busName, sc.Path).
			CallWithContext(ctx, ifaceConnection+".Delete", 0).
			Store()
		if err != nil {
			return nil, classify("delete connection", err)
		}
		return nil, nil
	})
	return err
}

// GetSavedSettings fetches the saved profile's settings (secrets omitted).
func (g *Gateway) GetSavedSettings(ctx context.Context, sc *SavedConnection) (Settings, error) {
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var settings map[string]map[string]dbus.Variant
		err := conn.Object(busName, sc.Path).
			CallWithContext(ctx, ifaceConnection+".GetSettings", 0).
			Store(&settings)
		if err != nil {
			return nil, classify("get settings", err)
		}
		return Settings(settings), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(Settings), nil
}

// FindActiveFor inspects the active connections and returns the binding for
// uuid, or (nil, nil) when the profile is not active.
func (g *Gateway) FindActiveFor(ctx context.Context, uuid string) (*ActiveBinding, error) {
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var active []dbus.ObjectPath
		if err := getProp(ctx, conn, nmPath, ifaceNM, "ActiveConnections", &active); err != nil {
			return nil, classify("list active connections", err)
		}
		for _, acPath := range active {
			var acUUID string
			if err := getProp(ctx, conn, acPath, ifaceActive, "Uuid", &acUUID); err != nil {
				// The connection may have deactivated between the property
				// reads; skip it.
				continue
			}
			if acUUID != uuid {
				continue
			}
			var devices []dbus.ObjectPath
			if err := getProp(ctx, conn, acPath, ifaceActive, "Devices", &devices); err != nil {
				return nil, classify("read active devices", err)
			}
			if len(devices) == 0 {
				continue
			}
			return &ActiveBinding{UUID: uuid, Path: acPath, Device: devices[0]}, nil
		}
		return (*ActiveBinding)(nil), nil
	})
	if err != nil {
		return nil, err
	}
	binding, _ := res.(*ActiveBinding)
	return binding, nil
}

// GetApplied fetches the mutable running configuration of device together
// with the version id NM uses as the reapply CAS token.
func (g *Gateway) GetApplied(ctx context.Context, device dbus.ObjectPath) (Settings, uint64, error) {
	type applied struct {
		settings Settings
		version  uint64
	}
	res, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		var (
			settings map[string]map[string]dbus.Variant
			version  uint64
		)
		err := conn.Object(busName, device).
			CallWithContext(ctx, ifaceDevice+".GetAppliedConnection", 0, uint32(0)).
			Store(&settings, &version)
		if err != nil {
			return nil, classify("get applied configuration", err)
		}
		return applied{settings: Settings(settings), version: version}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	a := res.(applied)
	return a.settings, a.version, nil
}

// Reapply hot-swaps the running configuration. NM rejects the call with a
// version mismatch when versionID is stale.
func (g *Gateway) Reapply(ctx context.Context, device dbus.ObjectPath, settings Settings, versionID uint64) error {
	_, err := g.run(ctx, func(ctx context.Context, conn *dbus.Conn) (any, error) {
		err := conn.Object(busName, device).
			CallWithContext(ctx, ifaceDevice+".Reapply", 0,
				map[string]map[string]dbus.Variant(settings), versionID, uint32(0)).
			Store()
		if err != nil {
			return nil, classify("reapply", err)
		}
		return nil, nil
	})
	return err
}
