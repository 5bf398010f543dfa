package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"pia-nm/internal/core"
	"pia-nm/internal/keystore"
	"pia-nm/internal/nm"
	"pia-nm/internal/pia"
	"pia-nm/internal/profile"
)

// DefaultRotationHorizon is how old a keypair may grow before a refresh
// rotates it.
const DefaultRotationHorizon = 30 * 24 * time.Hour

// Provider is the slice of the provider client the controller needs.
type Provider interface {
	Authenticate(ctx context.Context, username, password string) (pia.Token, error)
	RegisterKey(ctx context.Context, token pia.Token, region, publicKey string) (pia.ConnectionDetails, error)
}

// KeyStore owns the per-region WireGuard key material.
type KeyStore interface {
	LoadOrCreate(region string) (keystore.Keypair, error)
	Rotate(region string) (keystore.Keypair, error)
	Age(region string) (time.Duration, error)
}

// Gateway is the slice of the NM gateway the controller needs.
type Gateway interface {
	FindByUUID(ctx context.Context, uuid string) (*nm.SavedConnection, error)
	AddSaved(ctx context.Context, p profile.Profile) (*nm.SavedConnection, error)
	UpdateSaved(ctx context.Context, sc *nm.SavedConnection, p profile.Profile) error
	FindActiveFor(ctx context.Context, uuid string) (*nm.ActiveBinding, error)
	GetApplied(ctx context.Context, device dbus.ObjectPath) (nm.Settings, uint64, error)
	Reapply(ctx context.Context, device dbus.ObjectPath, settings nm.Settings, versionID uint64) error
}

// State is the controller-internal lifecycle of one region.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateFailed
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	case StateHealthy:
		return "healthy"
	default:
		return "unknown"
	}
}

// RegionStatus is a snapshot of one region's state.
type RegionStatus struct {
	State       State
	StartedAt   time.Time
	LastRefresh time.Time
	FailKind    Kind
	Attempts    int
}

// Request carries everything one refresh needs. Credentials are read once
// per cycle by the orchestrator and held only for its duration.
type Request struct {
	Region   string
	Username string
	Password string
	Prefs    profile.Preferences
}

// regionEntry serializes refreshes of one region. The semaphore channel acts
// as an async mutex: acquisition respects context cancellation, and entries
// outlive any single cycle.
type regionEntry struct {
	slot   chan struct{}
	mu     sync.Mutex // guards status
	status RegionStatus
}

// Controller runs the per-region refresh state machine.
type Controller struct {
	provider Provider
	keys     KeyStore
	gw       Gateway

	rotationHorizon time.Duration

	mu      sync.Mutex
	regions map[string]*regionEntry
}

// NewController wires a controller from its collaborators.
// rotationHorizon <= 0 selects DefaultRotationHorizon.
func NewController(p Provider, ks KeyStore, gw Gateway, rotationHorizon time.Duration) *Controller {
	if rotationHorizon <= 0 {
		rotationHorizon = DefaultRotationHorizon
	}
	return &Controller{
		provider:        p,
		keys:            ks,
		gw:              gw,
		rotationHorizon: rotationHorizon,
		regions:         make(map[string]*regionEntry),
	}
}

func (c *Controller) entry(region string) *regionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.regions[region]
	if !ok {
		e = &regionEntry{slot: make(chan struct{}, 1)}
		c.regions[region] = e
	}
	return e
}

// Status returns a snapshot of the region's state.
func (c *Controller) Status(region string) RegionStatus {
	e := c.entry(region)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Refresh runs one refresh for region. At most one refresh is in flight per
// region; a concurrent call blocks until the slot frees or ctx is cancelled.
func (c *Controller) Refresh(ctx context.Context, req Request) Outcome {
	e := c.entry(req.Region)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return Outcome{Status: StatusErr, Kind: KindCancelled, Detail: "cancelled before start"}
	}
	defer func() { <-e.slot }()

	e.mu.Lock()
	e.status.State = StateRefreshing
	e.status.StartedAt = time.Now()
	e.status.Attempts++
	e.mu.Unlock()

	out := c.refresh(ctx, req)

	e.mu.Lock()
	switch out.Status {
	case StatusOk:
		e.status.State = StateHealthy
		e.status.LastRefresh = time.Now()
		e.status.FailKind = KindNone
		e.status.Attempts = 0
	default:
		e.status.State = StateFailed
		e.status.FailKind = out.Kind
	}
	e.mu.Unlock()

	return out
}

// refresh executes the refresh algorithm while the region slot is held.
func (c *Controller) refresh(ctx context.Context, req Request) Outcome {
	region := req.Region

	// Step 1: authenticate.
	token, err := c.provider.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return c.fail(region, "authenticate", err)
	}

	// Step 2: key material, rotating stale keys.
	kp, err := c.keys.LoadOrCreate(region)
	if err != nil {
		return c.fail(region, "load key", err)
	}
	if age, err := c.keys.Age(region); err == nil && age > c.rotationHorizon {
		core.Log.Infof("Refresh", "%s: key is %s old, rotating", region, age.Round(time.Hour))
		kp, err = c.keys.Rotate(region)
		if err != nil {
			return c.fail(region, "rotate key", err)
		}
	}

	// Step 3: register the public key. The token-expired and key-rejected
	// paths each get exactly one retry.
	var details pia.ConnectionDetails
	tokenRetried, keyRetried := false, false
	for {
		if err := ctx.Err(); err != nil {
			return c.fail(region, "register key", err)
		}
		details, err = c.provider.RegisterKey(ctx, token, region, kp.Public.String())
		if err == nil {
			break
		}

		if pia.IsTokenExpired(err) && !tokenRetried {
			tokenRetried = true
			core.Log.Warnf("Refresh", "%s: token rejected, re-authenticating", region)
			token, err = c.provider.Authenticate(ctx, req.Username, req.Password)
			if err != nil {
				return c.fail(region, "re-authenticate", err)
			}
			continue
		}

		var kr *pia.KeyRejectedError
		if errors.As(err, &kr) && !keyRetried {
			keyRetried = true
			core.Log.Warnf("Refresh", "%s: public key rejected, rotating", region)
			kp, err = c.keys.Rotate(region)
			if err != nil {
				return c.fail(region, "rotate key", err)
			}
			continue
		}

		return c.fail(region, "register key", err)
	}

	// Step 4: build the canonical profile.
	prof, err := profile.Build(region, kp, details, req.Prefs)
	if err != nil {
		return c.fail(region, "build profile", err)
	}

	// Step 5: reconcile with NM.
	return c.reconcile(ctx, region, prof)
}

// reconcile pushes prof into NM, preferring a live reapply when the region's
// tunnel is active so traffic never drops.
func (c *Controller) reconcile(ctx context.Context, region string, prof profile.Profile) Outcome {
	saved, err := c.gw.FindByUUID(ctx, prof.UUID)
	if err != nil {
		return c.fail(region, "find saved profile", err)
	}

	if saved == nil {
		if err := ctx.Err(); err != nil {
			return c.fail(region, "add saved profile", err)
		}
		if _, err := c.gw.AddSaved(ctx, prof); err != nil {
			return c.fail(region, "add saved profile", err)
		}
		core.Log.Infof("Refresh", "%s: provisioned new profile %s", region, prof.ConnectionName)
		return Outcome{Status: StatusOk}
	}

	active, err := c.gw.FindActiveFor(ctx, prof.UUID)
	if err != nil {
		return c.fail(region, "find active connection", err)
	}

	if active == nil {
		if err := ctx.Err(); err != nil {
			return c.fail(region, "update saved profile", err)
		}
		if err := c.gw.UpdateSaved(ctx, saved, prof); err != nil {
			return c.fail(region, "update saved profile", err)
		}
		core.Log.Infof("Refresh", "%s: updated saved profile (inactive)", region)
		return Outcome{Status: StatusOk}
	}

	// Live path: mutate only the fields that change across a refresh and
	// reapply under the version-id CAS.
	for attempt := 0; attempt < 2; attempt++ {
		applied, version, err := c.gw.GetApplied(ctx, active.Device)
		if err != nil {
			return c.fail(region, "get applied configuration", err)
		}

		applied.SetPrivateKey(prof.PrivateKey)
		if err := applied.SetPeerEndpoint(prof.Peer.Endpoint); err != nil {
			return c.fail(region, "mutate applied configuration", &nm.DBusError{Op: "mutate applied", Err: err})
		}
		if len(prof.IPv4.DNSServers) > 0 {
			applied.SetDNS(prof.IPv4.DNSServers)
		}

		// Cancellation is honored up to this point; once Reapply is issued
		// the call is allowed to complete.
		if err := ctx.Err(); err != nil {
			return c.fail(region, "reapply", err)
		}

		err = c.gw.Reapply(ctx, active.Device, applied, version)
		if err == nil {
			break
		}
		if nm.IsVersionMismatch(err) && attempt == 0 {
			core.Log.Warnf("Refresh", "%s: applied-config version moved, refetching", region)
			continue
		}
		return c.fail(region, "reapply", err)
	}

	core.Log.Infof("Refresh", "%s: reapplied live configuration on %s", region, active.Device)

	// Persist the same credentials so a later reconnect matches the running
	// tunnel. A failure here does not invalidate the live refresh.
	if err := c.gw.UpdateSaved(ctx, saved, prof); err != nil {
		core.Log.Warnf("Refresh", "%s: saved-profile rewrite after reapply failed: %v", region, err)
		return Outcome{Status: StatusOk, Warning: "saved-profile rewrite failed: " + err.Error()}
	}

	return Outcome{Status: StatusOk}
}

// fail classifies err into an outcome and logs it. Error text never includes
// credentials, tokens, or key bytes; the typed errors carry none.
func (c *Controller) fail(region, op string, err error) Outcome {
	kind := classifyErr(err)
	detail := fmt.Sprintf("%s: %s", op, kind)

	var na *nm.NotAuthorizedError
	if errors.As(err, &na) {
		detail = fmt.Sprintf("%s: %s (%s)", op, kind, nm.RemediationHint)
	}
	var ve *pia.ValidationError
	if errors.As(err, &ve) {
		// Likely a provider-side or local bug; name the field, never the value.
		core.Log.Errorf("Refresh", "%s: %s: malformed provider response, field %q", region, op, ve.Field)
	}

	switch kind {
	case KindCancelled:
		core.Log.Infof("Refresh", "%s: %s cancelled", region, op)
	case KindNetTransient, KindDBusTransient, KindVersionMismatch:
		core.Log.Warnf("Refresh", "%s: %s: %v", region, op, err)
	default:
		core.Log.Errorf("Refresh", "%s: %s: %v", region, op, err)
	}

	return Outcome{Status: statusFor(kind), Kind: kind, Detail: detail}
}

// classifyErr maps collaborator errors onto failure kinds.
func classifyErr(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}

	var ae *pia.AuthError
	if errors.As(err, &ae) {
		if ae.Reason == pia.AuthTokenExpired {
			return KindTokenExpired
		}
		return KindAuthPermanent
	}
	var kr *pia.KeyRejectedError
	if errors.As(err, &kr) {
		return KindKeyRejected
	}
	var ne *pia.NetError
	if errors.As(err, &ne) {
		return KindNetTransient
	}
	var ve *pia.ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var re *pia.RegionError
	if errors.As(err, &re) {
		return KindValidation
	}

	var na *nm.NotAuthorizedError
	if errors.As(err, &na) {
		return KindNotAuthorized
	}
	var vm *nm.VersionMismatchError
	if errors.As(err, &vm) {
		return KindVersionMismatch
	}
	var de *nm.DBusError
	if errors.As(err, &de) {
		return KindDBusTransient
	}
	var nf *nm.NotFoundError
	if errors.As(err, &nf) {
		return KindDBusTransient
	}

	return KindIO
}
