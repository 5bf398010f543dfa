package pia

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"pia-nm/internal/core"
)

// Token is the opaque bearer credential issued by the provider.
// Valid for roughly 24 hours; never persisted and never logged.
type Token string

// RegionDescriptor describes one region offered by the provider.
type RegionDescriptor struct {
	ID          string
	Name        string
	PortForward bool
}

// ConnectionDetails is the result of registering a public key against a
// region's WireGuard server. Ephemeral; replaced on every registration.
type ConnectionDetails struct {
	ServerKey   string
	ServerIP    string
	ServerPort  int
	PeerIP      string
	DNSServers  []string
	ServerLabel string
}

// Endpoint returns the host:port peer endpoint.
func (d ConnectionDetails) Endpoint() string {
	return net.JoinHostPort(d.ServerIP, fmt.Sprintf("%d", d.ServerPort))
}

const (
	defaultTokenURL      = "https://www.privateinternetaccess.com/gtoken/generateToken"
	defaultServerListURL = "https://serverlist.piaservers.net/vpninfo/servers/v6"
	defaultCAPath        = "/usr/share/pia-nm/ca.rsa.4096.crt"

	requestTimeout = 15 * time.Second
	registerPort   = 1337
	userAgent      = "pia-nm/1.0"
)

// Client talks HTTPS to the provider. TLS verification is mandatory on every
// request; the register call verifies against the provider CA when present,
// the system trust store otherwise.
type Client struct {
	tokenURL      string
	serverListURL string
	caPath        string
	registerPort  int
	http          *http.Client

	// registerBase overrides the per-server https://ip:port scheme; tests use
	// it to point register calls at a fixture server.
	registerBase string
}

// Option configures a Client.
type Option func(*Client)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option { return func(c *Client) { c.tokenURL = u } }

// WithServerListURL overrides the server list endpoint.
func WithServerListURL(u string) Option { return func(c *Client) { c.serverListURL = u } }

// WithCAPath overrides the provider CA bundle location.
func WithCAPath(p string) Option { return func(c *Client) { c.caPath = p } }

// WithRegisterBase routes all register calls to a fixed base URL.
func WithRegisterBase(u string) Option { return func(c *Client) { c.registerBase = u } }

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient creates a provider client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		tokenURL:      defaultTokenURL,
		serverListURL: defaultServerListURL,
		caPath:        defaultCAPath,
		registerPort:  registerPort,
		http:          &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// doOnce executes a request with the per-attempt timeout. On transport error
// the request is retried exactly once, immediately. HTTP status handling is
// left to the caller.
func (c *Client) doOnce(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := client.Do(req.WithContext(ctx))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Authenticate exchanges credentials for a token via HTTP basic auth.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	core.Log.Debugf("PIA", "Requesting token for user %s", core.Redacted)

	resp, err := c.doOnce(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.tokenURL, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(username, password)
		return req, nil
	})
	if err != nil {
		return "", &NetError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NetError{Op: "authenticate", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if strings.Contains(strings.ToLower(string(body)), "locked") {
			return "", &AuthError{Reason: AuthLocked, Op: "authenticate"}
		}
		return "", &AuthError{Reason: AuthInvalid, Op: "authenticate"}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &AuthError{Reason: AuthInvalid, Op: "authenticate"}
	default:
		return "", &NetError{Op: "authenticate", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var parsed struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &ValidationError{Field: "token"}
	}
	if !strings.EqualFold(parsed.Status, "OK") {
		if strings.Contains(strings.ToLower(parsed.Status), "locked") {
			return "", &AuthError{Reason: AuthLocked, Op: "authenticate"}
		}
		return "", &AuthError{Reason: AuthInvalid, Op: "authenticate"}
	}
	if parsed.Token == "" {
		return "", &ValidationError{Field: "token"}
	}
	return Token(parsed.Token), nil
}

// serverList mirrors the relevant slice of the provider's server list JSON.
type serverList struct {
	Regions []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		PortForward bool   `json:"port_forward"`
		Servers     struct {
			WG []struct {
				IP string `json:"ip"`
				CN string `json:"cn"`
			} `json:"wg"`
		} `json:"servers"`
	} `json:"regions"`
}

// fetchServerList downloads and parses the server list. The payload is the
// first line of the body; a detached signature follows and is ignored.
func (c *Client) fetchServerList(ctx context.Context) (*serverList, error) {
	resp, err := c.doOnce(ctx, c.http, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.serverListURL, nil)
	})
	if err != nil {
		return nil, &NetError{Op: "server list", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetError{Op: "server list", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &NetError{Op: "server list", Err: err}
	}
	payload := body
	if i := strings.IndexByte(string(body), '\n'); i > 0 {
		payload = body[:i]
	}

	var sl serverList
	if err := json.Unmarshal(payload, &sl); err != nil {
		return nil, &ValidationError{Field: "regions"}
	}
	return &sl, nil
}

// ListRegions returns the regions the provider offers. Results are not cached
// here; callers cache as needed.
func (c *Client) ListRegions(ctx context.Context) ([]RegionDescriptor, error) {
	sl, err := c.fetchServerList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RegionDescriptor, 0, len(sl.Regions))
	for _, r := range sl.Regions {
		if r.ID == "" || len(r.Servers.WG) == 0 {
			continue
		}
		out = append(out, RegionDescriptor{
			ID:          r.ID,
			Name:        r.Name,
			PortForward: r.PortForward,
		})
	}
	return out, nil
}

// RegisterKey selects a WireGuard server for region and registers publicKey
// against it, returning the connection details for the tunnel.
func (c *Client) RegisterKey(ctx context.Context, token Token, region, publicKey string) (ConnectionDetails, error) {
	sl, err := c.fetchServerList(ctx)
	if err != nil {
		return ConnectionDetails{}, err
	}

	var serverIP, serverCN, label string
	for _, r := range sl.Regions {
		if r.ID != region {
			continue
		}
		if len(r.Servers.WG) == 0 {
			return ConnectionDetails{}, &RegionError{Region: region}
		}
		serverIP = r.Servers.WG[0].IP
		serverCN = r.Servers.WG[0].CN
		label = r.Name
		break
	}
	if serverIP == "" {
		return ConnectionDetails{}, &RegionError{Region: region}
	}

	base := c.registerBase
	if base == "" {
		base = fmt.Sprintf("https://%s:%d", serverIP, c.registerPort)
	}
	q := url.Values{}
	q.Set("pt", string(token))
	q.Set("pubkey", publicKey)
	addKeyURL := base + "/addKey?" + q.Encode()

	client, err := c.registerClient(serverCN)
	if err != nil {
		return ConnectionDetails{}, err
	}

	core.Log.Debugf("PIA", "Registering key %s with %s server %s", core.Redacted, region, serverCN)

	resp, err := c.doOnce(ctx, client, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, addKeyURL, nil)
	})
	if err != nil {
		return ConnectionDetails{}, &NetError{Op: "register key", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ConnectionDetails{}, &NetError{Op: "register key", Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ConnectionDetails{}, &AuthError{Reason: AuthTokenExpired, Op: "register key"}
	}
	if resp.StatusCode != http.StatusOK {
		return ConnectionDetails{}, &NetError{Op: "register key", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var parsed struct {
		Status      string   `json:"status"`
		Message     string   `json:"message"`
		ServerKey   string   `json:"server_key"`
		ServerIP    string   `json:"server_ip"`
		ServerPort  int      `json:"server_port"`
		PeerIP      string   `json:"peer_ip"`
		DNSServers  []string `json:"dns_servers"`
		ServerLabel string   `json:"server_label"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ConnectionDetails{}, &ValidationError{Field: "status"}
	}
	if !strings.EqualFold(parsed.Status, "OK") {
		msg := strings.ToLower(parsed.Message)
		switch {
		case strings.Contains(msg, "token"), strings.Contains(msg, "expired"), strings.Contains(msg, "login"):
			return ConnectionDetails{}, &AuthError{Reason: AuthTokenExpired, Op: "register key"}
		case strings.Contains(msg, "key"), strings.Contains(msg, "pubkey"):
			return ConnectionDetails{}, &KeyRejectedError{Region: region}
		default:
			return ConnectionDetails{}, &NetError{Op: "register key", Err: fmt.Errorf("provider status %q", parsed.Status)}
		}
	}

	switch {
	case parsed.ServerKey == "":
		return ConnectionDetails{}, &ValidationError{Field: "server_key"}
	case parsed.ServerIP == "":
		return ConnectionDetails{}, &ValidationError{Field: "server_ip"}
	case parsed.ServerPort < 1 || parsed.ServerPort > 65535:
		return ConnectionDetails{}, &ValidationError{Field: "server_port"}
	case parsed.PeerIP == "":
		return ConnectionDetails{}, &ValidationError{Field: "peer_ip"}
	}
	if parsed.ServerLabel == "" {
		parsed.ServerLabel = label
	}

	return ConnectionDetails{
		ServerKey:   parsed.ServerKey,
		ServerIP:    parsed.ServerIP,
		ServerPort:  parsed.ServerPort,
		PeerIP:      parsed.PeerIP,
		DNSServers:  parsed.DNSServers,
		ServerLabel: parsed.ServerLabel,
	}, nil
}

// registerClient builds an HTTP client for the per-server register call.
// The provider CA is used when present; certificate verification is never
// disabled.
func (c *Client) registerClient(serverCN string) (*http.Client, error) {
	if c.registerBase != "" {
		// Fixture override: reuse the base client (tests run plain httptest TLS).
		return c.http, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if serverCN != "" {
		tlsCfg.ServerName = serverCN
	}
	if pem, err := os.ReadFile(c.caPath); err == nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(pem) {
			tlsCfg.RootCAs = pool
		}
	}
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		},
	}, nil
}
