package pia

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestClient(ts *httptest.Server) *Client {
	return NewClient(
		WithTokenURL(ts.URL+"/gtoken/generateToken"),
		WithServerListURL(ts.URL+"/vpninfo/servers/v6"),
		WithRegisterBase(ts.URL),
		WithHTTPClient(ts.Client()),
	)
}

const serverListBody = `{"regions":[` +
	`{"id":"us-east","name":"US East","port_forward":true,"servers":{"wg":[{"ip":"1.2.3.4","cn":"newjersey403"}]}},` +
	`{"id":"de-berlin","name":"DE Berlin","port_forward":false,"servers":{"wg":[{"ip":"5.6.7.8","cn":"berlin401"}]}},` +
	`{"id":"no-wg","name":"Legacy","port_forward":false,"servers":{}}]}` + "\n" +
	`bm90LWEtcmVhbC1zaWduYXR1cmU=`

func TestAuthenticate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"OK","token":"tok-123"}`))
	}))
	defer ts.Close()
	c := newTestClient(ts)

	tok, err := c.Authenticate(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok != "tok-123" {
		t.Errorf("token = %q", tok)
	}

	_, err = c.Authenticate(context.Background(), "alice", "wrong")
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Reason != AuthInvalid {
		t.Fatalf("bad password: err = %v, want AuthError(Invalid)", err)
	}
}

func TestAuthenticateLocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"ERROR","message":"account locked"}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts).Authenticate(context.Background(), "a", "b")
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Reason != AuthLocked {
		t.Fatalf("err = %v, want AuthError(Locked)", err)
	}
}

// TestTransportRetriedOnce: a request that fails at the transport level is
// retried exactly once, immediately.
func TestTransportRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the connection mid-flight so the client sees a transport
			// error rather than a status code.
			conn, _, _ := w.(http.Hijacker).Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"status":"OK","token":"tok-retry"}`))
	}))
	defer ts.Close()

	tok, err := newTestClient(ts).Authenticate(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Authenticate after retry: %v", err)
	}
	if tok != "tok-retry" {
		t.Errorf("token = %q", tok)
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.Load())
	}
}

func TestListRegions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serverListBody))
	}))
	defer ts.Close()

	regions, err := newTestClient(ts).ListRegions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The region with no WireGuard servers is filtered out.
	if len(regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(regions))
	}
	if regions[0].ID != "us-east" || !regions[0].PortForward {
		t.Errorf("first region = %+v", regions[0])
	}
}

func registerServer(t *testing.T, addKey http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/vpninfo/servers/v6", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serverListBody))
	})
	mux.HandleFunc("/addKey", addKey)
	return httptest.NewServer(mux)
}

func TestRegisterKey(t *testing.T) {
	ts := registerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pt") != "tok" {
			w.Write([]byte(`{"status":"ERROR","message":"Login failed, token expired"}`))
			return
		}
		if r.URL.Query().Get("pubkey") == "" {
			w.Write([]byte(`{"status":"ERROR","message":"bad pubkey"}`))
			return
		}
		w.Write([]byte(`{"status":"OK","server_key":"SK","server_ip":"1.2.3.4","server_port":1337,` +
			`"peer_ip":"10.2.0.2","dns_servers":["10.2.0.1"],"server_label":"US East"}`))
	})
	defer ts.Close()
	c := newTestClient(ts)

	details, err := c.RegisterKey(context.Background(), "tok", "us-east", "PUBKEY")
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	if details.Endpoint() != "1.2.3.4:1337" {
		t.Errorf("endpoint = %q", details.Endpoint())
	}
	if details.PeerIP != "10.2.0.2" || details.ServerLabel != "US East" {
		t.Errorf("details = %+v", details)
	}

	// Expired token classification.
	_, err = c.RegisterKey(context.Background(), "stale", "us-east", "PUBKEY")
	if !IsTokenExpired(err) {
		t.Fatalf("err = %v, want TokenExpired", err)
	}

	// Unknown region fails before any register call.
	_, err = c.RegisterKey(context.Background(), "tok", "nowhere", "PUBKEY")
	var re *RegionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RegionError", err)
	}
}

func TestRegisterKeyRejected(t *testing.T) {
	ts := registerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ERROR","message":"pubkey not acceptable"}`))
	})
	defer ts.Close()

	_, err := newTestClient(ts).RegisterKey(context.Background(), "tok", "us-east", "PUBKEY")
	var kr *KeyRejectedError
	if !errors.As(err, &kr) {
		t.Fatalf("err = %v, want KeyRejectedError", err)
	}
}

// TestRegisterKeyValidation: a structurally broken response is surfaced as a
// validation error naming the field, never mutating anything downstream.
func TestRegisterKeyValidation(t *testing.T) {
	cases := []struct {
		body  string
		field string
	}{
		{`{"status":"OK","server_ip":"1.2.3.4","server_port":1337,"peer_ip":"10.2.0.2"}`, "server_key"},
		{`{"status":"OK","server_key":"SK","server_port":1337,"peer_ip":"10.2.0.2"}`, "server_ip"},
		{`{"status":"OK","server_key":"SK","server_ip":"1.2.3.4","server_port":0,"peer_ip":"10.2.0.2"}`, "server_port"},
		{`{"status":"OK","server_key":"SK","server_ip":"1.2.3.4","server_port":70000,"peer_ip":"10.2.0.2"}`, "server_port"},
		{`{"status":"OK","server_key":"SK","server_ip":"1.2.3.4","server_port":1337}`, "peer_ip"},
	}
	for _, tc := range cases {
		ts := registerServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tc.body))
		})
		_, err := newTestClient(ts).RegisterKey(context.Background(), "tok", "us-east", "PUBKEY")
		ts.Close()

		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("body %s: err = %v, want ValidationError", tc.body, err)
		}
		if ve.Field != tc.field {
			t.Errorf("body %s: field = %q, want %q", tc.body, ve.Field, tc.field)
		}
	}
}
