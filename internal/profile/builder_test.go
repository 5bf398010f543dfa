package profile

import (
	"errors"
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"pia-nm/internal/keystore"
	"pia-nm/internal/pia"
)

func testKeypair(t *testing.T) keystore.Keypair {
	t.Helper()
	priv, err := wgtypes.ParseKey("YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=") // 32x 0x61, test only
	if err != nil {
		t.Fatal(err)
	}
	return keystore.Keypair{Private: priv, Public: priv.PublicKey(), CreatedAt: time.Unix(0, 0)}
}

func testDetails() pia.ConnectionDetails {
	return pia.ConnectionDetails{
		ServerKey:   "SK",
		ServerIP:    "1.2.3.4",
		ServerPort:  1337,
		PeerIP:      "10.2.0.2",
		DNSServers:  []string{"10.2.0.1"},
		ServerLabel: "US East",
	}
}

func TestBuildFullTunnelWithDNS(t *testing.T) {
	kp := testKeypair(t)
	p, err := Build("us-east", kp, testDetails(), Preferences{UseVPNDNS: true, Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	if p.ConnectionName != "PIA-US East" {
		t.Errorf("connection name = %q", p.ConnectionName)
	}
	if p.InterfaceName != "wg-pia-us-east" {
		t.Errorf("interface name = %q", p.InterfaceName)
	}
	if p.UUID != UUIDFor("us-east") {
		t.Errorf("uuid = %q not derived from region", p.UUID)
	}
	if p.Peer.Endpoint != "1.2.3.4:1337" || p.Peer.PublicKey != "SK" {
		t.Errorf("peer = %+v", p.Peer)
	}
	if len(p.Peer.AllowedIPs) != 1 || p.Peer.AllowedIPs[0] != "0.0.0.0/0" {
		t.Errorf("allowed ips = %v", p.Peer.AllowedIPs)
	}
	if p.Peer.Keepalive != DefaultKeepalive {
		t.Errorf("keepalive = %d", p.Peer.Keepalive)
	}
	if p.IPv4.Address != "10.2.0.2" || p.IPv4.Prefix != 32 {
		t.Errorf("ipv4 = %+v", p.IPv4)
	}
	if p.IPv4.DNSPriority != DNSPriority || !p.IPv4.IgnoreAutoDNS {
		t.Errorf("dns config = %+v", p.IPv4)
	}
	if len(p.IPv4.DNSSearch) != 1 || p.IPv4.DNSSearch[0] != "~" {
		t.Errorf("dns search = %v", p.IPv4.DNSSearch)
	}
	if p.IPv6Method != "disabled" {
		t.Errorf("ipv6 method = %q", p.IPv6Method)
	}
	if p.Autoconnect {
		t.Error("autoconnect must be false")
	}
}

// TestBuildNoDNS: with VPN DNS off, every DNS-related key is omitted so NM
// keeps system DNS.
func TestBuildNoDNS(t *testing.T) {
	p, err := Build("us-east", testKeypair(t), testDetails(), Preferences{Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.IPv4.DNSServers) != 0 || p.IPv4.DNSPriority != 0 ||
		len(p.IPv4.DNSSearch) != 0 || p.IPv4.IgnoreAutoDNS {
		t.Errorf("dns fields present with DNS disabled: %+v", p.IPv4)
	}
}

// TestBuildDeterministic: equal inputs produce equal profiles.
func TestBuildDeterministic(t *testing.T) {
	kp := testKeypair(t)
	prefs := Preferences{UseVPNDNS: true, SplitTunnel: SplitExcludeRFC1918, FWMark: 51820, Owner: "alice"}

	a, err := Build("us-east", kp, testDetails(), prefs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build("us-east", kp, testDetails(), prefs)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("profiles differ (-first +second):\n%s", diff)
	}
}

func TestBuildValidation(t *testing.T) {
	kp := testKeypair(t)

	bad := testDetails()
	bad.ServerPort = 0
	if _, err := Build("r", kp, bad, Preferences{}); !isValidation(err, "server_port") {
		t.Errorf("port 0: err = %v", err)
	}

	bad = testDetails()
	bad.PeerIP = "not-an-ip"
	if _, err := Build("r", kp, bad, Preferences{}); !isValidation(err, "peer_ip") {
		t.Errorf("bad peer ip: err = %v", err)
	}

	bad = testDetails()
	bad.PeerIP = "2001:db8::1"
	if _, err := Build("r", kp, bad, Preferences{}); !isValidation(err, "peer_ip") {
		t.Errorf("v6 peer ip: err = %v", err)
	}

	if _, err := Build("r", keystore.Keypair{}, testDetails(), Preferences{}); !isValidation(err, "private_key") {
		t.Errorf("zero key: err = %v", err)
	}

	// An explicit /32 suffix is accepted and stripped.
	ok := testDetails()
	ok.PeerIP = "10.2.0.2/32"
	p, err := Build("r", kp, ok, Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if p.IPv4.Address != "10.2.0.2" {
		t.Errorf("address = %q", p.IPv4.Address)
	}
}

func isValidation(err error, field string) bool {
	var ve *pia.ValidationError
	return errors.As(err, &ve) && ve.Field == field
}

func TestInterfaceNameFits(t *testing.T) {
	name := InterfaceNameFor("swiss-confederation")
	if len(name) > 15 {
		t.Errorf("interface name %q exceeds IFNAMSIZ", name)
	}
	if InterfaceNameFor("us_east") != "wg-pia-us-east" {
		t.Errorf("underscores not normalized: %q", InterfaceNameFor("us_east"))
	}
}

// TestNonPrivateIPv4Coverage checks the canonical exclusion set: the blocks
// are disjoint, none overlaps a private/link-local/multicast range, and
// together with those ranges they cover every IPv4 address.
func TestNonPrivateIPv4Coverage(t *testing.T) {
	excluded := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("224.0.0.0/4"),
	}

	total := new(big.Int)
	var parsed []netip.Prefix
	for _, s := range NonPrivateIPv4 {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			t.Fatalf("bad prefix %q: %v", s, err)
		}
		for _, ex := range excluded {
			if ex.Overlaps(p) {
				t.Errorf("%s overlaps excluded range %s", p, ex)
			}
		}
		for _, q := range parsed {
			if q.Overlaps(p) {
				t.Errorf("%s overlaps %s", p, q)
			}
		}
		parsed = append(parsed, p)
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(32-p.Bits())))
	}
	for _, ex := range excluded {
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(32-ex.Bits())))
	}

	full := new(big.Int).Lsh(big.NewInt(1), 32)
	if total.Cmp(full) != 0 {
		t.Errorf("coverage = %s addresses, want %s", total, full)
	}
}
