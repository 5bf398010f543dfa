package profile

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"pia-nm/internal/keystore"
	"pia-nm/internal/pia"
)

// Name prefixes the dispatcher scripts filter on.
const (
	ConnectionPrefix = "PIA-"
	InterfacePrefix  = "wg-pia-"
)

// Linux IFNAMSIZ minus the trailing NUL.
const maxInterfaceName = 15

// DNSPriority is the dns-priority written when VPN DNS is enabled.
// More negative wins over other connections.
const DNSPriority = -1500

// DefaultKeepalive is the persistent-keepalive written when unset.
const DefaultKeepalive = 25

// uuidNamespace seeds the stable per-region profile UUID. Fixed for the life
// of the project so a region keeps its UUID across reinstalls.
var uuidNamespace = uuid.MustParse("8b4ab8a8-5fb9-4e22-8fd0-1ac9e7f4e5a3")

// IPv6Mode selects the profile's ipv6 method.
type IPv6Mode int

const (
	IPv6Disabled IPv6Mode = iota
	IPv6Auto
)

func (m IPv6Mode) Method() string {
	if m == IPv6Auto {
		return "auto"
	}
	return "disabled"
}

// SplitMode selects the allowed-ips policy.
type SplitMode int

const (
	SplitOff SplitMode = iota
	SplitExcludeRFC1918
)

// Preferences are the enumerated profile options.
type Preferences struct {
	UseVPNDNS   bool
	IPv6        IPv6Mode
	SplitTunnel SplitMode
	FWMark      uint32
	Keepalive   uint16
	// Owner is the invoking user named in the profile permissions, so
	// non-privileged refresh of the saved profile is allowed.
	Owner string
	// Autoconnect is always false for managed profiles; kept explicit so the
	// invariant shows up in the profile value.
	Autoconnect bool
}

// Peer is the WireGuard peer block of a profile.
type Peer struct {
	PublicKey  string
	Endpoint   string
	AllowedIPs []string
	Keepalive  uint16
}

// IPv4 is the profile's ipv4 configuration. Method is always manual.
type IPv4 struct {
	Address       string
	Prefix        uint8
	DNSServers    []string
	DNSPriority   int32
	DNSSearch     []string
	IgnoreAutoDNS bool
}

// Profile is the canonical, provider-independent connection description fed
// to the NM gateway.
type Profile struct {
	Region         string
	ConnectionName string
	InterfaceName  string
	UUID           string
	PrivateKey     string
	Peer           Peer
	IPv4           IPv4
	IPv6Method     string
	FWMark         uint32
	Owner          string
	Autoconnect    bool
}

// UUIDFor derives the stable profile UUID for a region. The same region id
// always maps to the same UUID on every host running this tool.
func UUIDFor(region string) string {
	return uuid.NewSHA1(uuidNamespace, []byte("region:"+region)).String()
}

// InterfaceNameFor derives the kernel interface name for a region.
func InterfaceNameFor(region string) string {
	name := InterfacePrefix + strings.ReplaceAll(region, "_", "-")
	if len(name) > maxInterfaceName {
		name = name[:maxInterfaceName]
	}
	return name
}

// Build produces the canonical profile for a region. It is a pure function:
// equal inputs yield equal profiles.
func Build(region string, kp keystore.Keypair, details pia.ConnectionDetails, prefs Preferences) (Profile, error) {
	if kp.Private == (wgtypes.Key{}) {
		return Profile{}, fmt.Errorf("build %s: %w", region, &pia.ValidationError{Field: "private_key"})
	}
	if err := validateEndpoint(details.Endpoint()); err != nil {
		return Profile{}, fmt.Errorf("build %s: %w", region, err)
	}
	peerIP, err := validatePeerIP(details.PeerIP)
	if err != nil {
		return Profile{}, fmt.Errorf("build %s: %w", region, err)
	}

	keepalive := prefs.Keepalive
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}

	allowed := []string{"0.0.0.0/0"}
	if prefs.SplitTunnel == SplitExcludeRFC1918 {
		allowed = append([]string(nil), NonPrivateIPv4...)
	}

	p := Profile{
		Region:         region,
		ConnectionName: ConnectionPrefix + details.ServerLabel,
		InterfaceName:  InterfaceNameFor(region),
		UUID:           UUIDFor(region),
		PrivateKey:     kp.Private.String(),
		Peer: Peer{
			PublicKey:  details.ServerKey,
			Endpoint:   details.Endpoint(),
			AllowedIPs: allowed,
			Keepalive:  keepalive,
		},
		IPv4: IPv4{
			Address: peerIP,
			Prefix:  32,
		},
		IPv6Method:  prefs.IPv6.Method(),
		FWMark:      prefs.FWMark,
		Owner:       prefs.Owner,
		Autoconnect: false,
	}

	if prefs.UseVPNDNS {
		p.IPv4.DNSServers = append([]string(nil), details.DNSServers...)
		p.IPv4.DNSPriority = DNSPriority
		p.IPv4.DNSSearch = []string{"~"}
		p.IPv4.IgnoreAutoDNS = true
	}

	return p, nil
}

func validateEndpoint(endpoint string) error {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil || host == "" {
		return &pia.ValidationError{Field: "server_ip"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return &pia.ValidationError{Field: "server_port"}
	}
	return nil
}

// validatePeerIP accepts a bare IPv4 address or an explicit /32 and returns
// the bare address.
func validatePeerIP(peerIP string) (string, error) {
	s := strings.TrimSuffix(peerIP, "/32")
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return "", &pia.ValidationError{Field: "peer_ip"}
	}
	return addr.String(), nil
}

// NonPrivateIPv4 is the canonical allowed-ips set covering all of IPv4 except
// RFC1918, link-local, and multicast ranges.
var NonPrivateIPv4 = []string{
	"0.0.0.0/5",
	"8.0.0.0/7",
	"11.0.0.0/8",
	"12.0.0.0/6",
	"16.0.0.0/4",
	"32.0.0.0/3",
	"64.0.0.0/2",
	"128.0.0.0/3",
	"160.0.0.0/5",
	"168.0.0.0/8",
	"169.0.0.0/9",
	"169.128.0.0/10",
	"169.192.0.0/11",
	"169.224.0.0/12",
	"169.240.0.0/13",
	"169.248.0.0/14",
	"169.252.0.0/15",
	"169.255.0.0/16",
	"170.0.0.0/7",
	"172.0.0.0/12",
	"172.32.0.0/11",
	"172.64.0.0/10",
	"172.128.0.0/9",
	"173.0.0.0/8",
	"174.0.0.0/7",
	"176.0.0.0/4",
	"192.0.0.0/9",
	"192.128.0.0/11",
	"192.160.0.0/13",
	"192.169.0.0/16",
	"192.170.0.0/15",
	"192.172.0.0/14",
	"192.176.0.0/12",
	"192.192.0.0/10",
	"193.0.0.0/8",
	"194.0.0.0/7",
	"196.0.0.0/6",
	"200.0.0.0/5",
	"208.0.0.0/4",
	"240.0.0.0/4",
}
