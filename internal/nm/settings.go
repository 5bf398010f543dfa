package nm

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"

	"pia-nm/internal/profile"
)

// Settings is the wire shape of an NM connection: setting name → key → value.
type Settings map[string]map[string]dbus.Variant

// Setting names and keys used by this gateway. Only the slice of the schema
// the controller touches is modeled.
const (
	settingConnection = "connection"
	settingWireGuard  = "wireguard"
	settingIPv4       = "ipv4"
	settingIPv6       = "ipv6"
)

// FromProfile converts the canonical profile into NM settings maps.
func FromProfile(p profile.Profile) Settings {
	conn := map[string]dbus.Variant{
		"id":             dbus.MakeVariant(p.ConnectionName),
		"uuid":           dbus.MakeVariant(p.UUID),
		"type":           dbus.MakeVariant("wireguard"),
		"interface-name": dbus.MakeVariant(p.InterfaceName),
		"autoconnect":    dbus.MakeVariant(p.Autoconnect),
	}
	if p.Owner != "" {
		conn["permissions"] = dbus.MakeVariant([]string{"user:" + p.Owner + ":"})
	}

	peer := map[string]dbus.Variant{
		"public-key":           dbus.MakeVariant(p.Peer.PublicKey),
		"endpoint":             dbus.MakeVariant(p.Peer.Endpoint),
		"allowed-ips":          dbus.MakeVariant(append([]string(nil), p.Peer.AllowedIPs...)),
		"persistent-keepalive": dbus.MakeVariant(uint32(p.Peer.Keepalive)),
	}
	wg := map[string]dbus.Variant{
		// The key lives in the profile, not in an agent; NM must store it.
		"private-key-flags": dbus.MakeVariant(uint32(0)),
		"private-key":       dbus.MakeVariant(p.PrivateKey),
		"peers":             dbus.MakeVariant([]map[string]dbus.Variant{peer}),
	}
	if p.FWMark != 0 {
		wg["fwmark"] = dbus.MakeVariant(p.FWMark)
	}

	ipv4 := map[string]dbus.Variant{
		"method": dbus.MakeVariant("manual"),
		"address-data": dbus.MakeVariant([]map[string]dbus.Variant{{
			"address": dbus.MakeVariant(p.IPv4.Address),
			"prefix":  dbus.MakeVariant(uint32(p.IPv4.Prefix)),
		}}),
	}
	if len(p.IPv4.DNSServers) > 0 {
		ipv4["dns"] = dbus.MakeVariant(dnsToWire(p.IPv4.DNSServers))
		ipv4["dns-priority"] = dbus.MakeVariant(p.IPv4.DNSPriority)
		ipv4["dns-search"] = dbus.MakeVariant(append([]string(nil), p.IPv4.DNSSearch...))
		ipv4["ignore-auto-dns"] = dbus.MakeVariant(p.IPv4.IgnoreAutoDNS)
	}

	return Settings{
		settingConnection: conn,
		settingWireGuard:  wg,
		settingIPv4:       ipv4,
		settingIPv6: {
			"method": dbus.MakeVariant(p.IPv6Method),
		},
	}
}

// dnsToWire converts dotted-quad servers to NM's legacy 'au' encoding: each
// element is the in_addr_t of the server, i.e. the network-byte-order bytes
// reinterpreted as a host-endian uint32.
func dnsToWire(servers []string) []uint32 {
	out := make([]uint32, 0, len(servers))
	for _, s := range servers {
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			continue
		}
		b := addr.As4()
		out = append(out, binary.NativeEndian.Uint32(b[:]))
	}
	return out
}

// ensure returns the inner map for a setting, creating it when absent.
func (s Settings) ensure(name string) map[string]dbus.Variant {
	m, ok := s[name]
	if !ok {
		m = make(map[string]dbus.Variant)
		s[name] = m
	}
	return m
}

// SetPrivateKey replaces the local WireGuard private key.
func (s Settings) SetPrivateKey(key string) {
	wg := s.ensure(settingWireGuard)
	wg["private-key"] = dbus.MakeVariant(key)
	wg["private-key-flags"] = dbus.MakeVariant(uint32(0))
}

// SetPeerEndpoint rewrites the endpoint of the first (only) peer, keeping all
// other peer attributes as applied.
func (s Settings) SetPeerEndpoint(endpoint string) error {
	wg := s.ensure(settingWireGuard)
	raw, ok := wg["peers"]
	if !ok {
		return fmt.Errorf("applied configuration has no wireguard peers")
	}
	peers, err := peerMaps(raw)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("applied configuration has no wireguard peers")
	}
	peers[0]["endpoint"] = dbus.MakeVariant(endpoint)
	wg["peers"] = dbus.MakeVariant(peers)
	return nil
}

// SetDNS replaces the ipv4 DNS server list.
func (s Settings) SetDNS(servers []string) {
	ipv4 := s.ensure(settingIPv4)
	ipv4["dns"] = dbus.MakeVariant(dnsToWire(servers))
}

// PeerEndpoint returns the endpoint of the first peer, if any.
func (s Settings) PeerEndpoint() string {
	wg, ok := s[settingWireGuard]
	if !ok {
		return ""
	}
	raw, ok := wg["peers"]
	if !ok {
		return ""
	}
	peers, err := peerMaps(raw)
	if err != nil || len(peers) == 0 {
		return ""
	}
	if v, ok := peers[0]["endpoint"]; ok {
		if ep, ok := v.Value().(string); ok {
			return ep
		}
	}
	return ""
}

// UUID returns the connection.uuid, if present.
func (s Settings) UUID() string {
	conn, ok := s[settingConnection]
	if !ok {
		return ""
	}
	if v, ok := conn["uuid"]; ok {
		if u, ok := v.Value().(string); ok {
			return u
		}
	}
	return ""
}

// peerMaps normalizes the variant shapes the bus may deliver for the peers
// array into mutable maps.
func peerMaps(v dbus.Variant) ([]map[string]dbus.Variant, error) {
	switch val := v.Value().(type) {
	case []map[string]dbus.Variant:
		return val, nil
	case []interface{}:
		out := make([]map[string]dbus.Variant, 0, len(val))
		for _, e := range val {
			m, ok := e.(map[string]dbus.Variant)
			if !ok {
				return nil, fmt.Errorf("unexpected peer entry type %T", e)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected peers type %T", val)
	}
}
