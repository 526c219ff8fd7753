package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

var (
	// ErrUnknownProtocol is returned when a protocol name or byte is not recognised.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")
)

// Address is a network endpoint tagged with the protocol used to reach it.
// Two addresses are equal when endpoint and protocol are equal.
//
// An address whose IP is unspecified (0.0.0.0, ::) or missing is "IP null":
// a peer that does not know its externally visible address announces itself
// that way. Such an address never equals a concrete one, so a registry can
// end up holding both the null form and the real form of the same endpoint.
type Address struct {
	Endpoint netip.AddrPort
	Protocol Protocol
}

// NewAddress builds an Address from an endpoint and protocol.
func NewAddress(endpoint netip.AddrPort, protocol Protocol) Address {
	return Address{Endpoint: endpoint, Protocol: protocol}
}

// ParseAddress parses "udp://1.2.3.4:5000" or "tcp://[2001:db8::1]:5001".
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Address{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidAddress, s)
	}
	proto, err := ParseProtocol(scheme)
	if err != nil {
		return Address{}, err
	}
	ap, err := netip.ParseAddrPort(rest)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return Address{Endpoint: ap, Protocol: proto}, nil
}

// String returns the address in ParseAddress form.
func (a Address) String() string {
	return fmt.Sprintf("%s://%s", a.Protocol, a.Endpoint)
}

// IP returns the endpoint IP.
func (a Address) IP() netip.Addr {
	return a.Endpoint.Addr()
}

// Port returns the endpoint port.
func (a Address) Port() uint16 {
	return a.Endpoint.Port()
}

// IsIPNull reports whether the IP is missing or unspecified.
func (a Address) IsIPNull() bool {
	ip := a.Endpoint.Addr()
	return !ip.IsValid() || ip.IsUnspecified()
}

// IsNullHost reports whether the address cannot be dialled at all.
func (a Address) IsNullHost() bool {
	return a.IsIPNull() || a.Endpoint.Port() == 0
}

// WithIP returns a copy with the IP replaced, keeping port and protocol.
func (a Address) WithIP(ip netip.Addr) Address {
	return Address{Endpoint: netip.AddrPortFrom(ip, a.Endpoint.Port()), Protocol: a.Protocol}
}

// WithPort returns a copy with the port replaced.
func (a Address) WithPort(port uint16) Address {
	return Address{Endpoint: netip.AddrPortFrom(a.Endpoint.Addr(), port), Protocol: a.Protocol}
}

// WithZone returns a copy whose IPv6 zone is set to zone.
func (a Address) WithZone(zone string) Address {
	ip := a.Endpoint.Addr()
	if !ip.Is6() {
		return a
	}
	return a.WithIP(ip.WithZone(zone))
}

// Zone returns the IPv6 zone of the endpoint, or "".
func (a Address) Zone() string {
	return a.Endpoint.Addr().Zone()
}

// IsIPv6 reports whether the endpoint is a native IPv6 address.
func (a Address) IsIPv6() bool {
	ip := a.Endpoint.Addr()
	return ip.Is6() && !ip.Is4In6()
}

// IsLocal reports whether the endpoint is loopback or link-local.
func (a Address) IsLocal() bool {
	ip := a.Endpoint.Addr()
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// IsPrivate reports whether the endpoint falls in a private, shared or
// otherwise non-global range.
func (a Address) IsPrivate() bool {
	ip := a.Endpoint.Addr().WithZone("")
	if !ip.IsValid() {
		return true
	}
	return nonGlobal.Contains(ip.Unmap())
}

// IsGlobal reports whether the endpoint is a globally routable unicast address.
func (a Address) IsGlobal() bool {
	ip := a.Endpoint.Addr()
	return ip.IsValid() && ip.IsGlobalUnicast() && !a.IsLocal() && !a.IsPrivate()
}

// nonGlobal holds the special-purpose ranges that are never reachable across
// the Internet.
var nonGlobal = func() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
		"::/128",
		"::1/128",
		"64:ff9b:1::/48",
		"100::/64",
		"2001:db8::/32",
		"fc00::/7",
		"fe80::/10",
	} {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}()
