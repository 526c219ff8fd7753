package transport

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("udp://192.0.2.10:11113")
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, a.Protocol)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.10:11113"), a.Endpoint)
	assert.Equal(t, "udp://192.0.2.10:11113", a.String())

	a, err = ParseAddress("tcp://[2001:4860::8888]:11112")
	require.NoError(t, err)
	assert.True(t, a.IsIPv6())

	_, err = ParseAddress("sctp://1.2.3.4:5")
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = ParseAddress("1.2.3.4:5")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseAddress("udp://not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddress_Equality(t *testing.T) {
	a := NewAddress(netip.MustParseAddrPort("10.0.0.1:5000"), ProtocolUDP)
	b := NewAddress(netip.MustParseAddrPort("10.0.0.1:5000"), ProtocolUDP)
	c := NewAddress(netip.MustParseAddrPort("10.0.0.1:5000"), ProtocolTCP)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAddress_IPNull(t *testing.T) {
	null := NewAddress(netip.MustParseAddrPort("0.0.0.0:5000"), ProtocolUDP)
	assert.True(t, null.IsIPNull())
	assert.True(t, null.IsNullHost())

	missing := NewAddress(netip.AddrPortFrom(netip.Addr{}, 5000), ProtocolUDP)
	assert.True(t, missing.IsIPNull())

	real := null.WithIP(netip.MustParseAddr("198.51.100.7"))
	assert.False(t, real.IsIPNull())
	assert.Equal(t, uint16(5000), real.Port())
	// The null form never matches the concrete form of the same endpoint.
	assert.NotEqual(t, null, real)

	noPort := real.WithPort(0)
	assert.False(t, noPort.IsIPNull())
	assert.True(t, noPort.IsNullHost())
}

func TestAddress_Classification(t *testing.T) {
	testCases := []struct {
		addr    string
		global  bool
		private bool
		local   bool
	}{
		{"8.8.8.8:1", true, false, false},
		{"10.1.2.3:1", false, true, false},
		{"192.168.1.1:1", false, true, false},
		{"100.64.0.1:1", false, true, false},
		{"127.0.0.1:1", false, true, true},
		{"[2001:4860:4860::8888]:1", true, false, false},
		{"[fd00::1]:1", false, true, false},
		{"[fe80::1]:1", false, true, true},
		{"[2001:db8::1]:1", false, true, false},
		{"[::1]:1", false, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			a := NewAddress(netip.MustParseAddrPort(tc.addr), ProtocolTCP)
			assert.Equal(t, tc.global, a.IsGlobal(), "IsGlobal")
			assert.Equal(t, tc.private, a.IsPrivate(), "IsPrivate")
			assert.Equal(t, tc.local, a.IsLocal(), "IsLocal")
		})
	}
}

func TestAddress_Zone(t *testing.T) {
	a := NewAddress(netip.MustParseAddrPort("[fe80::1]:5000"), ProtocolUDP)
	z := a.WithZone("eth0")
	assert.Equal(t, "eth0", z.Zone())
	assert.Equal(t, "", a.Zone())

	v4 := NewAddress(netip.MustParseAddrPort("10.0.0.1:5000"), ProtocolUDP)
	assert.Equal(t, v4, v4.WithZone("eth0"))
}

func TestInterfaceUnicast(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPAddr{IP: net.ParseIP("10.0.0.1")},
	}

	got := interfaceUnicast("eth0", addrs)
	require.Len(t, got, 2)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), got[0])
	assert.Equal(t, "eth0", got[1].Zone())
}
