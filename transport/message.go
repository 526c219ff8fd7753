package transport

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/opd-ai/lobbynet/limits"
)

// UnknownClientID is the client id carried when the sender did not set one.
const UnknownClientID int32 = -1

// Message is a decoded packet payload. The set of implementations is closed:
// Decode returns one of the types in this file.
type Message interface {
	Type() PacketType
	appendPayload(b []byte) []byte
}

// Hello opens a connection and names the dialling peer.
type Hello struct {
	ClientID int32
}

// HelloAck confirms a Hello and names the accepting peer.
type HelloAck struct {
	ClientID int32
}

// Ping measures round-trip time. Stamp is echoed back in Pong.
type Ping struct {
	Stamp int64
}

// Pong answers a Ping.
type Pong struct {
	Stamp int64
}

// CloseNotice is sent on a connection right before it is closed.
type CloseNotice struct {
	Requested bool
	Reason    string
}

// AddrAnnouncement tells the receiver about one address of a peer.
type AddrAnnouncement struct {
	ClientID int32
	Addr     Address
}

// SimOpenRequest carries the stream endpoint a peer bound for simultaneous open.
type SimOpenRequest struct {
	ClientID int32
	Addr     Address
}

// ForwardRequest asks the host to relay Payload to TargetIDs.
type ForwardRequest struct {
	IsBroadcast bool
	TargetIDs   []int32
	Payload     []byte
}

// Forwarded is a payload the host relays on behalf of From.
type Forwarded struct {
	From        int32
	IsBroadcast bool
	Payload     []byte
}

// Application carries an opaque payload for higher layers.
type Application struct {
	Payload []byte
}

func (*Hello) Type() PacketType            { return PacketHello }
func (*HelloAck) Type() PacketType         { return PacketHelloAck }
func (*Ping) Type() PacketType             { return PacketPing }
func (*Pong) Type() PacketType             { return PacketPong }
func (*CloseNotice) Type() PacketType      { return PacketCloseNotice }
func (*AddrAnnouncement) Type() PacketType { return PacketAddr }
func (*SimOpenRequest) Type() PacketType   { return PacketSimOpen }
func (*ForwardRequest) Type() PacketType   { return PacketForward }
func (*Forwarded) Type() PacketType        { return PacketForwarded }
func (*Application) Type() PacketType      { return PacketApplication }

func (m *Hello) appendPayload(b []byte) []byte    { return binary.BigEndian.AppendUint32(b, uint32(m.ClientID)) }
func (m *HelloAck) appendPayload(b []byte) []byte { return binary.BigEndian.AppendUint32(b, uint32(m.ClientID)) }
func (m *Ping) appendPayload(b []byte) []byte     { return binary.BigEndian.AppendUint64(b, uint64(m.Stamp)) }
func (m *Pong) appendPayload(b []byte) []byte     { return binary.BigEndian.AppendUint64(b, uint64(m.Stamp)) }

func (m *CloseNotice) appendPayload(b []byte) []byte {
	b = appendBool(b, m.Requested)
	return appendString(b, m.Reason)
}

func (m *AddrAnnouncement) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(m.ClientID))
	return appendAddress(b, m.Addr)
}

func (m *SimOpenRequest) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(m.ClientID))
	return appendAddress(b, m.Addr)
}

func (m *ForwardRequest) appendPayload(b []byte) []byte {
	b = appendBool(b, m.IsBroadcast)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.TargetIDs)))
	for _, id := range m.TargetIDs {
		b = binary.BigEndian.AppendUint32(b, uint32(id))
	}
	return append(b, m.Payload...)
}

func (m *Forwarded) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(m.From))
	b = appendBool(b, m.IsBroadcast)
	return append(b, m.Payload...)
}

func (m *Application) appendPayload(b []byte) []byte {
	return append(b, m.Payload...)
}

// Encode wraps a message into a packet.
func Encode(m Message) (*Packet, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownPacket)
	}
	data := m.appendPayload(make([]byte, 0, 32))
	if len(data)+1 > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: %s payload %d bytes", ErrPacketTooLarge, m.Type(), len(data))
	}
	return &Packet{PacketType: m.Type(), Data: data}, nil
}

// MustEncode is Encode for messages whose size is known to be within limits.
func MustEncode(m Message) *Packet {
	p, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode parses the payload of p into its message type. Malformed payloads
// return an error and no message.
func Decode(p *Packet) (Message, error) {
	if p == nil {
		return nil, ErrPacketTooShort
	}
	r := reader{buf: p.Data}
	var m Message
	switch p.PacketType {
	case PacketHello:
		m = &Hello{ClientID: r.int32()}
	case PacketHelloAck:
		m = &HelloAck{ClientID: r.int32()}
	case PacketPing:
		m = &Ping{Stamp: int64(r.uint64())}
	case PacketPong:
		m = &Pong{Stamp: int64(r.uint64())}
	case PacketCloseNotice:
		m = &CloseNotice{Requested: r.bool(), Reason: r.string()}
	case PacketAddr:
		m = &AddrAnnouncement{ClientID: r.int32(), Addr: r.address()}
	case PacketSimOpen:
		m = &SimOpenRequest{ClientID: r.int32(), Addr: r.address()}
	case PacketForward:
		fwd := &ForwardRequest{IsBroadcast: r.bool()}
		n := int(r.uint16())
		if n > limits.MaxForwardTargets {
			return nil, fmt.Errorf("%w: %d forward targets", ErrPacketTooLarge, n)
		}
		for i := 0; i < n && r.err == nil; i++ {
			fwd.TargetIDs = append(fwd.TargetIDs, r.int32())
		}
		fwd.Payload = r.rest()
		m = fwd
	case PacketForwarded:
		m = &Forwarded{From: r.int32(), IsBroadcast: r.bool(), Payload: r.rest()}
	case PacketApplication:
		m = &Application{Payload: r.rest()}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, p.PacketType)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.PacketType, r.err)
	}
	return m, nil
}

const (
	familyNone byte = 0
	familyIPv4 byte = 4
	familyIPv6 byte = 6
)

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendString(b []byte, s string) []byte {
	if len(s) > limits.MaxReasonLength {
		s = s[:limits.MaxReasonLength]
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// appendAddress writes [protocol][family][ip 0/4/16][port 2]. Zones are
// interface-local and never leave the host.
func appendAddress(b []byte, a Address) []byte {
	b = append(b, byte(a.Protocol))
	ip := a.Endpoint.Addr()
	switch {
	case !ip.IsValid():
		b = append(b, familyNone)
	case ip.Is4():
		b = append(b, familyIPv4)
		v4 := ip.As4()
		b = append(b, v4[:]...)
	default:
		b = append(b, familyIPv6)
		v6 := ip.As16()
		b = append(b, v6[:]...)
	}
	return binary.BigEndian.AppendUint16(b, a.Endpoint.Port())
}

// reader decodes fields and remembers the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrPacketTooShort
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) int32() int32 {
	if b := r.take(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return UnknownClientID
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bool() bool {
	if b := r.take(1); b != nil {
		return b[0] != 0
	}
	return false
}

func (r *reader) string() string {
	n := int(r.uint16())
	if b := r.take(n); b != nil {
		return string(b)
	}
	return ""
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = nil
	return out
}

func (r *reader) address() Address {
	head := r.take(2)
	if head == nil {
		return Address{}
	}
	proto := Protocol(head[0])
	if !proto.Valid() {
		r.err = fmt.Errorf("%w: %d", ErrUnknownProtocol, head[0])
		return Address{}
	}
	var ip netip.Addr
	switch head[1] {
	case familyNone:
	case familyIPv4:
		if b := r.take(4); b != nil {
			ip = netip.AddrFrom4([4]byte(b))
		}
	case familyIPv6:
		if b := r.take(16); b != nil {
			ip = netip.AddrFrom16([16]byte(b))
		}
	default:
		r.err = fmt.Errorf("%w: address family %d", ErrInvalidAddress, head[1])
		return Address{}
	}
	port := r.uint16()
	return Address{Endpoint: netip.AddrPortFrom(ip, port), Protocol: proto}
}
