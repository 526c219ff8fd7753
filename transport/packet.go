package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a packet.
type PacketType byte

const (
	// Connection management
	PacketHello PacketType = iota + 1
	PacketHelloAck
	PacketPing
	PacketPong
	PacketCloseNotice

	// Peer connection layer control
	PacketAddr
	PacketSimOpen
	PacketForward
	PacketForwarded

	// PacketApplication carries payloads owned by higher layers.
	PacketApplication PacketType = 0x80
)

var (
	// ErrPacketTooShort is returned when a buffer is shorter than its header claims.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrUnknownPacket is returned for a packet type this layer does not decode.
	ErrUnknownPacket = errors.New("unknown packet type")
	// ErrPacketTooLarge is returned when a packet exceeds the frame limit.
	ErrPacketTooLarge = errors.New("packet too large")
)

// String returns the packet type name used in logs.
func (t PacketType) String() string {
	switch t {
	case PacketHello:
		return "hello"
	case PacketHelloAck:
		return "hello-ack"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketCloseNotice:
		return "close"
	case PacketAddr:
		return "addr"
	case PacketSimOpen:
		return "simopen"
	case PacketForward:
		return "forward"
	case PacketForwarded:
		return "forwarded"
	case PacketApplication:
		return "application"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// Packet is the envelope sent over every connection.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
