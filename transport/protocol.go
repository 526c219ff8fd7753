package transport

import "fmt"

// Protocol identifies the transport protocol an address or connection uses.
type Protocol uint8

const (
	// ProtocolNone is the zero value and never matches a real connection.
	ProtocolNone Protocol = iota
	// ProtocolUDP is the datagram protocol.
	ProtocolUDP
	// ProtocolTCP is the stream protocol.
	ProtocolTCP
)

// String returns a human-readable representation of the Protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolNone:
		return "none"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// IsStream reports whether the protocol is connection oriented.
func (p Protocol) IsStream() bool {
	return p == ProtocolTCP
}

// Valid reports whether p names a supported protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolUDP || p == ProtocolTCP
}

// ParseProtocol converts "udp" or "tcp" into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "udp":
		return ProtocolUDP, nil
	case "tcp":
		return ProtocolTCP, nil
	default:
		return ProtocolNone, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}
