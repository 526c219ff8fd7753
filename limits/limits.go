// Package limits provides centralized size limits for the peer connection layer.
// This ensures consistent validation between the wire codec and the roster.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest serialized packet (type byte included)
	// accepted on any connection. It fits a single UDP datagram on common paths.
	MaxPacketSize = 1400

	// MaxForwardTargets bounds the id list of a forward request.
	MaxForwardTargets = 64

	// ForwardOverhead is the forward request header for MaxForwardTargets ids:
	// broadcast flag (1) + count (2) + ids (4 each) + packet type (1).
	ForwardOverhead = 1 + 2 + 4*MaxForwardTargets + 1

	// MaxForwardPayload is the largest payload that can still be wrapped in a
	// forward request with a full target list.
	MaxForwardPayload = MaxPacketSize - ForwardOverhead

	// MaxReasonLength bounds the reason text of a close notice.
	MaxReasonLength = 256

	// MaxNameLength bounds a peer's display name.
	MaxNameLength = 128
)

var (
	// ErrEmpty indicates an empty payload was provided
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge indicates a payload exceeds its maximum size
	ErrTooLarge = errors.New("payload too large")
)

// ValidateSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(payload), maxSize)
	}
	return nil
}

// ValidateForwardPayload validates a payload that may have to be relayed by the host.
func ValidateForwardPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmpty
	}
	if len(payload) > MaxForwardPayload {
		return fmt.Errorf("%w: forward payload %d exceeds limit %d", ErrTooLarge, len(payload), MaxForwardPayload)
	}
	return nil
}

// ValidateFrame validates a serialized packet read from or written to a connection.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrEmpty
	}
	if len(frame) > MaxPacketSize {
		return fmt.Errorf("%w: frame %d exceeds limit %d", ErrTooLarge, len(frame), MaxPacketSize)
	}
	return nil
}

// ValidateName validates a peer display name.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name %d bytes exceeds limit %d", ErrTooLarge, len(name), MaxNameLength)
	}
	return nil
}
