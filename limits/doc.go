// Package limits provides centralized size constants and validation functions
// for the peer connection layer.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1400 bytes): the largest frame on any connection, chosen so
//     that a datagram connection never relies on IP fragmentation.
//
//   - MaxForwardPayload: what remains of MaxPacketSize once a forward request
//     header with a full target list is accounted for. Payloads that might be
//     relayed by the host must respect this limit.
//
//   - MaxReasonLength and MaxNameLength bound the free text carried by close
//     notices and peer descriptors.
//
// # Validation Functions
//
//	if err := limits.ValidateForwardPayload(payload); err != nil {
//	    return err
//	}
//
// All functions return errors wrapping ErrEmpty or ErrTooLarge so callers can
// use errors.Is.
package limits
