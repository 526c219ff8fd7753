package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// STUN protocol constants as defined in RFC 5389
const (
	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20

	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunBindingError    = 0x0111

	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020
)

// ErrSTUN wraps every failed endpoint query.
var ErrSTUN = errors.New("stun query failed")

type stunTxID [12]byte

// stunTable tracks binding requests sent from the shared UDP socket.
type stunTable struct {
	mu      sync.Mutex
	pending map[stunTxID]chan netip.AddrPort
}

func (t *stunTable) add(id stunTxID) chan netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[stunTxID]chan netip.AddrPort)
	}
	ch := make(chan netip.AddrPort, 1)
	t.pending[id] = ch
	return ch
}

func (t *stunTable) remove(id stunTxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *stunTable) resolve(id stunTxID, ep netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	ch <- ep
	return true
}

// QueryEndpoint asks a STUN server for the externally visible endpoint of
// the UDP listen socket. The request leaves from that very socket, so the
// answer is the mapping other peers will see.
func (n *NetIO) QueryEndpoint(ctx context.Context, server string) (netip.AddrPort, error) {
	if n.udp == nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrProtocolUnavailable, ProtocolUDP)
	}
	target, err := resolveUDP(ctx, server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrSTUN, err)
	}

	var id stunTxID
	if _, err := rand.Read(id[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to generate transaction ID: %w", err)
	}
	ch := n.stun.add(id)
	defer n.stun.remove(id)

	if _, err := n.udp.WriteTo(buildBindingRequest(id), net.UDPAddrFromAddrPort(target)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: failed to send request to %s: %v", ErrSTUN, server, err)
	}

	timer := n.cfg.TimeProvider.NewTimer(n.cfg.DialTimeout)
	defer timer.Stop()

	select {
	case ep := <-ch:
		logrus.WithFields(logrus.Fields{
			"function": "QueryEndpoint",
			"server":   server,
			"endpoint": ep,
		}).Info("Discovered external endpoint")
		return ep, nil
	case <-timer.C:
		return netip.AddrPort{}, fmt.Errorf("%w: %s did not answer", ErrSTUN, server)
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	case <-n.ctx.Done():
		return netip.AddrPort{}, ErrClosed
	}
}

// DiscoverEndpoint tries each server in turn and returns the first answer.
func (n *NetIO) DiscoverEndpoint(ctx context.Context, servers []string) (netip.AddrPort, error) {
	lastErr := fmt.Errorf("%w: no servers configured", ErrSTUN)
	for _, server := range servers {
		ep, err := n.QueryEndpoint(ctx, server)
		if err == nil {
			return ep, nil
		}
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverEndpoint",
			"server":   server,
			"error":    err,
		}).Debug("STUN server failed")
		lastErr = err
	}
	return netip.AddrPort{}, lastErr
}

// handleSTUN consumes a datagram if it is a binding response to one of our
// requests.
func (n *NetIO) handleSTUN(data []byte) bool {
	if !isSTUNMessage(data) {
		return false
	}
	switch binary.BigEndian.Uint16(data[0:2]) {
	case stunBindingResponse, stunBindingError:
	default:
		return false
	}
	id, ep, err := parseBindingResponse(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSTUN",
			"error":    err,
		}).Debug("Ignoring STUN message")
		return true
	}
	n.stun.resolve(id, normalizeAddrPort(ep))
	return true
}

func resolveUDP(ctx context.Context, server string) (netip.AddrPort, error) {
	host, portText, err := net.SplitHostPort(server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q", portText)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no address for %s", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

// isSTUNMessage reports whether data carries the STUN magic cookie. None of
// the packets of this layer is long enough to be mistaken for one.
func isSTUNMessage(data []byte) bool {
	return len(data) >= stunHeaderSize &&
		data[0]&0xC0 == 0 &&
		binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie
}

func buildBindingRequest(id stunTxID) []byte {
	packet := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(packet[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(packet[2:4], 0)
	binary.BigEndian.PutUint32(packet[4:8], stunMagicCookie)
	copy(packet[8:20], id[:])
	return packet
}

// parseBindingResponse extracts the transaction ID and mapped address.
func parseBindingResponse(data []byte) (stunTxID, netip.AddrPort, error) {
	var id stunTxID
	if len(data) < stunHeaderSize {
		return id, netip.AddrPort{}, errors.New("STUN response too short")
	}
	switch binary.BigEndian.Uint16(data[0:2]) {
	case stunBindingResponse:
	case stunBindingError:
		return id, netip.AddrPort{}, errors.New("STUN server returned error response")
	default:
		return id, netip.AddrPort{}, errors.New("not a binding response")
	}
	copy(id[:], data[8:20])

	end := stunHeaderSize + int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < end {
		return id, netip.AddrPort{}, errors.New("STUN response truncated")
	}
	attrs := data[stunHeaderSize:end]

	for offset := 0; offset+4 <= len(attrs); {
		attrType := binary.BigEndian.Uint16(attrs[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(attrs[offset+2 : offset+4]))
		offset += 4
		if offset+attrLen > len(attrs) {
			break
		}
		value := attrs[offset : offset+attrLen]

		switch attrType {
		case stunAttrXorMappedAddress:
			ep, err := parseMappedAddress(value, id, true)
			return id, ep, err
		case stunAttrMappedAddress:
			ep, err := parseMappedAddress(value, id, false)
			return id, ep, err
		}

		offset += attrLen
		if offset%4 != 0 {
			offset += 4 - offset%4
		}
	}
	return id, netip.AddrPort{}, errors.New("no mapped address found in STUN response")
}

// parseMappedAddress decodes a (XOR-)MAPPED-ADDRESS attribute value.
func parseMappedAddress(value []byte, id stunTxID, xor bool) (netip.AddrPort, error) {
	if len(value) < 8 {
		return netip.AddrPort{}, errors.New("mapped address too short")
	}
	family := binary.BigEndian.Uint16(value[0:2])
	port := binary.BigEndian.Uint16(value[2:4])

	var key [16]byte
	if xor {
		port ^= uint16(stunMagicCookie >> 16)
		binary.BigEndian.PutUint32(key[0:4], stunMagicCookie)
		copy(key[4:], id[:])
	}

	switch family {
	case 0x01:
		var ip [4]byte
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil
	case 0x02:
		if len(value) < 20 {
			return netip.AddrPort{}, errors.New("IPv6 mapped address too short")
		}
		var ip [16]byte
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("unsupported address family: %d", family)
}
