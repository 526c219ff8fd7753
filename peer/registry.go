package peer

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/transport"
)

// AddResult reports what Registry.Add did.
type AddResult uint8

const (
	// AddResultAdded means the address was stored with zero attempts.
	AddResultAdded AddResult = iota
	// AddResultDuplicate means the address was already known; nothing changed.
	AddResultDuplicate
	// AddResultFull means the registry is at capacity and the address was dropped.
	AddResultFull
)

// String returns the result name used in logs.
func (r AddResult) String() string {
	switch r {
	case AddResultAdded:
		return "added"
	case AddResultDuplicate:
		return "duplicate"
	case AddResultFull:
		return "full"
	default:
		return "unknown"
	}
}

// Entry is one known address of a peer.
type Entry struct {
	Address  transport.Address
	Attempts int
}

// Registry is the bounded, insertion-ordered set of addresses known for one
// peer. Two entries never share endpoint and protocol.
type Registry struct {
	entries  []Entry
	capacity int
}

// NewRegistry creates an empty registry holding at most capacity addresses.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Add stores addr with zero attempts. A null IP is compared as-is: a peer
// that only knows itself as the unspecified address keeps that entry next to
// any concrete address announced later.
func (r *Registry) Add(addr transport.Address) AddResult {
	if r.Has(addr) {
		return AddResultDuplicate
	}
	if len(r.entries) >= r.capacity {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Add",
			"address":  addr,
			"capacity": r.capacity,
		}).Debug("Address registry full, dropping address")
		return AddResultFull
	}
	r.entries = append(r.entries, Entry{Address: addr})
	return AddResultAdded
}

// Has reports whether an entry with the same endpoint and protocol exists.
func (r *Registry) Has(addr transport.Address) bool {
	for _, e := range r.entries {
		if e.Address == addr {
			return true
		}
	}
	return false
}

// BestCandidate picks the address to dial next. Entries with a null host, a
// protocol already served by one of covered, or a protocol the local IO
// lacks are skipped. Among the rest the fewest attempts wins, then the
// earliest registration. No candidate is returned once the winner has used
// up maxAttempts.
func (r *Registry) BestCandidate(available func(transport.Protocol) bool, covered []transport.Protocol, maxAttempts int) (int, bool) {
	best := -1
	for i, e := range r.entries {
		if e.Address.IsNullHost() {
			continue
		}
		if containsProtocol(covered, e.Address.Protocol) {
			continue
		}
		if available != nil && !available(e.Address.Protocol) {
			continue
		}
		if best < 0 || e.Attempts < r.entries[best].Attempts {
			best = i
		}
	}
	if best < 0 || r.entries[best].Attempts >= maxAttempts {
		return -1, false
	}
	return best, true
}

// RecordAttempt increments the attempt counter of entry i and returns the new count.
func (r *Registry) RecordAttempt(i int) int {
	r.entries[i].Attempts++
	return r.entries[i].Attempts
}

// Len returns the number of stored addresses.
func (r *Registry) Len() int { return len(r.entries) }

// Cap returns the registry capacity.
func (r *Registry) Cap() int { return r.capacity }

// At returns entry i.
func (r *Registry) At(i int) Entry { return r.entries[i] }

// All returns a copy of the entries in registration order.
func (r *Registry) All() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func containsProtocol(list []transport.Protocol, p transport.Protocol) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}
