package roster

import "github.com/opd-ai/lobbynet/peer"

// ResetReady marks every waited-for peer not ready.
func (r *Roster) ResetReady() {
	for _, p := range r.peers {
		if p.WaitedFor {
			p.SetStatus(peer.StatusNotReady)
		}
	}
}

// AllReady reports whether every remote waited-for peer is ready.
func (r *Roster) AllReady() bool {
	for _, p := range r.peers {
		if !p.IsLocal && p.WaitedFor && !p.IsReady() {
			return false
		}
	}
	return true
}

// UpdateActivity stamps frame as last activity on every activated peer for
// which active reports true.
func (r *Roster) UpdateActivity(frame int64, active func(id int32) bool) {
	for _, p := range r.peers {
		if p.Activated && (active == nil || active(p.ID)) {
			p.SetLastActivity(frame)
		}
	}
}
