package mesh

import (
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// PeerInfo is the directory entry the Mesh Transport keeps for every
// peer it has heard an Announce from (spec.md §4.5, SPEC_FULL.md §12).
type PeerInfo struct {
	ID          protocol.PeerID
	Nickname    string
	Fingerprint protocol.Fingerprint
	LinkID      string
	LastSeen    time.Time
	ViaRelay    bool
}

// PeerTable tracks peers discovered over BLE and peers only reachable
// through a relay, and derives the "reachable" predicate the router and
// message sender use to pick a transport (spec.md §4.6).
type PeerTable struct {
	mu                sync.RWMutex
	clk               clock.Clock
	inactivityTimeout time.Duration
	peers             map[protocol.PeerID]*PeerInfo
	bus               *events.Bus
}

// NewPeerTable builds an empty directory.
func NewPeerTable(clk clock.Clock, inactivityTimeout time.Duration, bus *events.Bus) *PeerTable {
	return &PeerTable{
		clk:               clk,
		inactivityTimeout: inactivityTimeout,
		peers:             make(map[protocol.PeerID]*PeerInfo),
		bus:               bus,
	}
}

// Observe records or refreshes a peer seen on a BLE link.
func (t *PeerTable) Observe(id protocol.PeerID, nickname string, fp protocol.Fingerprint, linkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if p, ok := t.peers[id]; ok {
		p.Nickname = nickname
		p.Fingerprint = fp
		p.LinkID = linkID
		p.LastSeen = now
		p.ViaRelay = false
		return
	}
	t.peers[id] = &PeerInfo{
		ID:          id,
		Nickname:    nickname,
		Fingerprint: fp,
		LinkID:      linkID,
		LastSeen:    now,
	}
}

// ObserveViaRelay records a peer known only through the relay, e.g. from
// a received event whose pubkey maps to a known fingerprint.
func (t *PeerTable) ObserveViaRelay(id protocol.PeerID, fp protocol.Fingerprint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = now
		return
	}
	t.peers[id] = &PeerInfo{
		ID:          id,
		Fingerprint: fp,
		LastSeen:    now,
		ViaRelay:    true,
	}
}

// Lookup returns the known directory entry for id, if any.
func (t *PeerTable) Lookup(id protocol.PeerID) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// IsConnected reports whether id was heard directly over a BLE link
// within the inactivity timeout.
func (t *PeerTable) IsConnected(id protocol.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok || p.ViaRelay {
		return false
	}
	return t.clk.Now().Sub(p.LastSeen) < t.inactivityTimeout
}

// IsReachable reports whether id is connected directly, or has been seen
// recently enough (by any transport, including relay) to be worth a
// send attempt (spec.md §4.6: "reachable = connected or recently seen
// via relay").
func (t *PeerTable) IsReachable(id protocol.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	return t.clk.Now().Sub(p.LastSeen) < t.inactivityTimeout
}

// Snapshot returns a copy of every currently tracked peer.
func (t *PeerTable) Snapshot() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// Prune drops peers not seen within the inactivity timeout, returning
// the dropped peer IDs so callers can tear down per-peer Noise sessions.
func (t *PeerTable) Prune() []protocol.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	var dropped []protocol.PeerID
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) >= t.inactivityTimeout {
			dropped = append(dropped, id)
			delete(t.peers, id)
		}
	}
	if t.bus != nil {
		for _, id := range dropped {
			t.bus.Publish(events.KindSessionLost, events.SessionLost{
				PeerID: id.String(),
				Reason: bcerr.New(bcerr.KindUnreachable, "peer inactive"),
			})
		}
	}
	return dropped
}

// Count reports how many peers are tracked, for tests and cover-traffic
// sizing decisions.
func (t *PeerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Clear drops every tracked peer, e.g. on an emergency disconnect.
func (t *PeerTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[protocol.PeerID]*PeerInfo)
}
