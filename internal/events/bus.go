// Package events implements the typed event bus design note (spec.md
// §9): cross-component notifications that the teacher expressed through
// a global notification-center singleton are instead explicit events
// delivered to subscribers the host application registers.
package events

import "sync"

// Kind identifies the event payload shape published on the bus.
type Kind string

const (
	// KindFavoriteStatusChanged fires when a fingerprint's favorite or
	// blocked status changes. Payload: FavoriteStatusChanged.
	KindFavoriteStatusChanged Kind = "favorite_status_changed"
	// KindSessionLost fires when a Noise session transitions to Dead.
	// Payload: SessionLost.
	KindSessionLost Kind = "session_lost"
	// KindSessionEstablished fires when a Noise session reaches
	// Established, from either the initiator or responder side. Payload:
	// SessionEstablished.
	KindSessionEstablished Kind = "session_established"
	// KindPendingFileAdded fires when a file enters the pending queue.
	// Payload: PendingFileAdded.
	KindPendingFileAdded Kind = "pending_file_added"
	// KindPendingFileRemoved fires when a pending file is removed by
	// accept, decline, eviction, or expiration. Payload:
	// PendingFileRemoved.
	KindPendingFileRemoved Kind = "pending_file_removed"
)

// FavoriteStatusChanged is published by the Identity & Favorites store.
type FavoriteStatusChanged struct {
	Fingerprint string
	IsFavorite  bool
	IsBlocked   bool
}

// SessionLost is published when a Noise session dies.
type SessionLost struct {
	PeerID string
	Reason error
}

// SessionEstablished is published when a Noise session with PeerID
// reaches the Established state, so queued sends can be flushed.
type SessionEstablished struct {
	PeerID string
}

// PendingFileAdded is published by the Pending File Manager.
type PendingFileAdded struct {
	ID string
}

// PendingFileRemoved is published by the Pending File Manager.
type PendingFileRemoved struct {
	ID     string
	Reason string // "accepted", "declined", "expired", "evicted"
}

// Handler receives one event payload of the Kind it was registered for.
type Handler func(payload interface{})

// Bus is a minimal typed pub/sub used to break the cyclic references
// between router, transports, and pipeline described in spec.md §9: each
// component only holds the narrow interface it consumes plus a Bus to
// emit on, never a pointer back to its subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h to be called for every event published under
// kind. Handlers run synchronously on the publisher's goroutine in
// registration order; handlers that need to avoid blocking the mesh
// loop should hand off to their own goroutine.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish delivers payload to every handler subscribed to kind.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[kind]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
}
