// Package router implements the Message Router (spec.md §4.8): for each
// outbound private-message operation it picks the first reachable
// transport from an ordered list (mesh, then relay, ...), falling back
// to a per-peer outbox when no transport can currently reach the
// recipient.
package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// Transport is the narrow interface the Message Router needs from each
// underlying transport (Mesh, Relay, ...), generalizing the teacher's
// RetryService.sendPacketFunc callback into a trait object (spec.md §9
// design note).
type Transport interface {
	Name() string
	IsPeerReachable(peer protocol.PeerID) bool
	SendPrivateMessage(peer protocol.PeerID, msg *protocol.ApplicationMessage) error
	SendReadReceipt(peer protocol.PeerID, rr protocol.ReadReceipt) error
	SendDeliveryAck(peer protocol.PeerID, ack protocol.DeliveryAck) error
}

// DefaultOutboxTTL bounds how long a queued private message waits for a
// reachable transport before it is dropped with a logged warning; no
// Unreachable event or error reaches the application (spec.md §4.6: "up to a per-message TTL (default 5 minutes)").
const DefaultOutboxTTL = 5 * time.Minute

// outboxItem is one private message waiting for a reachable transport,
// directly generalizing the teacher's service.RetryItem (packet,
// target, first-attempt timestamp, completion callback) from "retry
// sending" to "hold until routable".
type outboxItem struct {
	msg      *protocol.ApplicationMessage
	queuedAt time.Time
	deadline time.Time
}

// Router selects a transport per recipient and queues unreachable sends
// in a per-peer outbox (spec.md §4.8).
type Router struct {
	clk        clock.Clock
	bus        *events.Bus
	transports []Transport
	outboxTTL  time.Duration

	mu     sync.Mutex
	outbox map[protocol.PeerID][]*outboxItem
}

// New builds a Router trying transports in the given priority order
// (spec.md §4.8: "[mesh, relay, ...]").
func New(clk clock.Clock, bus *events.Bus, transports ...Transport) *Router {
	r := &Router{
		clk:        clk,
		bus:        bus,
		transports: transports,
		outboxTTL:  DefaultOutboxTTL,
		outbox:     make(map[protocol.PeerID][]*outboxItem),
	}
	if bus != nil {
		bus.Subscribe(events.KindFavoriteStatusChanged, r.onFavoriteStatusChanged)
		bus.Subscribe(events.KindSessionEstablished, r.onSessionEstablished)
	}
	return r
}

// SetOutboxTTL overrides the default 5-minute outbox deadline, for
// tests.
func (r *Router) SetOutboxTTL(d time.Duration) { r.outboxTTL = d }

func (r *Router) selectTransport(peer protocol.PeerID) Transport {
	for _, tr := range r.transports {
		if tr.IsPeerReachable(peer) {
			return tr
		}
	}
	return nil
}

// SendPrivateMessage dispatches msg to peer via the first reachable
// transport, or enqueues it in the outbox if none is currently
// reachable (spec.md §4.8).
func (r *Router) SendPrivateMessage(peer protocol.PeerID, msg *protocol.ApplicationMessage) error {
	if tr := r.selectTransport(peer); tr != nil {
		if err := tr.SendPrivateMessage(peer, msg); err == nil {
			return nil
		}
	}

	r.mu.Lock()
	now := r.clk.Now()
	r.outbox[peer] = append(r.outbox[peer], &outboxItem{
		msg:      msg,
		queuedAt: now,
		deadline: now.Add(r.outboxTTL),
	})
	r.mu.Unlock()
	return nil
}

// SendReadReceipt and SendDeliveryAck follow the same per-peer
// reachability selection as private messages but are not queued
// (spec.md §4.8: "best-effort").
func (r *Router) SendReadReceipt(peer protocol.PeerID, rr protocol.ReadReceipt) error {
	tr := r.selectTransport(peer)
	if tr == nil {
		return bcerr.New(bcerr.KindUnreachable, "no reachable transport for read receipt").WithField("peer", peer.String())
	}
	return tr.SendReadReceipt(peer, rr)
}

func (r *Router) SendDeliveryAck(peer protocol.PeerID, ack protocol.DeliveryAck) error {
	tr := r.selectTransport(peer)
	if tr == nil {
		return bcerr.New(bcerr.KindUnreachable, "no reachable transport for delivery ack").WithField("peer", peer.String())
	}
	return tr.SendDeliveryAck(peer, ack)
}

// onFavoriteStatusChanged reacts to a FavoriteStatusChanged event
// published by the Identity & Favorites store by flushing the outbox
// for peers that may now be reachable. The event payload only carries a
// fingerprint, not a PeerID, so every queued peer is given another
// chance; FlushOutbox itself is cheap when nothing is reachable.
func (r *Router) onFavoriteStatusChanged(payload interface{}) {
	if _, ok := payload.(events.FavoriteStatusChanged); !ok {
		return
	}
	r.mu.Lock()
	peers := make([]protocol.PeerID, 0, len(r.outbox))
	for p := range r.outbox {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		r.FlushOutbox(p)
	}
}

// onSessionEstablished reacts to a Noise session reaching Established
// by flushing exactly that peer's outbox (spec.md §4.6: "queue the
// plaintext until Established; deliver through Noise transport once
// up"), rather than waiting for an unrelated favorite-status change to
// sweep every queued peer.
func (r *Router) onSessionEstablished(payload interface{}) {
	ev, ok := payload.(events.SessionEstablished)
	if !ok {
		return
	}
	peer, err := protocol.PeerIDFromHex(ev.PeerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "router",
			"peer_id":   ev.PeerID,
			"error":     err,
		}).Warn("session established event carried unparseable peer id")
		return
	}
	r.FlushOutbox(peer)
}

// FlushOutbox dispatches every queued item for peer that finds a
// reachable transport; items that still cannot route remain queued
// unless their deadline has passed, in which case they are dropped with
// a logged warning and nothing is surfaced to the application (spec.md
// §4.8, §4.6).
func (r *Router) FlushOutbox(peer protocol.PeerID) {
	tr := r.selectTransport(peer)

	r.mu.Lock()
	items := r.outbox[peer]
	if len(items) == 0 {
		r.mu.Unlock()
		return
	}
	now := r.clk.Now()

	var remaining []*outboxItem
	var toSend []*outboxItem
	for _, item := range items {
		switch {
		case tr != nil:
			toSend = append(toSend, item)
		case now.After(item.deadline):
			logrus.WithFields(logrus.Fields{
				"component": "router",
				"peer":      peer.String(),
			}).Warn("private message expired unreachable")
		default:
			remaining = append(remaining, item)
		}
	}
	if len(remaining) == 0 {
		delete(r.outbox, peer)
	} else {
		r.outbox[peer] = remaining
	}
	r.mu.Unlock()

	for _, item := range toSend {
		if err := tr.SendPrivateMessage(peer, item.msg); err != nil {
			r.mu.Lock()
			r.outbox[peer] = append(r.outbox[peer], item)
			r.mu.Unlock()
		}
	}
}

// OutboxLen reports how many messages are queued for peer, for tests
// and diagnostics.
func (r *Router) OutboxLen(peer protocol.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox[peer])
}

// ExpireOutbox drops every queued item across all peers whose deadline
// has passed, without requiring a reachability change to trigger the
// check (spec.md §5 "every outbound private message carries a
// deadline; on expiry the router removes it from the outbox").
func (r *Router) ExpireOutbox() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	for peer, items := range r.outbox {
		var remaining []*outboxItem
		for _, item := range items {
			if now.After(item.deadline) {
				logrus.WithFields(logrus.Fields{
					"component": "router",
					"peer":      peer.String(),
				}).Warn("private message expired unreachable")
				continue
			}
			remaining = append(remaining, item)
		}
		if len(remaining) == 0 {
			delete(r.outbox, peer)
		} else {
			r.outbox[peer] = remaining
		}
	}
}
