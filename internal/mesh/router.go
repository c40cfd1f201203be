package mesh

import (
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// Link is the narrow interface the Dedup+TTL Router needs from a BLE
// Link to forward a packet (spec.md §9 "Delegates / dynamic dispatch"
// design note: a small trait object instead of a concrete dependency).
type Link interface {
	// ID identifies this link so the router can skip the link a packet
	// arrived on when flooding to "all non-originating links".
	ID() string
	// Forward sends an already TTL-decremented packet out this link.
	Forward(pkt *protocol.Packet) error
}

// Outcome reports what the router decided to do with an inbound packet.
type Outcome struct {
	// Deliver is the packet to hand to the application/pipeline layer,
	// nil if nothing should be delivered locally.
	Deliver *protocol.Packet
	// Forwarded reports whether the packet (TTL-decremented) was sent
	// on to other links.
	Forwarded bool
	// Dropped reports the packet was dropped (dedup, loopback, or
	// TTL exhaustion) without delivery or forwarding.
	Dropped bool
}

// Router implements the Dedup+TTL Router (spec.md §4.4).
type Router struct {
	cfg    *Config
	clk    clock.Clock
	dedup  *DedupCache
	self   protocol.PeerID
	links  map[string]Link

	// IsBlocked, if set, suppresses local delivery (but not forwarding)
	// for packets from a blocked sender (SPEC_FULL.md §4.11).
	IsBlocked func(protocol.PeerID) bool
}

// NewRouter builds a Router for self, using clk for dedup freshness.
func NewRouter(cfg *Config, self protocol.PeerID, clk clock.Clock) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Router{
		cfg:   cfg,
		clk:   clk,
		dedup: NewDedupCache(cfg.DedupCacheSize, cfg.DedupFreshnessWindow, clk),
		self:  self,
		links: make(map[string]Link),
	}
}

// AddLink registers a BLE Link the router may flood onto.
func (r *Router) AddLink(l Link) {
	r.links[l.ID()] = l
}

// RemoveLink unregisters a BLE Link.
func (r *Router) RemoveLink(id string) {
	delete(r.links, id)
}

// ProcessInbound applies spec.md §4.4's dedup/TTL/forward algorithm to a
// packet that arrived on originLinkID.
func (r *Router) ProcessInbound(originLinkID string, pkt *protocol.Packet) (Outcome, error) {
	key := DedupKey(pkt.SenderID, pkt.Timestamp, pkt.Payload)
	if r.dedup.SeenOrRemember(key) {
		return Outcome{Dropped: true}, nil
	}

	if pkt.SenderID == r.self {
		return Outcome{Dropped: true}, nil
	}

	isBroadcast := pkt.RecipientID == nil
	isForSelf := !isBroadcast && *pkt.RecipientID == r.self

	var outcome Outcome

	if isBroadcast || isForSelf {
		if r.IsBlocked == nil || !r.IsBlocked(pkt.SenderID) {
			outcome.Deliver = pkt
		}
	}

	if pkt.TTL > 1 && !isForSelf {
		forwarded := *pkt
		forwarded.TTL = pkt.TTL - 1
		if err := r.flood(originLinkID, &forwarded); err != nil {
			return outcome, err
		}
		outcome.Forwarded = true
	}

	if outcome.Deliver == nil && !outcome.Forwarded {
		outcome.Dropped = true
	}

	return outcome, nil
}

func (r *Router) flood(originLinkID string, pkt *protocol.Packet) error {
	var firstErr error
	for id, link := range r.links {
		if id == originLinkID {
			continue
		}
		if err := link.Forward(pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "mesh",
				"link":      id,
			}).WithError(err).Warn("forward failed")
			if firstErr == nil {
				firstErr = bcerr.Wrap(bcerr.KindTransportUnavailable, "forward to link", err)
			}
		}
	}
	return firstErr
}
