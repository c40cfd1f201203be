package mesh

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// DedupKey computes the router's per-packet dedup key: a hash of the
// sender, timestamp, and the first DedupPrefixLen bytes of the payload
// (spec.md §3 invariants, §4.4).
func DedupKey(senderID protocol.PeerID, timestamp uint64, payload []byte) [32]byte {
	h := sha256.New()
	h.Write(senderID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	h.Write(ts[:])
	prefixLen := len(payload)
	if prefixLen > protocol.DedupPrefixLen {
		prefixLen = protocol.DedupPrefixLen
	}
	h.Write(payload[:prefixLen])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type dedupEntry struct {
	key  [32]byte
	seen time.Time
}

// DedupCache is the bounded, freshness-windowed LRU described in
// spec.md §4.4: "an LRU of size 4096 with a 60-second freshness window".
// A key older than the freshness window is treated as unseen even if it
// has not yet been evicted for capacity.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	clk      clock.Clock
	order    *list.List
	index    map[[32]byte]*list.Element
}

// NewDedupCache builds a cache with the given capacity and freshness
// window.
func NewDedupCache(capacity int, window time.Duration, clk clock.Clock) *DedupCache {
	return &DedupCache{
		capacity: capacity,
		window:   window,
		clk:      clk,
		order:    list.New(),
		index:    make(map[[32]byte]*list.Element),
	}
}

// SeenOrRemember reports whether key was already seen within the
// freshness window. If not, it records key as seen now and evicts the
// least-recently-used entry if the cache is at capacity.
func (c *DedupCache) SeenOrRemember(key [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()

	if el, ok := c.index[key]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < c.window {
			c.order.MoveToFront(el)
			return true
		}
		// Expired: treat as unseen, refresh it below.
		entry.seen = now
		c.order.MoveToFront(el)
		return false
	}

	el := c.order.PushFront(&dedupEntry{key: key, seen: now})
	c.index[key] = el

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.index, back.Value.(*dedupEntry).key)
	}

	return false
}

// Len reports the number of entries currently cached, for tests.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
