// Package pipeline implements the Public Message Pipeline (spec.md
// §4.9): a short batching window that orders and content-dedups inbound
// public messages arriving from any transport before they reach the
// timeline.
package pipeline

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// Config collects the pipeline's tunables (spec.md §4.9 defaults: 100ms
// batch window, 30s dedup window).
type Config struct {
	BatchWindow time.Duration
	DedupWindow time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchWindow: 100 * time.Millisecond,
		DedupWindow: 30 * time.Second,
	}
}

// Inbound is one public message arriving from the Mesh or Relay
// Transport, awaiting a batch flush.
type Inbound struct {
	MessageID string
	Content   string
	Timestamp uint64 // milliseconds since epoch
}

// Channel identifies which timeline a flushed message belongs to
// (spec.md §4.9). Flush orders and dedups every channel the same way and
// passes the channel through to Sink.Insert; it does not place
// out-of-order arrivals differently for the mesh view and a geohash
// channel.
type Channel int

const (
	ChannelMesh Channel = iota
	ChannelGeohash
)

// Sink receives ordered, deduped messages from a flush. Insert is called
// once per surviving message, in (timestamp, messageID) order for every
// channel.
type Sink interface {
	Insert(channel Channel, msg Inbound)
}

type dedupRecord struct {
	timestamp uint64
	seenAt    time.Time
}

// Pipeline batches inbound public messages, sorts each batch by
// (timestamp, messageID), and drops content-key duplicates within the
// dedup window before handing survivors to a Sink (spec.md §4.9).
type Pipeline struct {
	cfg  *Config
	clk  clock.Clock
	sink Sink

	mu      sync.Mutex
	pending map[Channel][]Inbound
	dedup   map[string]dedupRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Pipeline delivering flushed messages to sink. If cfg is
// nil, DefaultConfig is used.
func New(cfg *Config, clk clock.Clock, sink Sink) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		cfg:     cfg,
		clk:     clk,
		sink:    sink,
		pending: make(map[Channel][]Inbound),
		dedup:   make(map[string]dedupRecord),
		stop:    make(chan struct{}),
	}
}

// Start launches the periodic batch-flush loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := p.clk.NewTicker(p.cfg.BatchWindow)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C():
				p.Flush(ChannelMesh)
				p.Flush(ChannelGeohash)
			}
		}
	}()
}

// Stop halts the flush loop.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Enqueue adds msg to channel's current batch, to be ordered and
// deduped on the next Flush.
func (p *Pipeline) Enqueue(channel Channel, msg Inbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[channel] = append(p.pending[channel], msg)
}

// NormalizeContent implements spec.md §4.9's contentKey normalization:
// lowercase, trim, collapse internal whitespace.
func NormalizeContent(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	return strings.Join(fields, " ")
}

// Flush sorts channel's pending batch by (timestamp, messageID), drops
// content-key duplicates seen within the dedup window, and delivers
// survivors to the Sink in order (spec.md §4.9).
func (p *Pipeline) Flush(channel Channel) {
	p.mu.Lock()
	batch := p.pending[channel]
	p.pending[channel] = nil
	now := p.clk.Now()
	p.reapDedupLocked(now)
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Timestamp != batch[j].Timestamp {
			return batch[i].Timestamp < batch[j].Timestamp
		}
		return batch[i].MessageID < batch[j].MessageID
	})

	for _, msg := range batch {
		key := NormalizeContent(msg.Content)

		p.mu.Lock()
		rec, dup := p.dedup[key]
		if dup && now.Sub(rec.seenAt) < p.cfg.DedupWindow {
			p.mu.Unlock()
			continue
		}
		p.dedup[key] = dedupRecord{timestamp: msg.Timestamp, seenAt: now}
		p.mu.Unlock()

		if p.sink != nil {
			p.sink.Insert(channel, msg)
		}
	}
}

// reapDedupLocked drops dedup entries older than the dedup window. Must
// be called with p.mu held.
func (p *Pipeline) reapDedupLocked(now time.Time) {
	for key, rec := range p.dedup {
		if now.Sub(rec.seenAt) >= p.cfg.DedupWindow {
			delete(p.dedup, key)
		}
	}
}
