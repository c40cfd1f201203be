// Package mesh implements the Dedup+TTL Router and the Mesh Transport
// public contract (spec.md §4.4, §4.6): per-packet loop suppression and
// flood forwarding, plus the peer directory, cover traffic, and
// battery-aware link scheduling hooks (SPEC_FULL.md §12).
package mesh

import "time"

// Config collects the Mesh Transport's tunable defaults, generalizing
// the teacher's DefaultRetryConfig/RoutingConfig constructor pattern.
type Config struct {
	// DedupCacheSize bounds the dedup LRU (spec.md §4.4: default 4096).
	DedupCacheSize int
	// DedupFreshnessWindow is how long a dedup key is remembered
	// (spec.md §4.4: default 60s).
	DedupFreshnessWindow time.Duration
	// AnnounceInterval is how often an Announce is re-broadcast
	// (spec.md §4.5: default 10s).
	AnnounceInterval time.Duration
	// PeerInactivityTimeout drops a peer from the directory after this
	// long without traffic.
	PeerInactivityTimeout time.Duration
	// CoverTrafficEnabled toggles dummy Announce-disguised packets
	// (SPEC_FULL.md §12).
	CoverTrafficEnabled bool
	// CoverTrafficProbability is the per-tick chance [0,1) of emitting
	// cover traffic when enabled.
	CoverTrafficProbability float64
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		DedupCacheSize:          4096,
		DedupFreshnessWindow:    60 * time.Second,
		AnnounceInterval:        10 * time.Second,
		PeerInactivityTimeout:   10 * time.Minute,
		CoverTrafficEnabled:     true,
		CoverTrafficProbability: 0.10,
	}
}
