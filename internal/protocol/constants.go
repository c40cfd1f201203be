package protocol

// CurrentVersion is the wire version this implementation emits and the
// only version it accepts on decode; unknown versions are rejected with
// a bcerr.KindUnknownVersion error (spec.md §6: "receivers MUST reject unknown
// versions").
const CurrentVersion uint8 = 2

// DefaultLinkMTU is the assumed link MTU after BLE ATT overhead; encoded
// packets larger than this are fragmented (spec.md §4.2).
const DefaultLinkMTU = 512

// PaddingBuckets are the constant-size buckets padded packets are grown
// to (spec.md §4.1, Open Question resolved in SPEC_FULL.md §9).
var PaddingBuckets = []int{256, 512, 1024, 2048, 4096}

// DedupPrefixLen is the number of leading payload bytes folded into the
// dedup key (spec.md §3 invariants, Open Question resolved in
// SPEC_FULL.md §9: 16 bytes).
const DedupPrefixLen = 16

// DefaultTTL is the hop count a freshly originated packet is stamped
// with.
const DefaultTTL uint8 = 7
