package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
)

// FragmentIDSize is the width of the random group identifier shared by
// every fragment of one reassembly group (spec.md §3).
const FragmentIDSize = 8

// fragmentHeaderSize is fragmentID(8) + index(2) + total(2) + innerType(1).
const fragmentHeaderSize = FragmentIDSize + 2 + 2 + 1

// FragmentPayload is the inner structure carried by a MessageTypeFragment
// packet's Payload (spec.md §3: "fragmentID[8] | index[u16 BE] |
// total[u16 BE] | innerType[u8] | chunk[…]").
type FragmentPayload struct {
	FragmentID [FragmentIDSize]byte
	Index      uint16
	Total      uint16
	InnerType  MessageType
	Chunk      []byte
}

// EncodeFragmentPayload serializes a FragmentPayload.
func EncodeFragmentPayload(f FragmentPayload) []byte {
	out := make([]byte, fragmentHeaderSize+len(f.Chunk))
	copy(out[0:FragmentIDSize], f.FragmentID[:])
	binary.BigEndian.PutUint16(out[8:10], f.Index)
	binary.BigEndian.PutUint16(out[10:12], f.Total)
	out[12] = byte(f.InnerType)
	copy(out[fragmentHeaderSize:], f.Chunk)
	return out
}

// DecodeFragmentPayload parses a FragmentPayload, returning
// bcerr.KindMalformedPacket if data is too short to contain the fixed
// header (the "corrupt fragment header" failure mode of spec.md §8
// scenario 3).
func DecodeFragmentPayload(data []byte) (FragmentPayload, error) {
	if len(data) < fragmentHeaderSize {
		return FragmentPayload{}, bcerr.New(bcerr.KindMalformedPacket, "fragment header too short")
	}
	var f FragmentPayload
	copy(f.FragmentID[:], data[0:FragmentIDSize])
	f.Index = binary.BigEndian.Uint16(data[8:10])
	f.Total = binary.BigEndian.Uint16(data[10:12])
	f.InnerType = MessageType(data[12])
	f.Chunk = append([]byte(nil), data[fragmentHeaderSize:]...)
	return f, nil
}

// FragmentPacket splits the binary encoding of original into one or more
// Fragment packets, each carrying a chunk of at most maxChunk bytes of
// that encoding after the fragment header, per spec.md §4.2. It returns (nil, nil) if encoded already fits within maxChunk —
// callers should send the original packet unmodified in that case.
func FragmentPacket(original *Packet, maxChunk int) ([]*Packet, error) {
	encoded, err := Encode(original, false)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= maxChunk {
		return nil, nil
	}

	var fragmentID [FragmentIDSize]byte
	if _, err := rand.Read(fragmentID[:]); err != nil {
		return nil, err
	}

	total := (len(encoded) + maxChunk - 1) / maxChunk
	if total > 0xFFFF {
		return nil, bcerr.New(bcerr.KindMalformedPacket, "packet too large to fragment")
	}

	fragments := make([]*Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(encoded) {
			end = len(encoded)
		}
		payload := EncodeFragmentPayload(FragmentPayload{
			FragmentID: fragmentID,
			Index:      uint16(i),
			Total:      uint16(total),
			InnerType:  original.Type,
			Chunk:      encoded[start:end],
		})
		fragments = append(fragments, Packet{
			Version:   original.Version,
			Type:      MessageTypeFragment,
			TTL:       original.TTL,
			Timestamp: original.Timestamp,
			SenderID:  original.SenderID,
		}.withPayload(payload))
	}
	return fragments, nil
}

func (p Packet) withPayload(payload []byte) *Packet {
	p.Payload = payload
	return &p
}

// DefaultReassemblyTimeout is how long a reassembly group may remain
// incomplete before it is reaped (spec.md §3 lifecycles).
const DefaultReassemblyTimeout = 30 * time.Second

type reassemblyKey struct {
	sender     PeerID
	fragmentID [FragmentIDSize]byte
}

type reassemblyGroup struct {
	total     uint16
	received  []bool
	chunks    [][]byte
	innerType MessageType
	firstSeen time.Time
	count     int
}

// Reassembler holds bounded, per-group reassembly state keyed by
// (senderID, fragmentID), reassembling out-of-order and duplicate
// fragment delivery into the original Packet exactly once, and isolating
// a malformed fragment to only its own group (spec.md §4.2, §8).
type Reassembler struct {
	mu      sync.Mutex
	groups  map[reassemblyKey]*reassemblyGroup
	timeout time.Duration
	clk     clock.Clock
}

// NewReassembler builds a Reassembler with the given group expiry and
// clock source.
func NewReassembler(timeout time.Duration, clk clock.Clock) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		groups:  make(map[reassemblyKey]*reassemblyGroup),
		timeout: timeout,
		clk:     clk,
	}
}

// Add feeds one fragment from sender into the reassembler. It returns
// the reassembled Packet once every fragment of its group has arrived,
// or (nil, nil) while the group is still incomplete. A fragment too
// short to carry the inner header is rejected without touching any
// group, so its group stays incomplete until reaped; an out-of-range
// index or a total/innerType that conflicts with the group drops the
// entire group (spec.md §8 "malformed fragment isolation").
func (r *Reassembler) Add(sender PeerID, payload []byte) (*Packet, error) {
	f, err := DecodeFragmentPayload(payload)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()

	key := reassemblyKey{sender: sender, fragmentID: f.FragmentID}

	if f.Total == 0 || f.Index >= f.Total {
		delete(r.groups, key)
		return nil, bcerr.New(bcerr.KindMalformedPacket, "fragment index out of range")
	}

	g, exists := r.groups[key]
	if !exists {
		g = &reassemblyGroup{
			total:     f.Total,
			received:  make([]bool, f.Total),
			chunks:    make([][]byte, f.Total),
			innerType: f.InnerType,
			firstSeen: r.clk.Now(),
		}
		r.groups[key] = g
	}

	if f.Total != g.total || f.InnerType != g.innerType {
		delete(r.groups, key)
		return nil, bcerr.New(bcerr.KindMalformedPacket, "conflicting fragment group header")
	}

	if g.received[f.Index] {
		// Duplicate index: idempotent, ignore.
		if g.count == int(g.total) {
			return r.finish(key, g)
		}
		return nil, nil
	}

	g.received[f.Index] = true
	g.chunks[f.Index] = f.Chunk
	g.count++

	if g.count == int(g.total) {
		return r.finish(key, g)
	}
	return nil, nil
}

// finish concatenates a complete group, decodes the reassembled packet,
// and removes the group. Must be called with r.mu held.
func (r *Reassembler) finish(key reassemblyKey, g *reassemblyGroup) (*Packet, error) {
	delete(r.groups, key)

	size := 0
	for _, c := range g.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range g.chunks {
		out = append(out, c...)
	}

	return Decode(out)
}

// reapLocked drops any group older than the configured timeout. Must be
// called with r.mu held.
func (r *Reassembler) reapLocked() {
	now := r.clk.Now()
	for key, g := range r.groups {
		if now.Sub(g.firstSeen) > r.timeout {
			delete(r.groups, key)
		}
	}
}

// Reap is exposed for callers that want to reclaim expired groups on a
// periodic tick independent of insertion traffic (spec.md §4.2).
func (r *Reassembler) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()
}

// PendingGroups reports the number of in-flight reassembly groups,
// primarily for tests and diagnostics.
func (r *Reassembler) PendingGroups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
