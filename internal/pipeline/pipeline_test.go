package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

type recordingSink struct {
	inserts []Inbound
}

func (s *recordingSink) Insert(channel Channel, msg Inbound) {
	s.inserts = append(s.inserts, msg)
}

func TestFlushSortsByTimestampThenMessageID(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	p := New(DefaultConfig(), clk, sink)

	p.Enqueue(ChannelMesh, Inbound{MessageID: "b", Content: "second", Timestamp: 200})
	p.Enqueue(ChannelMesh, Inbound{MessageID: "a", Content: "first", Timestamp: 100})
	p.Enqueue(ChannelMesh, Inbound{MessageID: "z", Content: "tie-a", Timestamp: 300})
	p.Enqueue(ChannelMesh, Inbound{MessageID: "y", Content: "tie-b", Timestamp: 300})

	p.Flush(ChannelMesh)

	require.Len(t, sink.inserts, 4)
	require.Equal(t, "first", sink.inserts[0].Content)
	require.Equal(t, "second", sink.inserts[1].Content)
	require.Equal(t, "tie-b", sink.inserts[2].Content) // "y" < "z"
	require.Equal(t, "tie-a", sink.inserts[3].Content)
}

func TestFlushDedupsByNormalizedContentWithinWindow(t *testing.T) {
	// spec.md §8 scenario 6.
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	p := New(DefaultConfig(), clk, sink)

	p.Enqueue(ChannelMesh, Inbound{MessageID: "a", Content: "Same", Timestamp: 10_000})
	p.Enqueue(ChannelMesh, Inbound{MessageID: "b", Content: "  same  ", Timestamp: 10_200})

	p.Flush(ChannelMesh)

	require.Len(t, sink.inserts, 1)
	require.Equal(t, "Same", sink.inserts[0].Content)
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	p := New(DefaultConfig(), clk, sink)

	p.Enqueue(ChannelMesh, Inbound{MessageID: "a", Content: "hello", Timestamp: 1})
	p.Flush(ChannelMesh)

	clk.Advance(31 * time.Second)

	p.Enqueue(ChannelMesh, Inbound{MessageID: "b", Content: "hello", Timestamp: 2})
	p.Flush(ChannelMesh)

	require.Len(t, sink.inserts, 2)
}

func TestNormalizeContentCollapsesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, "hello world", NormalizeContent("  Hello   WORLD  "))
}

func TestFlushEmptyBatchIsNoop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	p := New(DefaultConfig(), clk, sink)
	p.Flush(ChannelMesh)
	require.Empty(t, sink.inserts)
}
