package files

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
)

func TestManagerAddGetAccept(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewManager(DefaultConfig(), clk, events.New())

	pf := m.Add("peer1", "alice", "photo.jpg", "image/jpeg", []byte("bytes"), false)
	require.NotNil(t, pf)

	got, ok := m.Get(pf.ID)
	require.True(t, ok)
	require.Equal(t, "photo.jpg", got.DisplayName())

	path, err := m.Accept(pf.ID, func(PendingFileTransfer) (string, error) { return "/tmp/photo.jpg", nil })
	require.NoError(t, err)
	require.Equal(t, "/tmp/photo.jpg", path)

	_, ok = m.Get(pf.ID)
	require.False(t, ok)
}

func TestManagerEvictionBySize(t *testing.T) {
	// spec.md §8 scenario 5.
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := &Config{MaxPendingCount: 100, MaxTotalBytes: 500, ExpirationSeconds: 300 * time.Second, ExpirationTickRate: 30 * time.Second}
	m := NewManager(cfg, clk, events.New())

	first := m.Add("peer1", "alice", "a.bin", "application/octet-stream", make([]byte, 200), false)
	require.NotNil(t, first)
	clk.Advance(time.Second)
	second := m.Add("peer1", "alice", "b.bin", "application/octet-stream", make([]byte, 200), false)
	require.NotNil(t, second)
	clk.Advance(time.Second)
	third := m.Add("peer1", "alice", "c.bin", "application/octet-stream", make([]byte, 300), false)
	require.NotNil(t, third)

	_, ok := m.Get(first.ID)
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = m.Get(second.ID)
	require.True(t, ok)
	_, ok = m.Get(third.ID)
	require.True(t, ok)

	count, total := m.Stats()
	require.Equal(t, 2, count)
	require.EqualValues(t, 500, total)
}

func TestManagerRejectsWhenNothingFits(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := &Config{MaxPendingCount: 100, MaxTotalBytes: 100, ExpirationSeconds: 300 * time.Second, ExpirationTickRate: 30 * time.Second}
	m := NewManager(cfg, clk, events.New())

	pf := m.Add("peer1", "alice", "big.bin", "application/octet-stream", make([]byte, 200), false)
	require.Nil(t, pf)

	count, total := m.Stats()
	require.Zero(t, count)
	require.Zero(t, total)
}

func TestManagerEvictsOldestOnCountLimit(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := &Config{MaxPendingCount: 2, MaxTotalBytes: 1 << 20, ExpirationSeconds: 300 * time.Second, ExpirationTickRate: 30 * time.Second}
	m := NewManager(cfg, clk, events.New())

	first := m.Add("peer1", "alice", "a.bin", "", []byte("a"), false)
	clk.Advance(time.Second)
	m.Add("peer1", "alice", "b.bin", "", []byte("b"), false)
	clk.Advance(time.Second)
	m.Add("peer1", "alice", "c.bin", "", []byte("c"), false)

	_, ok := m.Get(first.ID)
	require.False(t, ok)
	count, _ := m.Stats()
	require.Equal(t, 2, count)
}

func TestManagerExpiresOldEntries(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := &Config{MaxPendingCount: 10, MaxTotalBytes: 1 << 20, ExpirationSeconds: 5 * time.Second, ExpirationTickRate: 1 * time.Second}
	bus := events.New()
	var removed []events.PendingFileRemoved
	bus.Subscribe(events.KindPendingFileRemoved, func(payload interface{}) {
		removed = append(removed, payload.(events.PendingFileRemoved))
	})
	m := NewManager(cfg, clk, bus)
	m.Start()
	defer m.Stop()

	pf := m.Add("peer1", "alice", "a.bin", "", []byte("a"), false)
	require.NotNil(t, pf)

	clk.Advance(6 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := m.Get(pf.ID)
		return !ok
	}, time.Second, time.Millisecond)

	require.NotEmpty(t, removed)
	require.Equal(t, "expired", removed[len(removed)-1].Reason)
}

func TestManagerDeclineNotFound(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewManager(DefaultConfig(), clk, events.New())
	require.Error(t, m.Decline("missing"))
}

func TestManagerClearAll(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewManager(DefaultConfig(), clk, events.New())
	m.Add("peer1", "alice", "a.bin", "", []byte("a"), false)
	m.Add("peer1", "alice", "b.bin", "", []byte("b"), false)

	m.ClearAll()
	count, total := m.Stats()
	require.Zero(t, count)
	require.Zero(t, total)
}
