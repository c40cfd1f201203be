package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

func TestDedupCacheRejectsRepeat(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cache := NewDedupCache(4096, 60*time.Second, clk)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	key := DedupKey(sender, 1000, []byte("hello world"))

	require.False(t, cache.SeenOrRemember(key))
	require.True(t, cache.SeenOrRemember(key))
}

func TestDedupCacheExpiresAfterFreshnessWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cache := NewDedupCache(4096, 60*time.Second, clk)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	key := DedupKey(sender, 1000, []byte("hello world"))

	require.False(t, cache.SeenOrRemember(key))
	clk.Advance(61 * time.Second)
	require.False(t, cache.SeenOrRemember(key))
}

func TestDedupCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cache := NewDedupCache(2, 60*time.Second, clk)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	a := DedupKey(sender, 1, []byte("a"))
	b := DedupKey(sender, 2, []byte("b"))
	c := DedupKey(sender, 3, []byte("c"))

	cache.SeenOrRemember(a)
	cache.SeenOrRemember(b)
	cache.SeenOrRemember(c)

	require.Equal(t, 2, cache.Len())
	require.False(t, cache.SeenOrRemember(a))
}
