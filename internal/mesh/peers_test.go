package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

func TestPeerTableReachabilityAndPruning(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	bus := events.New()
	table := NewPeerTable(clk, 10*time.Minute, bus)

	var lost []events.SessionLost
	bus.Subscribe(events.KindSessionLost, func(payload interface{}) {
		lost = append(lost, payload.(events.SessionLost))
	})

	id := protocol.PeerIDFromBytes([]byte("peer0001"))
	fp := protocol.FingerprintFromBytes([]byte("fingerprint"))
	table.Observe(id, "alice", fp, "link0")

	require.True(t, table.IsConnected(id))
	require.True(t, table.IsReachable(id))

	clk.Advance(11 * time.Minute)
	dropped := table.Prune()
	require.Len(t, dropped, 1)
	require.Equal(t, id, dropped[0])
	require.False(t, table.IsReachable(id))
	require.Len(t, lost, 1)
}

func TestPeerTableRelayOnlyIsNotConnected(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	table := NewPeerTable(clk, 10*time.Minute, nil)

	id := protocol.PeerIDFromBytes([]byte("peer0002"))
	fp := protocol.FingerprintFromBytes([]byte("fingerprint"))
	table.ObserveViaRelay(id, fp)

	require.False(t, table.IsConnected(id))
	require.True(t, table.IsReachable(id))
}
