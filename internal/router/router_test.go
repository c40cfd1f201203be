package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

type fakeTransport struct {
	name      string
	reachable map[protocol.PeerID]bool
	sent      []*protocol.ApplicationMessage
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, reachable: make(map[protocol.PeerID]bool)}
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) IsPeerReachable(peer protocol.PeerID) bool { return f.reachable[peer] }
func (f *fakeTransport) SendPrivateMessage(peer protocol.PeerID, msg *protocol.ApplicationMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) SendReadReceipt(peer protocol.PeerID, rr protocol.ReadReceipt) error { return nil }
func (f *fakeTransport) SendDeliveryAck(peer protocol.PeerID, ack protocol.DeliveryAck) error { return nil }

func TestRouterSendsViaFirstReachableTransport(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	mesh := newFakeTransport("mesh")
	relay := newFakeTransport("relay")
	r := New(clk, events.New(), mesh, relay)

	peer := protocol.PeerIDFromBytes([]byte("peer0001"))
	relay.reachable[peer] = true

	require.NoError(t, r.SendPrivateMessage(peer, &protocol.ApplicationMessage{ID: "m1"}))
	require.Len(t, relay.sent, 1)
	require.Empty(t, mesh.sent)
}

func TestRouterPrefersEarlierTransport(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	mesh := newFakeTransport("mesh")
	relay := newFakeTransport("relay")
	r := New(clk, events.New(), mesh, relay)

	peer := protocol.PeerIDFromBytes([]byte("peer0001"))
	mesh.reachable[peer] = true
	relay.reachable[peer] = true

	require.NoError(t, r.SendPrivateMessage(peer, &protocol.ApplicationMessage{ID: "m1"}))
	require.Len(t, mesh.sent, 1)
	require.Empty(t, relay.sent)
}

func TestRouterQueuesWhenUnreachable(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	mesh := newFakeTransport("mesh")
	r := New(clk, events.New(), mesh)

	peer := protocol.PeerIDFromBytes([]byte("peer0001"))
	require.NoError(t, r.SendPrivateMessage(peer, &protocol.ApplicationMessage{ID: "m1"}))
	require.Equal(t, 1, r.OutboxLen(peer))
	require.Empty(t, mesh.sent)
}

func TestFavoriteStatusChangedFlushesOutbox(t *testing.T) {
	// "Outbox liveness" property, spec.md §8.
	clk := clock.NewManual(time.Unix(0, 0))
	bus := events.New()
	mesh := newFakeTransport("mesh")
	r := New(clk, bus, mesh)

	peer := protocol.PeerIDFromBytes([]byte("peer0001"))
	require.NoError(t, r.SendPrivateMessage(peer, &protocol.ApplicationMessage{ID: "m1"}))
	require.Equal(t, 1, r.OutboxLen(peer))

	mesh.reachable[peer] = true
	bus.Publish(events.KindFavoriteStatusChanged, events.FavoriteStatusChanged{Fingerprint: "fp"})

	require.Equal(t, 0, r.OutboxLen(peer))
	require.Len(t, mesh.sent, 1)
}

func TestSessionEstablishedFlushesOnlyThatPeer(t *testing.T) {
	// Per spec.md §4.6, a private send queues until the Noise handshake
	// with that peer reaches Established, then must be delivered — not
	// left for an unrelated favorite-status sweep to eventually retry.
	clk := clock.NewManual(time.Unix(0, 0))
	bus := events.New()
	mesh := newFakeTransport("mesh")
	r := New(clk, bus, mesh)

	peerA := protocol.PeerIDFromBytes([]byte("peerAAAA"))
	peerB := protocol.PeerIDFromBytes([]byte("peerBBBB"))
	require.NoError(t, r.SendPrivateMessage(peerA, &protocol.ApplicationMessage{ID: "a1"}))
	require.NoError(t, r.SendPrivateMessage(peerB, &protocol.ApplicationMessage{ID: "b1"}))
	require.Equal(t, 1, r.OutboxLen(peerA))
	require.Equal(t, 1, r.OutboxLen(peerB))

	mesh.reachable[peerA] = true
	bus.Publish(events.KindSessionEstablished, events.SessionEstablished{PeerID: peerA.String()})

	require.Equal(t, 0, r.OutboxLen(peerA))
	require.Equal(t, 1, r.OutboxLen(peerB), "unrelated peer's outbox must be untouched")
	require.Len(t, mesh.sent, 1)
}

func TestExpireOutboxDropsAfterDeadline(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	mesh := newFakeTransport("mesh")
	r := New(clk, events.New(), mesh)
	r.SetOutboxTTL(time.Minute)

	peer := protocol.PeerIDFromBytes([]byte("peer0001"))
	require.NoError(t, r.SendPrivateMessage(peer, &protocol.ApplicationMessage{ID: "m1"}))

	clk.Advance(2 * time.Minute)
	r.ExpireOutbox()

	require.Equal(t, 0, r.OutboxLen(peer))
}
