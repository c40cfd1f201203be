package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

type fakeLink struct {
	id      string
	forward []*protocol.Packet
}

func (f *fakeLink) ID() string { return f.id }
func (f *fakeLink) Forward(pkt *protocol.Packet) error {
	f.forward = append(f.forward, pkt)
	return nil
}

func TestRouterForwardsBroadcastAndDecrementsTTL(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	self := protocol.PeerIDFromBytes([]byte("self0001"))
	r := NewRouter(DefaultConfig(), self, clk)

	originLink := &fakeLink{id: "origin"}
	otherLink := &fakeLink{id: "other"}
	r.AddLink(originLink)
	r.AddLink(otherLink)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, 3, sender, []byte("hi"))

	outcome, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.NotNil(t, outcome.Deliver)
	require.True(t, outcome.Forwarded)

	require.Empty(t, originLink.forward)
	require.Len(t, otherLink.forward, 1)
	require.EqualValues(t, 2, otherLink.forward[0].TTL)
}

func TestRouterDropsLoopback(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	self := protocol.PeerIDFromBytes([]byte("self0001"))
	r := NewRouter(DefaultConfig(), self, clk)

	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, 3, self, []byte("hi"))
	outcome, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.True(t, outcome.Dropped)
	require.Nil(t, outcome.Deliver)
}

func TestRouterDoesNotForwardDirectedDeliveredPacket(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	self := protocol.PeerIDFromBytes([]byte("self0001"))
	r := NewRouter(DefaultConfig(), self, clk)

	link := &fakeLink{id: "other"}
	r.AddLink(link)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	pkt := protocol.NewPacket(protocol.MessageTypeMessage, 5, sender, &self, []byte("hi"))

	outcome, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.NotNil(t, outcome.Deliver)
	require.False(t, outcome.Forwarded)
	require.Empty(t, link.forward)
}

func TestRouterDedupesRepeatedPacket(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	self := protocol.PeerIDFromBytes([]byte("self0001"))
	r := NewRouter(DefaultConfig(), self, clk)

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, 3, sender, []byte("hi"))
	pkt.Timestamp = 42

	first, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.False(t, first.Dropped)

	second, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.True(t, second.Dropped)
}

func TestRouterSuppressesDeliveryForBlockedSender(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	self := protocol.PeerIDFromBytes([]byte("self0001"))
	r := NewRouter(DefaultConfig(), self, clk)
	r.IsBlocked = func(protocol.PeerID) bool { return true }

	sender := protocol.PeerIDFromBytes([]byte("sender1"))
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, 3, sender, []byte("hi"))

	outcome, err := r.ProcessInbound("origin", pkt)
	require.NoError(t, err)
	require.Nil(t, outcome.Deliver)
}
