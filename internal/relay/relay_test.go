package relay

import (
	"crypto/rand"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

type fakeDirectory struct {
	nostr map[protocol.Fingerprint]string
	noise map[protocol.Fingerprint][]byte
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{nostr: map[protocol.Fingerprint]string{}, noise: map[protocol.Fingerprint][]byte{}}
}

func (d *fakeDirectory) NostrPublicKey(fp protocol.Fingerprint) (string, bool) {
	v, ok := d.nostr[fp]
	return v, ok
}

func (d *fakeDirectory) NoiseStaticKey(fp protocol.Fingerprint) ([]byte, bool) {
	v, ok := d.noise[fp]
	return v, ok
}

type fakeSink struct {
	private []*protocol.ApplicationMessage
}

func (s *fakeSink) HandlePrivateMessage(msg *protocol.ApplicationMessage) { s.private = append(s.private, msg) }
func (s *fakeSink) HandleDeliveryAck(protocol.DeliveryAck)                {}
func (s *fakeSink) HandleReadReceipt(protocol.ReadReceipt)                {}

func genNoiseKeypair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	var p [32]byte
	_, err := io.ReadFull(rand.Reader, p[:])
	require.NoError(t, err)
	var pb [32]byte
	curve25519.ScalarBaseMult(&pb, &p)
	return p[:], pb[:]
}

func genNostrKeypair(t *testing.T) (priv *btcec.PrivateKey, pubHex string) {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k, fmt.Sprintf("%x", k.PubKey().SerializeCompressed()[1:])
}

func peerID(fp protocol.Fingerprint) protocol.PeerID { return protocol.PeerIDFromBytes(fp[:8]) }

func TestSealOpenRoundTrip(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))

	aPriv, aPub := genNoiseKeypair(t)
	bPriv, bPub := genNoiseKeypair(t)
	aNostrPriv, aNostrPub := genNostrKeypair(t)
	_, bNostrPub := genNostrKeypair(t)

	aFp := protocol.FingerprintFromBytes(aPub)
	bFp := protocol.FingerprintFromBytes(bPub)

	dirA := newFakeDirectory()
	dirA.nostr[bFp] = bNostrPub
	dirA.noise[bFp] = bPub

	dirB := newFakeDirectory()
	dirB.nostr[aFp] = aNostrPub
	dirB.noise[aFp] = aPub

	sinkA, sinkB := &fakeSink{}, &fakeSink{}

	lookupA := func(p protocol.PeerID) (protocol.Fingerprint, bool) {
		if p == peerID(bFp) {
			return bFp, true
		}
		return protocol.Fingerprint{}, false
	}
	lookupB := func(p protocol.PeerID) (protocol.Fingerprint, bool) {
		if p == peerID(aFp) {
			return aFp, true
		}
		return protocol.Fingerprint{}, false
	}

	tA := New(DefaultConfig(), clk, sinkA, dirA, lookupA, aNostrPriv.Serialize(), aNostrPub, aPriv, aPub)
	tB := New(DefaultConfig(), clk, sinkB, dirB, lookupB, nil, "", bPriv, bPub)

	require.True(t, tA.IsPeerReachable(peerID(bFp)))

	env, err := tA.seal(bFp, bNostrPub, protocol.NoiseInner{
		Type:    protocol.MessageTypePrivateMessage,
		Payload: []byte("hello from A"),
	})
	require.NoError(t, err)
	require.Equal(t, EphemeralDMKind, env.Kind)

	inner, err := tB.open(env)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypePrivateMessage, inner.Type)
	require.Equal(t, "hello from A", string(inner.Payload))
}

func TestOpenRejectsTamperedContent(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))

	aPriv, aPub := genNoiseKeypair(t)
	bPriv, bPub := genNoiseKeypair(t)
	aNostrPriv, aNostrPub := genNostrKeypair(t)

	aFp := protocol.FingerprintFromBytes(aPub)
	bFp := protocol.FingerprintFromBytes(bPub)

	dirA := newFakeDirectory()
	dirA.noise[bFp] = bPub

	dirB := newFakeDirectory()
	dirB.noise[aFp] = aPub

	tA := New(DefaultConfig(), clk, &fakeSink{}, dirA, func(protocol.PeerID) (protocol.Fingerprint, bool) { return bFp, true },
		aNostrPriv.Serialize(), aNostrPub, aPriv, aPub)
	tB := New(DefaultConfig(), clk, &fakeSink{}, dirB, func(protocol.PeerID) (protocol.Fingerprint, bool) { return aFp, true },
		nil, "", bPriv, bPub)

	env, err := tA.seal(bFp, "irrelevant", protocol.NoiseInner{Type: protocol.MessageTypePrivateMessage, Payload: []byte("x")})
	require.NoError(t, err)

	env.Content = env.Content[:len(env.Content)-2] + "00"

	_, err = tB.open(env)
	require.Error(t, err)
}

func TestIsPeerReachableFalseWithoutNostrKey(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	dir := newFakeDirectory()
	tr := New(DefaultConfig(), clk, &fakeSink{}, dir, func(protocol.PeerID) (protocol.Fingerprint, bool) { return protocol.Fingerprint{}, true },
		nil, "", nil, nil)

	require.False(t, tr.IsPeerReachable(protocol.PeerIDFromBytes([]byte("unknown"))))
}
