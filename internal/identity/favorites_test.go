package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

func TestSetFavoriteAndPeerFavoritedMeAreIndependent(t *testing.T) {
	// SetFavorite is our own outbound decision; SetPeerFavoritedMe is the
	// peer's inbound notification about us. A HandleFavorite callback
	// must never let the latter overwrite the former (see cmd/bitchat's
	// HandleFavorite).
	bus := events.New()
	store, err := LoadFavorites("", bus)
	require.NoError(t, err)

	var fp protocol.Fingerprint
	copy(fp[:], []byte("peer-fingerprint"))

	require.NoError(t, store.SetFavorite(fp, true))
	require.NoError(t, store.SetPeerFavoritedMe(fp, true))

	rec, ok := store.Get(fp)
	require.True(t, ok)
	require.True(t, rec.IsFavorite)
	require.True(t, rec.PeerFavoritedMe)

	require.NoError(t, store.SetPeerFavoritedMe(fp, false))
	rec, ok = store.Get(fp)
	require.True(t, ok)
	require.True(t, rec.IsFavorite, "peer unfavoriting us must not clear our own favorite of them")
	require.False(t, rec.PeerFavoritedMe)
}

func TestPeerFavoritedMeDoesNotPublishStatusChanged(t *testing.T) {
	bus := events.New()
	store, err := LoadFavorites("", bus)
	require.NoError(t, err)

	var fp protocol.Fingerprint
	copy(fp[:], []byte("peer-fingerprint"))

	var got []events.FavoriteStatusChanged
	bus.Subscribe(events.KindFavoriteStatusChanged, func(payload interface{}) {
		if ev, ok := payload.(events.FavoriteStatusChanged); ok {
			got = append(got, ev)
		}
	})

	require.NoError(t, store.SetPeerFavoritedMe(fp, true))
	require.Empty(t, got, "an inbound favorite notification is not our own status change")
}
