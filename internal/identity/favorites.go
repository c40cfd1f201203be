package identity

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// FavoriteRecord is one entry of the favorites/blocked map (SPEC_FULL.md
// §4.11): keyed by the peer's long-term Fingerprint, carrying the Nostr
// public key the Relay Transport uses for reachability (spec.md §4.7)
// and the last-known nickname for display.
type FavoriteRecord struct {
	PeerNostrPublicKey    string `json:"peer_nostr_public_key,omitempty"`
	PeerNoiseStaticKeyHex string `json:"peer_noise_static_key,omitempty"`
	IsFavorite            bool   `json:"is_favorite"`
	IsBlocked             bool   `json:"is_blocked"`
	// PeerFavoritedMe records the peer's own notification that they have
	// favorited us (spec.md §4.6 sendFavoriteNotification), distinct from
	// IsFavorite which is our own outbound favorite decision about them.
	PeerFavoritedMe bool   `json:"peer_favorited_me,omitempty"`
	Nickname        string `json:"nickname,omitempty"`
}

// FavoritesStore persists FavoriteRecords to disk and publishes
// FavoriteStatusChanged on the shared event bus whenever a record's
// favorite or blocked status changes, which is what the Message
// Router's outbox flush (spec.md §4.8) reacts to.
type FavoritesStore struct {
	mu   sync.RWMutex
	path string
	bus  *events.Bus

	records map[protocol.Fingerprint]*FavoriteRecord
}

// LoadFavorites reads the favorites file at path, starting empty if it
// does not exist.
func LoadFavorites(path string, bus *events.Bus) (*FavoritesStore, error) {
	s := &FavoritesStore{
		path:    path,
		bus:     bus,
		records: make(map[protocol.Fingerprint]*FavoriteRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, bcerr.Wrap(bcerr.KindUnknown, "read favorites file", err)
	}

	var onDisk map[string]FavoriteRecord
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "parse favorites file", err)
	}
	for hexFp, rec := range onDisk {
		fp, err := fingerprintFromHex(hexFp)
		if err != nil {
			continue
		}
		rec := rec
		s.records[fp] = &rec
	}
	return s, nil
}

func (s *FavoritesStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	onDisk := make(map[string]FavoriteRecord, len(s.records))
	for fp, rec := range s.records {
		onDisk[fp.String()] = *rec
	}
	data, err := json.Marshal(onDisk)
	if err != nil {
		return bcerr.Wrap(bcerr.KindUnknown, "marshal favorites file", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return bcerr.Wrap(bcerr.KindUnknown, "create favorites directory", err)
		}
	}
	return os.WriteFile(s.path, data, 0600)
}

// Get returns the record for fp, if any.
func (s *FavoritesStore) Get(fp protocol.Fingerprint) (FavoriteRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	if !ok {
		return FavoriteRecord{}, false
	}
	return *rec, true
}

// IsBlocked reports whether fp is on the blocked list (spec.md §6
// block(), SPEC_FULL.md §4.11). The Dedup+TTL Router's IsBlocked hook is
// not connected to this store, so a blocked peer's traffic is still
// delivered locally.
func (s *FavoritesStore) IsBlocked(fp protocol.Fingerprint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	return ok && rec.IsBlocked
}

// NostrPublicKey returns the peer's known relay address, if any,
// implementing spec.md §4.7's relay-reachability predicate: "a peer is
// considered relay-reachable when the local favorites map contains a
// peerNostrPublicKey for it".
func (s *FavoritesStore) NostrPublicKey(fp protocol.Fingerprint) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	if !ok || rec.PeerNostrPublicKey == "" {
		return "", false
	}
	return rec.PeerNostrPublicKey, true
}

// NoiseStaticKey returns the peer's Curve25519 Noise static public key,
// learned from its Announce payload, if one has been recorded. The
// Relay Transport uses this (rather than the Nostr key) to derive the
// X25519 shared secret behind its sealed-gift-wrap envelope (spec.md
// §4.7).
func (s *FavoritesStore) NoiseStaticKey(fp protocol.Fingerprint) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	if !ok || rec.PeerNoiseStaticKeyHex == "" {
		return nil, false
	}
	key, err := hex.DecodeString(rec.PeerNoiseStaticKeyHex)
	if err != nil {
		return nil, false
	}
	return key, true
}

// SetNoiseStaticKey records the Noise static public key learned for fp
// from an Announce packet (SPEC_FULL.md §12), so the Relay Transport can
// reach the peer even before a favorite exchange has set its Nostr key.
func (s *FavoritesStore) SetNoiseStaticKey(fp protocol.Fingerprint, key []byte) error {
	s.mu.Lock()
	rec := s.ensureLocked(fp)
	rec.PeerNoiseStaticKeyHex = hex.EncodeToString(key)
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// SetFavorite marks fp favorite or not (spec.md §6 setFavorite), saving
// to disk and publishing FavoriteStatusChanged.
func (s *FavoritesStore) SetFavorite(fp protocol.Fingerprint, isFavorite bool) error {
	s.mu.Lock()
	rec := s.ensureLocked(fp)
	rec.IsFavorite = isFavorite
	err := s.saveLocked()
	blocked := rec.IsBlocked
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(fp, isFavorite, blocked)
	return nil
}

// SetPeerFavoritedMe records an inbound Favorite notification from fp
// (spec.md §4.6): the peer telling us they favorited us, which is
// tracked separately from our own IsFavorite decision about them. It
// does not publish FavoriteStatusChanged since it carries no bearing on
// our own outbound reachability decisions.
func (s *FavoritesStore) SetPeerFavoritedMe(fp protocol.Fingerprint, favorited bool) error {
	s.mu.Lock()
	rec := s.ensureLocked(fp)
	rec.PeerFavoritedMe = favorited
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// SetBlocked marks fp blocked or not (spec.md §6 block/unblock).
func (s *FavoritesStore) SetBlocked(fp protocol.Fingerprint, isBlocked bool) error {
	s.mu.Lock()
	rec := s.ensureLocked(fp)
	rec.IsBlocked = isBlocked
	err := s.saveLocked()
	favorite := rec.IsFavorite
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.publish(fp, favorite, isBlocked)
	return nil
}

// SetNostrPublicKey records the relay address learned for fp, e.g. from
// an accepted Favorite notification exchange (spec.md §4.6
// sendFavoriteNotification).
func (s *FavoritesStore) SetNostrPublicKey(fp protocol.Fingerprint, nickname, nostrPubKey string) error {
	s.mu.Lock()
	rec := s.ensureLocked(fp)
	rec.PeerNostrPublicKey = nostrPubKey
	if nickname != "" {
		rec.Nickname = nickname
	}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

func (s *FavoritesStore) ensureLocked(fp protocol.Fingerprint) *FavoriteRecord {
	rec, ok := s.records[fp]
	if !ok {
		rec = &FavoriteRecord{}
		s.records[fp] = rec
	}
	return rec
}

func (s *FavoritesStore) publish(fp protocol.Fingerprint, isFavorite, isBlocked bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.KindFavoriteStatusChanged, events.FavoriteStatusChanged{
		Fingerprint: fp.String(),
		IsFavorite:  isFavorite,
		IsBlocked:   isBlocked,
	})
}

// All returns a snapshot of every tracked record keyed by fingerprint
// hex, for the CLI's /block listing.
func (s *FavoritesStore) All() map[string]FavoriteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FavoriteRecord, len(s.records))
	for fp, rec := range s.records {
		out[fp.String()] = *rec
	}
	return out
}

func fingerprintFromHex(s string) (protocol.Fingerprint, error) {
	var fp protocol.Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, err
	}
	return protocol.FingerprintFromBytes(b), nil
}
