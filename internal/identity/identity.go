// Package identity implements the Identity & Favorites component
// (SPEC_FULL.md §4.11): the long-term Curve25519/secp256k1 keypairs
// that back a node's Noise static key and Nostr relay address, plus the
// favorites/blocked map consumed by the Message Router and Dedup+TTL
// Router.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/curve25519"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// keyFile is the on-disk JSON shape for the persisted identity,
// generalizing the teacher's single identity_key/identity_pubkey file
// pair (internal/crypto/encryption.go's saveKeys) into one document.
type keyFile struct {
	NoiseStaticPrivate []byte `json:"noise_static_private"`
	NoiseStaticPublic  []byte `json:"noise_static_public"`
	NostrPrivate       []byte `json:"nostr_private"`
	SigningPrivate     []byte `json:"signing_private"` // ed25519, Announce signing
	SigningPublic      []byte `json:"signing_public"`
}

// IdentityStore owns the local node's long-term keys: the Noise static
// keypair (spec.md §4.3), the secp256k1 Nostr keypair the Relay
// Transport addresses events with (spec.md §4.7), and an Ed25519
// signing key exposed through Sign (SPEC_FULL.md §11 domain stack); the
// Mesh Transport sends its Announce packets unsigned.
// Keys are generated on first run and persisted as 0600 JSON, following
// the teacher's saveKeys idiom.
type IdentityStore struct {
	mu sync.RWMutex

	path string

	noiseStatic noise.StaticKeypair
	nostrKey    *btcec.PrivateKey
	signPriv    ed25519.PrivateKey
	signPub     ed25519.PublicKey

	fingerprint protocol.Fingerprint
}

// Load reads the identity at path, creating and persisting a fresh one
// if the file does not exist yet.
func Load(path string) (*IdentityStore, error) {
	if data, err := os.ReadFile(path); err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "parse identity file", err)
		}
		return fromKeyFile(path, kf)
	} else if !os.IsNotExist(err) {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "read identity file", err)
	}

	store, err := generate(path)
	if err != nil {
		return nil, err
	}
	if err := store.save(); err != nil {
		return nil, err
	}
	return store, nil
}

func generate(path string) (*IdentityStore, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "generate noise static key", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	nostrKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "generate nostr key", err)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "generate signing key", err)
	}

	return &IdentityStore{
		path:        path,
		noiseStatic: noise.StaticKeypair{Private: priv[:], Public: pub[:]},
		nostrKey:    nostrKey,
		signPriv:    signPriv,
		signPub:     signPub,
		fingerprint: protocol.FingerprintFromBytes(sha256Sum(pub[:])),
	}, nil
}

func fromKeyFile(path string, kf keyFile) (*IdentityStore, error) {
	if len(kf.NoiseStaticPrivate) != 32 || len(kf.NoiseStaticPublic) != 32 {
		return nil, bcerr.New(bcerr.KindInvalidKeyLength, "stored noise static key malformed")
	}
	nostrKey, _ := btcec.PrivKeyFromBytes(kf.NostrPrivate)
	if nostrKey == nil {
		return nil, bcerr.New(bcerr.KindInvalidKeyLength, "stored nostr key malformed")
	}
	return &IdentityStore{
		path: path,
		noiseStatic: noise.StaticKeypair{
			Private: kf.NoiseStaticPrivate,
			Public:  kf.NoiseStaticPublic,
		},
		nostrKey:    nostrKey,
		signPriv:    kf.SigningPrivate,
		signPub:     kf.SigningPublic,
		fingerprint: protocol.FingerprintFromBytes(sha256Sum(kf.NoiseStaticPublic)),
	}, nil
}

func (s *IdentityStore) save() error {
	if s.path == "" {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return bcerr.Wrap(bcerr.KindUnknown, "create identity directory", err)
		}
	}
	kf := keyFile{
		NoiseStaticPrivate: s.noiseStatic.Private,
		NoiseStaticPublic:  s.noiseStatic.Public,
		NostrPrivate:       s.nostrKey.Serialize(),
		SigningPrivate:     s.signPriv,
		SigningPublic:      s.signPub,
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return bcerr.Wrap(bcerr.KindUnknown, "marshal identity file", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return bcerr.Wrap(bcerr.KindUnknown, "write identity file", err)
	}
	return nil
}

// NoiseStatic returns the Noise static keypair used for the XX
// handshake (spec.md §4.3).
func (s *IdentityStore) NoiseStatic() noise.StaticKeypair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noiseStatic
}

// NostrPrivateKey returns the secp256k1 key used to address and decrypt
// relay events (spec.md §4.7).
func (s *IdentityStore) NostrPrivateKey() *btcec.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nostrKey
}

// NostrPublicKeyHex returns the hex-encoded x-only public key Nostr
// events are tagged with, per NIP-01 convention.
func (s *IdentityStore) NostrPublicKeyHex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%x", s.nostrKey.PubKey().SerializeCompressed()[1:])
}

// Sign signs data with the local Announce-signing key (SPEC_FULL.md §11:
// "ed25519 retained for local signing of Announce payloads").
func (s *IdentityStore) Sign(data []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ed25519.Sign(s.signPriv, data)
}

// VerifyPeer verifies a signature made by a peer's signing public key.
func VerifyPeer(signingPub, data, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingPub, data, sig)
}

// Fingerprint returns the local long-term identity fingerprint (spec.md
// §3: full SHA-256 of the Noise static public key).
func (s *IdentityStore) Fingerprint() protocol.Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
