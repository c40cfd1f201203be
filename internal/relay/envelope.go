package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// relayEvent is the Nostr wire event shape (NIP-01): an ephemeral-dm
// event's content is the sealed gift wrap, its "k" tag carries the
// sender's Noise static public key so the recipient can derive the same
// shared secret without a server-side directory lookup, and its "p" tag
// addresses the recipient (spec.md §4.7, §6).
type relayEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func (e *relayEvent) tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// envelopeSalt binds the HKDF derivation to this protocol, following the
// teacher's DeriveSharedKey idiom (internal/crypto/encryption.go:
// "hkdf.New(sha256.New, sharedKey, salt, info)").
var envelopeSalt = []byte("bitchat-relay-gift-wrap-v1")

func deriveSharedKey(ecdhSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ecdhSecret, envelopeSalt, nil)
	key := make([]byte, noise.XChaChaKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "derive relay envelope key", err)
	}
	return key, nil
}

// seal produces a signed relayEvent carrying inner, end-to-end encrypted
// for the peer identified by recipientNostrHex / fp's recorded Noise
// static key.
func (t *Transport) seal(fp protocol.Fingerprint, recipientNostrHex string, inner protocol.NoiseInner) (*relayEvent, error) {
	recipientNoisePub, ok := t.dir.NoiseStaticKey(fp)
	if !ok {
		return nil, bcerr.New(bcerr.KindUnreachable, "no noise static key on file for relay peer")
	}

	var localPriv [32]byte
	copy(localPriv[:], t.local.noiseStaticPriv())
	shared, err := curve25519.X25519(localPriv[:], recipientNoisePub)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "compute relay ecdh secret", err)
	}
	key, err := deriveSharedKey(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, noise.XChaChaNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "generate relay nonce", err)
	}

	plaintext := protocol.EncodeNoiseInner(inner)
	ciphertext, err := noise.SealXChaCha(key, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}

	content := hex.EncodeToString(nonce) + hex.EncodeToString(ciphertext)

	ev := &relayEvent{
		PubKey:    t.local.nostrPubHex(),
		CreatedAt: t.clk.Now().Unix(),
		Kind:      EphemeralDMKind,
		Tags: [][]string{
			{"p", recipientNostrHex},
			{"k", hex.EncodeToString(t.local.noiseStaticPub())},
		},
		Content: content,
	}
	ev.ID = computeEventID(ev)

	priv, _ := btcec.PrivKeyFromBytes(t.local.nostrPriv())
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "decode event id", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnknown, "sign relay event", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())

	return ev, nil
}

// open decrypts a received relayEvent back into a NoiseInner, verifying
// its schnorr signature first.
func (t *Transport) open(ev *relayEvent) (protocol.NoiseInner, error) {
	if err := verifyEvent(ev); err != nil {
		return protocol.NoiseInner{}, err
	}

	senderNoiseHex, ok := ev.tag("k")
	if !ok {
		return protocol.NoiseInner{}, bcerr.New(bcerr.KindMalformedPacket, "relay event missing sender key tag")
	}
	senderNoisePub, err := hex.DecodeString(senderNoiseHex)
	if err != nil || len(senderNoisePub) != 32 {
		return protocol.NoiseInner{}, bcerr.New(bcerr.KindMalformedPacket, "relay event sender key malformed")
	}

	var localPriv [32]byte
	copy(localPriv[:], t.local.noiseStaticPriv())
	shared, err := curve25519.X25519(localPriv[:], senderNoisePub)
	if err != nil {
		return protocol.NoiseInner{}, bcerr.Wrap(bcerr.KindUnknown, "compute relay ecdh secret", err)
	}
	key, err := deriveSharedKey(shared)
	if err != nil {
		return protocol.NoiseInner{}, err
	}

	raw, err := hex.DecodeString(ev.Content)
	if err != nil || len(raw) < noise.XChaChaNonceSize {
		return protocol.NoiseInner{}, bcerr.New(bcerr.KindMalformedPacket, "relay event content malformed")
	}
	nonce, ciphertext := raw[:noise.XChaChaNonceSize], raw[noise.XChaChaNonceSize:]

	plaintext, err := noise.OpenXChaCha(key, nonce, ciphertext, nil)
	if err != nil {
		return protocol.NoiseInner{}, err
	}
	return protocol.DecodeNoiseInner(plaintext)
}

// computeEventID hashes the event's canonical NIP-01 serialization
// array: [0, pubkey, created_at, kind, tags, content].
func computeEventID(ev *relayEvent) string {
	arr := []interface{}{0, ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content}
	data, _ := json.Marshal(arr)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verifyEvent(ev *relayEvent) error {
	wantID := computeEventID(ev)
	if wantID != ev.ID {
		return bcerr.New(bcerr.KindAuthenticationFailed, "relay event id mismatch")
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "decode relay event pubkey", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "parse relay event pubkey", err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "decode relay event signature", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "parse relay event signature", err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "decode relay event id", err)
	}
	if !sig.Verify(idBytes, pub) {
		return bcerr.New(bcerr.KindAuthenticationFailed, "relay event signature invalid")
	}
	return nil
}
