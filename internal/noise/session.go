// Package noise implements the Noise-XX secure channel (spec.md §4.3):
// a 3-message Curve25519/ChaCha20-Poly1305/SHA-256 handshake, per-peer
// session lifecycle, and the replay-protected transport cipher.
package noise

import (
	"bytes"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

// cipherSuite is fixed by spec.md §4.3: Curve25519 DH, ChaCha20-Poly1305
// AEAD, SHA-256 hashing.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Prologue is mixed into the handshake hash before any message is
// exchanged, binding both sides to the same application and wire
// version (spec.md §4.3).
func Prologue(appID string, version uint8) []byte {
	return append([]byte(appID), version)
}

// Role is which side of the XX pattern a session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is the per-peer Noise session lifecycle (spec.md §4.3).
type State int

const (
	StateNone State = iota
	StateHandshakeInProgress
	StateEstablished
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshakeInProgress:
		return "handshake_in_progress"
	case StateEstablished:
		return "established"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DefaultHandshakeTimeout is the deadline a handshake must complete
// within (spec.md §4.6).
const DefaultHandshakeTimeout = 10 * time.Second

// Session holds the Noise state for one remote peer.
type Session struct {
	mu sync.Mutex

	role  Role
	state State

	hs *noise.HandshakeState

	// send/recv are the split transport ciphers with automatic nonce
	// management relinquished via CipherState.Cipher(): the wire carries
	// an explicit nonce per spec.md §3 ("nonces are strictly
	// monotonically increasing per direction"), so the session tracks
	// its own sendNonce counter and the receive side is handed whatever
	// nonce arrived on the packet, rather than trusting the two
	// CipherStates' independent internal counters to stay in lockstep.
	send noise.Cipher
	recv noise.Cipher

	sendNonce uint64

	replay *ReplayWindow

	peerStatic []byte
	createdAt  time.Time
	lastActive time.Time
}

// StaticKeypair is the local long-term Curve25519 keypair used as the
// Noise static key.
type StaticKeypair struct {
	Private []byte
	Public  []byte
}

// NewInitiator starts a session in the initiator role, producing the
// first handshake message ("e").
func NewInitiator(local StaticKeypair, prologue []byte) (*Session, []byte, error) {
	return newSession(RoleInitiator, local, prologue, nil)
}

// NewResponder starts a session in the responder role from the
// initiator's first message, producing the second handshake message
// ("e, ee, s, es").
func NewResponder(local StaticKeypair, prologue []byte, firstMessage []byte) (*Session, []byte, error) {
	return newSession(RoleResponder, local, prologue, firstMessage)
}

func newSession(role Role, local StaticKeypair, prologue []byte, firstMessage []byte) (*Session, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == RoleInitiator,
		StaticKeypair: noise.DHKey{Private: local.Private, Public: local.Public},
		Prologue:      prologue,
	})
	if err != nil {
		return nil, nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "initialize handshake state", err)
	}

	s := &Session{
		role:       role,
		state:      StateHandshakeInProgress,
		hs:         hs,
		createdAt:  time.Now(),
		lastActive: time.Now(),
	}

	if role == RoleInitiator {
		out, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "write message 1", err)
		}
		return s, out, nil
	}

	if _, _, _, err := hs.ReadMessage(nil, firstMessage); err != nil {
		return nil, nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "read message 1", err)
	}
	out, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "write message 2", err)
	}
	return s, out, nil
}

// Advance feeds the next inbound handshake message into the session and
// returns the session's own next outbound message, if any (empty once
// the handshake is complete from this side).
func (s *Session) Advance(message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHandshakeInProgress {
		return nil, bcerr.New(bcerr.KindHandshakeFailed, "session not mid-handshake")
	}

	if s.role == RoleInitiator {
		// message 2: "e, ee, s, es" from responder.
		if _, _, _, err := s.hs.ReadMessage(nil, message); err != nil {
			s.state = StateDead
			return nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "read message 2", err)
		}

		out, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
		if err != nil {
			s.state = StateDead
			return nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "write message 3", err)
		}
		s.peerStatic = append([]byte(nil), s.hs.PeerStatic()...)
		s.complete(cs1, cs2)
		return out, nil
	}

	// Responder, message 3: "s, se".
	_, cs1, cs2, err := s.hs.ReadMessage(nil, message)
	if err != nil {
		s.state = StateDead
		return nil, bcerr.Wrap(bcerr.KindHandshakeFailed, "read message 3", err)
	}
	s.peerStatic = append([]byte(nil), s.hs.PeerStatic()...)
	s.complete(cs1, cs2)
	return nil, nil
}

// complete assigns the split transport ciphers. Per the Noise XX split,
// cs1 encrypts initiator->responder, cs2 encrypts responder->initiator.
// Must be called with s.mu held.
func (s *Session) complete(cs1, cs2 *noise.CipherState) {
	if s.role == RoleInitiator {
		s.send, s.recv = cs1.Cipher(), cs2.Cipher()
	} else {
		s.send, s.recv = cs2.Cipher(), cs1.Cipher()
	}
	s.sendNonce = 0
	s.replay = NewReplayWindow(DefaultReplayWindowSize)
	s.state = StateEstablished
	s.lastActive = time.Now()
	logrus.WithFields(logrus.Fields{
		"component": "noise",
		"role":      s.role,
	}).Info("handshake established")
}

// PeerStatic returns the remote side's static public key, available
// once the handshake has progressed far enough to learn it.
func (s *Session) PeerStatic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.peerStatic...)
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kill transitions the session to Dead, e.g. on explicit Leave,
// authentication failure, or idle timeout (spec.md §3 lifecycles).
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDead
	s.send = nil
	s.recv = nil
}

// Encrypt seals plaintext for transport once the session is Established,
// returning both the ciphertext and the nonce it was sealed under. The
// caller must carry that nonce alongside the ciphertext on the wire —
// the peer's Decrypt needs the exact same value to open it (spec.md §3:
// "nonces are strictly monotonically increasing per direction").
func (s *Session) Encrypt(plaintext, ad []byte) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, 0, bcerr.New(bcerr.KindAuthenticationFailed, "session not established")
	}
	nonce := s.sendNonce
	out := s.send.Encrypt(nil, nonce, ad, plaintext)
	s.sendNonce++
	s.lastActive = time.Now()
	return out, nonce, nil
}

// Decrypt opens an inbound transport message at the given nonce,
// enforcing the replay window (spec.md §4.3, §3 invariants).
func (s *Session) Decrypt(nonce uint64, ciphertext, ad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, bcerr.New(bcerr.KindAuthenticationFailed, "session not established")
	}
	if !s.replay.Check(nonce) {
		return nil, bcerr.New(bcerr.KindReplayDetected, "nonce outside replay window or already seen").WithField("nonce", nonce)
	}

	plaintext, err := s.recv.Decrypt(nil, nonce, ad, ciphertext)
	if err != nil {
		s.state = StateDead
		return nil, bcerr.Wrap(bcerr.KindAuthenticationFailed, "decrypt transport message", err)
	}
	s.replay.Accept(nonce)
	s.lastActive = time.Now()
	return plaintext, nil
}

// IdleSince reports how long the session has been without traffic.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// ResolveInitiator implements the tie-break rule for simultaneous
// handshake initiations (spec.md §4.3 / SPEC_FULL.md §9): the
// lexicographically greater static public key becomes initiator.
func ResolveInitiator(localStatic, remoteStatic []byte) Role {
	if bytes.Compare(localStatic, remoteStatic) > 0 {
		return RoleInitiator
	}
	return RoleResponder
}
