package noise

import (
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
)

func genStatic(t *testing.T) StaticKeypair {
	t.Helper()
	kp, err := noise.DH25519.GenerateKeypair(nil)
	require.NoError(t, err)
	return StaticKeypair{Private: kp.Private, Public: kp.Public}
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	prologue := Prologue("bitchat", 2)

	aStatic := genStatic(t)
	bStatic := genStatic(t)

	initiator, msg1, err := NewInitiator(aStatic, prologue)
	require.NoError(t, err)

	responder, msg2, err := NewResponder(bStatic, prologue, msg1)
	require.NoError(t, err)

	msg3, err := initiator.Advance(msg2)
	require.NoError(t, err)
	require.NotEmpty(t, msg3)

	_, err = responder.Advance(msg3)
	require.NoError(t, err)

	require.Equal(t, StateEstablished, initiator.State())
	require.Equal(t, StateEstablished, responder.State())

	plaintext := []byte("hello over the wire")
	ciphertext, nonce, err := initiator.Encrypt(plaintext, nil)
	require.NoError(t, err)
	require.Zero(t, nonce, "first transport message must be sealed under nonce 0")

	opened, err := responder.Decrypt(nonce, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// A second message advances the sender's nonce counter; the
	// receiver must be handed that same nonce to open it, not its own
	// independent counter (the bug this test would have caught: an
	// out-of-band nonce, e.g. a wall-clock timestamp, never matching the
	// CipherState's sequential counter).
	second, nonce2, err := initiator.Encrypt([]byte("second message"), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce2)
	opened2, err := responder.Decrypt(nonce2, second, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("second message"), opened2)
}

func TestHandshakeReplayRejected(t *testing.T) {
	prologue := Prologue("bitchat", 2)
	aStatic := genStatic(t)
	bStatic := genStatic(t)

	initiator, msg1, err := NewInitiator(aStatic, prologue)
	require.NoError(t, err)
	responder, msg2, err := NewResponder(bStatic, prologue, msg1)
	require.NoError(t, err)
	msg3, err := initiator.Advance(msg2)
	require.NoError(t, err)
	_, err = responder.Advance(msg3)
	require.NoError(t, err)

	ciphertext, nonce, err := initiator.Encrypt([]byte("one"), nil)
	require.NoError(t, err)
	_, err = responder.Decrypt(nonce, ciphertext, nil)
	require.NoError(t, err)

	_, err = responder.Decrypt(nonce, ciphertext, nil)
	require.Error(t, err)
}

func TestResolveInitiatorTieBreak(t *testing.T) {
	low := []byte{0x01}
	high := []byte{0x02}
	if ResolveInitiator(low, high) != RoleResponder {
		t.Fatal("lower static key must become responder")
	}
	if ResolveInitiator(high, low) != RoleInitiator {
		t.Fatal("higher static key must become initiator")
	}
}
