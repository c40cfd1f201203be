package noise

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestXChaChaRoundTrip(t *testing.T) {
	key := repeat(0x42, 32)
	nonce := repeat(0x24, 24)
	plaintext := []byte("Hello, XChaCha20-Poly1305!")

	ciphertext, err := SealXChaCha(key, nonce, plaintext, nil)
	require.NoError(t, err)

	opened, err := OpenXChaCha(key, nonce, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestXChaChaTamperDetection(t *testing.T) {
	key := repeat(0x42, 32)
	nonce := repeat(0x24, 24)
	plaintext := []byte("Hello, XChaCha20-Poly1305!")

	ciphertext, err := SealXChaCha(key, nonce, plaintext, nil)
	require.NoError(t, err)

	for i := range ciphertext {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01
		_, err := OpenXChaCha(key, nonce, tampered, nil)
		require.Error(t, err, "flipping byte %d of ciphertext/tag must fail authentication", i)
	}
}

func TestXChaChaRejectsInvalidKeyLength(t *testing.T) {
	_, err := SealXChaCha(repeat(0, 16), repeat(0, 24), []byte("x"), nil)
	require.Error(t, err)
}

func TestXChaChaRejectsInvalidNonceLength(t *testing.T) {
	_, err := SealXChaCha(repeat(0, 32), repeat(0, 12), []byte("x"), nil)
	require.Error(t, err)
}
