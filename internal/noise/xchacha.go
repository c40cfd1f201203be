package noise

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

// XChaChaKeySize and XChaChaNonceSize are the fixed sizes the extended
// nonce primitive requires (spec.md §4.3).
const (
	XChaChaKeySize   = chacha20poly1305.KeySize
	XChaChaNonceSize = chacha20poly1305.NonceSizeX
)

// SealXChaCha encrypts plaintext under a 32-byte key and 24-byte nonce
// using XChaCha20-Poly1305 (spec.md §4.3: HChaCha20 subkey derivation
// from the first 16 bytes of the nonce, then ChaCha20-Poly1305 with the
// remaining 8 nonce bytes padded to 12). Used by the Relay Transport's
// sealed envelope, where the nonce is sampled at random rather than a
// session counter.
func SealXChaCha(key, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(key) != XChaChaKeySize {
		return nil, bcerr.New(bcerr.KindInvalidKeyLength, "xchacha20-poly1305 key must be 32 bytes").
			WithField("expected", XChaChaKeySize).WithField("got", len(key))
	}
	if len(nonce) != XChaChaNonceSize {
		return nil, bcerr.New(bcerr.KindInvalidNonceLength, "xchacha20-poly1305 nonce must be 24 bytes").
			WithField("expected", XChaChaNonceSize).WithField("got", len(nonce))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindAuthenticationFailed, "construct xchacha20-poly1305 aead", err)
	}

	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// OpenXChaCha decrypts and authenticates ciphertext produced by
// SealXChaCha.
func OpenXChaCha(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != XChaChaKeySize {
		return nil, bcerr.New(bcerr.KindInvalidKeyLength, "xchacha20-poly1305 key must be 32 bytes").
			WithField("expected", XChaChaKeySize).WithField("got", len(key))
	}
	if len(nonce) != XChaChaNonceSize {
		return nil, bcerr.New(bcerr.KindInvalidNonceLength, "xchacha20-poly1305 nonce must be 24 bytes").
			WithField("expected", XChaChaNonceSize).WithField("got", len(nonce))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindAuthenticationFailed, "construct xchacha20-poly1305 aead", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindAuthenticationFailed, "authenticate xchacha20-poly1305 ciphertext", err)
	}
	return plaintext, nil
}
