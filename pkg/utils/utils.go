package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// GenerateRandomID returns length cryptographically random bytes.
func GenerateRandomID(length int) []byte {
	id := make([]byte, length)
	if _, err := rand.Read(id); err != nil {
		panic(err) // crypto/rand failing means the platform's RNG is broken
	}
	return id
}

// GenerateMessageID returns a 16-byte hex identifier for a freshly
// originated application message.
func GenerateMessageID() string {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(randomBytes)
}

// ByteArraysEqual reports whether a and b hold identical bytes.
func ByteArraysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RandomInt returns a uniform random integer in [0, max).
func RandomInt(max int) int {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(err)
	}
	return int(n.Int64())
}

// Hash returns the hex-encoded SHA-256 digest of data.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
