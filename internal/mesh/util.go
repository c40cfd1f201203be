package mesh

import (
	"crypto/sha256"
	mathrand "math/rand"
)

// randFloat returns a pseudo-random value in [0,1) for cover-traffic
// decisions. Cover traffic is a mimicry defense, not a cryptographic
// one, so math/rand is sufficient here (SPEC_FULL.md §12).
func randFloat() float64 { return mathrand.Float64() }

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
