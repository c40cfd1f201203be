package relay

import mathrand "math/rand"

// randFloat returns a pseudo-random value in [0,1) for backoff jitter,
// mirroring internal/mesh's randFloat: jitter is a liveness concern, not
// a cryptographic one, so math/rand is sufficient.
func randFloat() float64 { return mathrand.Float64() }
