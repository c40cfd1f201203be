package protocol

import "github.com/bitchat-mesh/bitchat/internal/bcerr"

// NoiseInner is the plaintext a NoiseTransport packet's ciphertext
// decrypts to: one more wire-level MessageType plus its own payload,
// so a single Noise transport cipher can carry any of the types that
// are meant to be delivered in confidence (spec.md §4.3, §4.6).
type NoiseInner struct {
	Type    MessageType
	Payload []byte
}

// EncodeNoiseInner serializes a NoiseInner for encryption.
func EncodeNoiseInner(n NoiseInner) []byte {
	out := make([]byte, 1+len(n.Payload))
	out[0] = byte(n.Type)
	copy(out[1:], n.Payload)
	return out
}

// DecodeNoiseInner parses a NoiseInner out of decrypted plaintext.
func DecodeNoiseInner(data []byte) (NoiseInner, error) {
	if len(data) < 1 {
		return NoiseInner{}, bcerr.New(bcerr.KindMalformedPacket, "noise inner payload empty")
	}
	return NoiseInner{
		Type:    MessageType(data[0]),
		Payload: append([]byte(nil), data[1:]...),
	}, nil
}
