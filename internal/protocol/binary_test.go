package protocol

import (
	"bytes"
	"testing"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/stretchr/testify/require"
)

func mustPeerID(s string) PeerID {
	var p PeerID
	copy(p[:], s)
	return p
}

func TestEncodeDecodeRoundTripBroadcast(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), []byte("hello mesh"))
	original.Timestamp = 1234567890

	encoded, err := Encode(original, false)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, original.Version, decoded.Version)
	require.Equal(t, original.Type, decoded.Type)
	require.Equal(t, original.TTL, decoded.TTL)
	require.Equal(t, original.Timestamp, decoded.Timestamp)
	require.Equal(t, original.SenderID, decoded.SenderID)
	require.Nil(t, decoded.RecipientID)
	require.True(t, bytes.Equal(original.Payload, decoded.Payload))
	require.Nil(t, decoded.Signature)
}

func TestEncodeDecodeRoundTripDirectedWithSignature(t *testing.T) {
	recipient := mustPeerID("recipient")
	original := NewPacket(MessageTypePrivateMessage, 5, mustPeerID("sender-1"), &recipient, []byte("private payload"))
	original.Timestamp = 42
	original.Signature = bytes.Repeat([]byte{0xAB}, SignatureSize)

	encoded, err := Encode(original, false)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.NotNil(t, decoded.RecipientID)
	require.Equal(t, *original.RecipientID, *decoded.RecipientID)
	require.True(t, bytes.Equal(original.Signature, decoded.Signature))
}

func TestEncodePadsToBucketAndDecodeStrips(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), []byte("short"))

	padded, err := Encode(original, true)
	require.NoError(t, err)

	found := false
	for _, bucket := range PaddingBuckets {
		if len(padded) == bucket {
			found = true
			break
		}
	}
	require.True(t, found, "padded length %d must match a padding bucket", len(padded))

	decoded, err := Decode(padded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(original.Payload, decoded.Payload))
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{CurrentVersion, byte(MessageTypeMessage)})
	require.Error(t, err)
	require.True(t, bcerr.Is(err, bcerr.KindMalformedPacket))
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), []byte("x"))
	encoded, err := Encode(original, false)
	require.NoError(t, err)

	encoded[0] = CurrentVersion + 1
	_, err = Decode(encoded)
	require.Error(t, err)
	require.True(t, bcerr.Is(err, bcerr.KindUnknownVersion))
}

func TestDecodeRejectsUnsupportedType(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), []byte("x"))
	encoded, err := Encode(original, false)
	require.NoError(t, err)

	encoded[1] = 0xEE
	_, err = Decode(encoded)
	require.Error(t, err)
	require.True(t, bcerr.Is(err, bcerr.KindUnsupportedType))
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), []byte("hello"))
	encoded, err := Encode(original, false)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-3])
	require.Error(t, err)
	require.True(t, bcerr.Is(err, bcerr.KindMalformedPacket))
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	original := NewBroadcastPacket(MessageTypeMessage, DefaultTTL, mustPeerID("sender-1"), make([]byte, 0x10000))
	_, err := Encode(original, false)
	require.Error(t, err)
	require.True(t, bcerr.Is(err, bcerr.KindMalformedPacket))
}
