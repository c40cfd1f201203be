package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

// SignatureSize is the fixed width of an optional packet signature
// (spec.md §3: "signature: [u8;64]?").
const SignatureSize = 64

// minHeaderSize is version+type+ttl+timestamp+senderID+hasRecipient+
// payloadLen+hasSignature, the smallest a well-formed encoding can be.
const minHeaderSize = 1 + 1 + 1 + 8 + PeerIDSize + 1 + 2 + 1

// Encode serializes a Packet using the layout fixed in spec.md §4.1:
//
//	version | type | ttl | timestamp(8) | senderID(8) | hasRecipient(1) |
//	recipientID(8 if present) | payloadLen(u16) | payload |
//	hasSignature(1) | signature(64 if present) | [padding]
//
// When pad is true the result is grown to the next bucket in
// PaddingBuckets with random bytes and a trailing 2-byte original-length
// marker; packets that do not fit any bucket are left unpadded.
func Encode(p *Packet, pad bool) ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, bcerr.New(bcerr.KindMalformedPacket, "payload exceeds u16 length field")
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(p.Version)
	buf.WriteByte(byte(p.Type))
	buf.WriteByte(p.TTL)
	binary.Write(buf, binary.BigEndian, p.Timestamp)
	buf.Write(p.SenderID[:])

	if p.RecipientID != nil {
		buf.WriteByte(1)
		buf.Write(p.RecipientID[:])
	} else {
		buf.WriteByte(0)
	}

	binary.Write(buf, binary.BigEndian, uint16(len(p.Payload)))
	buf.Write(p.Payload)

	if p.Signature != nil {
		if len(p.Signature) != SignatureSize {
			return nil, bcerr.New(bcerr.KindMalformedPacket, "signature must be 64 bytes")
		}
		buf.WriteByte(1)
		buf.Write(p.Signature)
	} else {
		buf.WriteByte(0)
	}

	out := buf.Bytes()
	if !pad {
		return out, nil
	}
	return padToBucket(out)
}

// padToBucket grows data to the smallest PaddingBuckets entry that fits
// data plus a 2-byte trailer recording the original length; data that
// does not fit any bucket (even with the trailer) is returned unpadded.
func padToBucket(data []byte) ([]byte, error) {
	originalLen := len(data)
	needed := originalLen + 2
	for _, bucket := range PaddingBuckets {
		if needed <= bucket {
			padded := make([]byte, bucket)
			copy(padded, data)
			if _, err := rand.Read(padded[originalLen : bucket-2]); err != nil {
				return nil, err
			}
			binary.BigEndian.PutUint16(padded[bucket-2:], uint16(originalLen))
			return padded, nil
		}
	}
	return data, nil
}

// unpadFromBucket reverses padToBucket when data's length matches one of
// PaddingBuckets; data from an unpadded or over-bucket encoding is
// returned unchanged.
func unpadFromBucket(data []byte) []byte {
	for _, bucket := range PaddingBuckets {
		if len(data) != bucket {
			continue
		}
		originalLen := binary.BigEndian.Uint16(data[bucket-2:])
		if int(originalLen) > bucket-2 {
			return data
		}
		return data[:originalLen]
	}
	return data
}

// Decode deserializes a Packet, validating every length field before
// slicing so truncated or malicious input never causes an out-of-range
// read.
func Decode(data []byte) (*Packet, error) {
	data = unpadFromBucket(data)

	if len(data) < minHeaderSize {
		return nil, bcerr.New(bcerr.KindMalformedPacket, "truncated header")
	}

	r := bytes.NewReader(data)
	p := &Packet{}

	version, _ := r.ReadByte()
	p.Version = version
	if p.Version != CurrentVersion {
		return nil, bcerr.New(bcerr.KindUnknownVersion, "unsupported packet version").WithField("version", version)
	}

	msgType, _ := r.ReadByte()
	p.Type = MessageType(msgType)
	if !isKnownType(p.Type) {
		return nil, bcerr.New(bcerr.KindUnsupportedType, "unrecognized message type").WithField("type", msgType)
	}

	ttl, _ := r.ReadByte()
	p.TTL = ttl

	if err := binary.Read(r, binary.BigEndian, &p.Timestamp); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated timestamp", err)
	}

	if _, err := io.ReadFull(r, p.SenderID[:]); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated senderID", err)
	}

	hasRecipient, _ := r.ReadByte()
	if hasRecipient == 1 {
		var rid PeerID
		if _, err := io.ReadFull(r, rid[:]); err != nil {
			return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated recipientID", err)
		}
		p.RecipientID = &rid
	}

	var payloadLen uint16
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated payload length", err)
	}
	if r.Len() < int(payloadLen) {
		return nil, bcerr.New(bcerr.KindMalformedPacket, "truncated payload")
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated payload", err)
		}
	}

	hasSignature, err := r.ReadByte()
	if err != nil {
		return nil, bcerr.New(bcerr.KindMalformedPacket, "truncated header")
	}
	if hasSignature == 1 {
		if r.Len() < SignatureSize {
			return nil, bcerr.New(bcerr.KindMalformedPacket, "truncated signature")
		}
		p.Signature = make([]byte, SignatureSize)
		if _, err := io.ReadFull(r, p.Signature); err != nil {
			return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "truncated signature", err)
		}
	}

	return p, nil
}

func isKnownType(t MessageType) bool {
	switch t {
	case MessageTypeAnnounce, MessageTypeMessage, MessageTypePrivateMessage,
		MessageTypeFileTransfer, MessageTypeDeliveryAck, MessageTypeReadReceipt,
		MessageTypeFragment, MessageTypeNoiseHandshakeInit, MessageTypeNoiseHandshakeResp,
		MessageTypeNoiseTransport, MessageTypeFavorite, MessageTypeLeave:
		return true
	default:
		return false
	}
}

// PacketDataForSignature returns the canonical header+payload bytes a
// Packet's Signature is computed over (everything except the signature
// itself).
func PacketDataForSignature(p *Packet) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(p.Version)
	buf.WriteByte(byte(p.Type))
	buf.WriteByte(p.TTL)
	binary.Write(buf, binary.BigEndian, p.Timestamp)
	buf.Write(p.SenderID[:])
	if p.RecipientID != nil {
		buf.WriteByte(1)
		buf.Write(p.RecipientID[:])
	} else {
		buf.WriteByte(0)
	}
	buf.Write(p.Payload)
	return buf.Bytes()
}
