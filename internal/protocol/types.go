package protocol

import (
	"encoding/hex"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

// MessageType is the single-byte wire discriminator for a Packet's
// payload shape (spec.md §3).
type MessageType uint8

const (
	MessageTypeAnnounce           MessageType = 0x01
	MessageTypeMessage            MessageType = 0x02
	MessageTypePrivateMessage     MessageType = 0x03
	MessageTypeFileTransfer       MessageType = 0x04
	MessageTypeDeliveryAck        MessageType = 0x05
	MessageTypeReadReceipt        MessageType = 0x06
	MessageTypeFragment           MessageType = 0x07
	MessageTypeNoiseHandshakeInit MessageType = 0x08
	MessageTypeNoiseHandshakeResp MessageType = 0x09
	MessageTypeNoiseTransport     MessageType = 0x0A
	MessageTypeFavorite           MessageType = 0x0B
	MessageTypeLeave              MessageType = 0x0C
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAnnounce:
		return "Announce"
	case MessageTypeMessage:
		return "Message"
	case MessageTypePrivateMessage:
		return "PrivateMessage"
	case MessageTypeFileTransfer:
		return "FileTransfer"
	case MessageTypeDeliveryAck:
		return "DeliveryAck"
	case MessageTypeReadReceipt:
		return "ReadReceipt"
	case MessageTypeFragment:
		return "Fragment"
	case MessageTypeNoiseHandshakeInit:
		return "NoiseHandshakeInit"
	case MessageTypeNoiseHandshakeResp:
		return "NoiseHandshakeResp"
	case MessageTypeNoiseTransport:
		return "NoiseTransport"
	case MessageTypeFavorite:
		return "Favorite"
	case MessageTypeLeave:
		return "Leave"
	default:
		return "Unknown"
	}
}

// PeerIDSize is the fixed byte width of a PeerID (spec.md §3).
const PeerIDSize = 8

// FingerprintSize is the fixed byte width of a Fingerprint (spec.md §3).
const FingerprintSize = 32

// PeerID identifies a node for the lifetime of a session; it is usually
// derived as a prefix of the Noise static public key hash.
type PeerID [PeerIDSize]byte

// String renders the PeerID as 16 lowercase hex characters.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether p is the all-zero sentinel value.
func (p PeerID) IsZero() bool { return p == PeerID{} }

// PeerIDFromBytes copies up to PeerIDSize bytes of b into a PeerID,
// zero-padding short input.
func PeerIDFromBytes(b []byte) PeerID {
	var p PeerID
	copy(p[:], b)
	return p
}

// PeerIDFromHex parses the 16-character lowercase hex form produced by
// PeerID.String back into a PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, bcerr.Wrap(bcerr.KindMalformedPacket, "decode peer id hex", err)
	}
	if len(b) != PeerIDSize {
		return PeerID{}, bcerr.New(bcerr.KindMalformedPacket, "peer id must be 8 bytes").WithField("length", len(b))
	}
	return PeerIDFromBytes(b), nil
}

// BroadcastRecipient is the sentinel recipient meaning "deliver to
// everyone" (all 0xFF, spec.md §3 distinguishes it from the absent /
// all-zero recipient used for unaddressed broadcast).
var BroadcastRecipient = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Fingerprint is the full hash of a long-term identity key; stable
// across sessions, rendered as 64 hex characters.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// FingerprintFromBytes copies up to FingerprintSize bytes of b into a
// Fingerprint, zero-padding short input.
func FingerprintFromBytes(b []byte) Fingerprint {
	var f Fingerprint
	copy(f[:], b)
	return f
}

// Packet is the wire unit described in spec.md §3.
type Packet struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	Timestamp   uint64 // milliseconds since epoch, sender-stamped
	SenderID    PeerID
	RecipientID *PeerID // nil for broadcast
	Payload     []byte
	Signature   []byte // optional, over canonical header+payload; nil if absent
}

// NewPacket builds a Packet with the current version and a
// caller-supplied TTL.
func NewPacket(msgType MessageType, ttl uint8, sender PeerID, recipient *PeerID, payload []byte) *Packet {
	return &Packet{
		Version:     CurrentVersion,
		Type:        msgType,
		TTL:         ttl,
		SenderID:    sender,
		RecipientID: recipient,
		Payload:     payload,
	}
}

// NewBroadcastPacket builds a Packet with no recipient (mesh-wide
// delivery).
func NewBroadcastPacket(msgType MessageType, ttl uint8, sender PeerID, payload []byte) *Packet {
	return NewPacket(msgType, ttl, sender, nil, payload)
}

// DeliveryStatus tracks the lifecycle of an outbound application
// message, surfaced to the host application (not part of the wire
// format).
type DeliveryStatus int

const (
	DeliveryStatusSending DeliveryStatus = iota
	DeliveryStatusSent
	DeliveryStatusDelivered
	DeliveryStatusRead
	DeliveryStatusFailed
	DeliveryStatusPartiallyDelivered
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryStatusSending:
		return "sending"
	case DeliveryStatusSent:
		return "sent"
	case DeliveryStatusDelivered:
		return "delivered"
	case DeliveryStatusRead:
		return "read"
	case DeliveryStatusFailed:
		return "failed"
	case DeliveryStatusPartiallyDelivered:
		return "partially_delivered"
	default:
		return "unknown"
	}
}

// DeliveryInfo carries the detail behind a DeliveryStatus transition.
type DeliveryInfo struct {
	Status     DeliveryStatus
	Timestamp  uint64
	Attempts   int
	Error      string
	FailReason string
}

// DeliveryAck is the payload carried by a MessageTypeDeliveryAck packet.
type DeliveryAck struct {
	OriginalMessageID string
	AckID             string
	RecipientID       string
	RecipientNickname string
	Timestamp         uint64
	HopCount          uint8
}

// ReadReceipt is the payload carried by a MessageTypeReadReceipt packet.
type ReadReceipt struct {
	OriginalMessageID string
	ReceiptID         string
	ReaderID          string
	ReaderNickname    string
	Timestamp         uint64
}

// AnnouncePayload is carried by a MessageTypeAnnounce packet: the
// sender's identity as consumed by the mesh peer table (SPEC_FULL
// §12).
type AnnouncePayload struct {
	PeerID          PeerID
	Nickname        string
	NoiseStaticKey  []byte // 32-byte Curve25519 public key
}

// FavoritePayload is carried by a MessageTypeFavorite packet.
type FavoritePayload struct {
	IsFavorite bool
}
