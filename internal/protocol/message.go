package protocol

import (
	"encoding/json"

	"github.com/bitchat-mesh/bitchat/pkg/utils"
)

// FileTransferPayload is carried inside a MessageTypeFileTransfer
// packet's Noise-encrypted inner payload (spec.md §4.10): file bytes
// plus the metadata the Pending File Manager surfaces to the host
// application. Content is LZ4-compressed opportunistically, mirroring
// the teacher's CompressionService (pkg/utils/compression.go).
type FileTransferPayload struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	Content    []byte `json:"content"`
	Compressed bool   `json:"compressed"`
	IsPrivate  bool   `json:"is_private"`
}

// EncodeFileTransfer compresses content when it is worth it and
// serializes the resulting FileTransferPayload.
func EncodeFileTransfer(fileName, mimeType string, content []byte, isPrivate bool) ([]byte, error) {
	body, compressed, err := utils.CompressIfNeeded(content, mimeType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(FileTransferPayload{
		FileName:   fileName,
		MimeType:   mimeType,
		Content:    body,
		Compressed: compressed,
		IsPrivate:  isPrivate,
	})
}

// DecodeFileTransfer parses a FileTransferPayload and decompresses its
// content if needed.
func DecodeFileTransfer(data []byte) (FileTransferPayload, error) {
	var p FileTransferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	if p.Compressed {
		content, err := utils.DecompressData(p.Content)
		if err != nil {
			return p, err
		}
		p.Content = content
		p.Compressed = false
	}
	return p, nil
}

// ApplicationMessage is the payload carried inside a MessageTypeMessage
// or MessageTypePrivateMessage packet: user-facing chat content, as
// opposed to the raw wire Packet that carries it.
type ApplicationMessage struct {
	ID          string `json:"id"`
	SenderID    PeerID `json:"sender_id"`
	Nickname    string `json:"nickname"`
	Content     string `json:"content"`
	Timestamp   uint64 `json:"timestamp"`
	Channel     string `json:"channel,omitempty"`
	IsPrivate   bool   `json:"is_private"`
	Compressed  bool   `json:"compressed"`
}

// MessageToBytes serializes an ApplicationMessage for embedding in a
// Packet's Payload.
func MessageToBytes(m *ApplicationMessage) ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromBytes parses an ApplicationMessage out of a Packet's
// Payload.
func MessageFromBytes(data []byte) (*ApplicationMessage, error) {
	var m ApplicationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeAnnounce serializes an AnnouncePayload.
func EncodeAnnounce(a AnnouncePayload) ([]byte, error) { return json.Marshal(a) }

// DecodeAnnounce parses an AnnouncePayload.
func DecodeAnnounce(data []byte) (AnnouncePayload, error) {
	var a AnnouncePayload
	err := json.Unmarshal(data, &a)
	return a, err
}

// EncodeFavorite serializes a FavoritePayload.
func EncodeFavorite(f FavoritePayload) ([]byte, error) { return json.Marshal(f) }

// DecodeFavorite parses a FavoritePayload.
func DecodeFavorite(data []byte) (FavoritePayload, error) {
	var f FavoritePayload
	err := json.Unmarshal(data, &f)
	return f, err
}

// EncodeDeliveryAck serializes a DeliveryAck.
func EncodeDeliveryAck(a DeliveryAck) ([]byte, error) { return json.Marshal(a) }

// DecodeDeliveryAck parses a DeliveryAck.
func DecodeDeliveryAck(data []byte) (DeliveryAck, error) {
	var a DeliveryAck
	err := json.Unmarshal(data, &a)
	return a, err
}

// EncodeReadReceipt serializes a ReadReceipt.
func EncodeReadReceipt(r ReadReceipt) ([]byte, error) { return json.Marshal(r) }

// DecodeReadReceipt parses a ReadReceipt.
func DecodeReadReceipt(data []byte) (ReadReceipt, error) {
	var r ReadReceipt
	err := json.Unmarshal(data, &r)
	return r, err
}
