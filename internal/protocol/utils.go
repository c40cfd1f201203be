package protocol

// MessageToPacket wraps an ApplicationMessage into an outbound Packet.
// recipient is nil for a public broadcast.
func MessageToPacket(m *ApplicationMessage, ttl uint8, recipient *PeerID) (*Packet, error) {
	payload, err := MessageToBytes(m)
	if err != nil {
		return nil, err
	}
	msgType := MessageTypeMessage
	if m.IsPrivate {
		msgType = MessageTypePrivateMessage
	}
	return NewPacket(msgType, ttl, m.SenderID, recipient, payload), nil
}

// PacketToMessage extracts the ApplicationMessage carried by a decoded
// Packet of type Message or PrivateMessage.
func PacketToMessage(p *Packet) (*ApplicationMessage, error) {
	return MessageFromBytes(p.Payload)
}
