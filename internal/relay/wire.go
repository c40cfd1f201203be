package relay

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

// gorillaDialer adapts gorilla/websocket's client Dial into the
// Transport's narrow dialer interface, following the teacher's pattern
// of wrapping third-party connection types behind a small local
// interface for testability (mirrors internal/ble's device.Device1
// wrapping).
type gorillaDialer struct {
	cfg *Config
}

func (d gorillaDialer) Dial(url string) (conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.cfg.DialTimeout}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return gorillaConn{c}, nil
}

// gorillaConn adapts *websocket.Conn to the narrow conn interface.
type gorillaConn struct {
	*websocket.Conn
}

func writeJSON(c conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "marshal relay frame", err)
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// parseRelayFrame decodes a relay's ["EVENT", subscriptionID, event]
// frame (NIP-01) into the embedded event, ignoring OK/EOSE/NOTICE frames
// and any frame shape it does not recognize.
func parseRelayFrame(data []byte) (*relayEvent, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "parse relay frame", err)
	}
	if len(frame) < 2 {
		return nil, nil
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil || label != "EVENT" {
		return nil, nil
	}

	var ev relayEvent
	if err := json.Unmarshal(frame[len(frame)-1], &ev); err != nil {
		return nil, bcerr.Wrap(bcerr.KindMalformedPacket, "parse relay event", err)
	}
	return &ev, nil
}
