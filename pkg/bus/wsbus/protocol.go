// Package wsbus carries the bus contract over WebSocket connections. A Hub
// embeds a local in-process bus and relays published payloads to connected
// clients, so in-process subscribers and remote ones share one notification
// domain. Delivery to remote subscribers is best-effort: frames queued for a
// disconnected client are dropped.
package wsbus

import "encoding/json"

// ProtocolVersion is the frame protocol spoken on the wire. Hub and client
// refuse peers with a different major version.
const ProtocolVersion = "1.0.0"

const (
	frameHello       = "hello"
	frameWelcome     = "welcome"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameMessage     = "message"
	frameError       = "error"
)

// frame is the single wire message shape. Payload rides as base64 inside the
// JSON encoding.
type frame struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func encodeFrame(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := json.Unmarshal(data, &f)
	return f, err
}
