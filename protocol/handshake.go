package protocol

import (
	"crypto/sha1"
	"encoding/base64"
)

// Literal first lines and markers used during transport negotiation.
const (
	StreamPreamble   = "SignalGo-Stream/4.0\r\n" // secondary stream-transfer connection
	OneWayPreamble   = "SignalGo-OneWay/4.0\r\n" // single call on a dedicated connection
	DuplexPreamble   = "SignalGo/4.0\r\n"        // plain duplex connection
	HTTPDuplexMarker = "SignalGoHttpDuplex"      // duplex over an HTTP-looking request
	WebSocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	WebSocketKey     = "Sec-WebSocket-Key"
)

// Stream transfer direction bytes, written right after StreamPreamble.
const (
	DirectionUpload   byte = 0
	DirectionDownload byte = 1
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}
