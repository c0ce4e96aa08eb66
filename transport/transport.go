// Package transport turns accepted and dialed sockets into frame connections.
//
// Every variant that carries duplex traffic (plain, HTTP-duplex and
// WebSocket) is exposed as a FrameConn so the dispatch layer never sees how
// frames are delimited on the wire. Stream-transfer, one-way and plain HTTP
// connections are handed back raw after negotiation.
package transport

import (
	"net"

	"duplex-rpc/protocol"
	"duplex-rpc/security"
)

// Variant is the protocol governing a connection after negotiation.
type Variant int

const (
	PlainDuplex Variant = iota
	WebSocket
	HTTPDuplex
	OneWay
	StreamTransfer
	HTTP
)

func (v Variant) String() string {
	switch v {
	case PlainDuplex:
		return "plain-duplex"
	case WebSocket:
		return "websocket"
	case HTTPDuplex:
		return "http-duplex"
	case OneWay:
		return "one-way"
	case StreamTransfer:
		return "stream-transfer"
	case HTTP:
		return "http"
	}
	return "unknown"
}

// Duplex reports whether the variant carries framed calls in both directions.
func (v Variant) Duplex() bool {
	return v == PlainDuplex || v == WebSocket || v == HTTPDuplex
}

// FrameConn reads and writes whole frames. WriteFrame is safe for concurrent
// use; ReadFrame must only be called from the connection's read loop.
type FrameConn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error
	Close() error
	RemoteAddr() net.Addr
	Variant() Variant
}

// Options bound frame sizes and select the payload cipher.
type Options struct {
	MaxReceive uint32          // largest accepted payload, 0 means protocol.DefaultMaxPayload
	MaxSend    uint32          // largest payload WriteFrame will send, 0 means unlimited
	Cipher     security.Cipher // applied on stream-framed variants only
}

func (o Options) maxReceive() uint32 {
	if o.MaxReceive == 0 {
		return protocol.DefaultMaxPayload
	}
	return o.MaxReceive
}
