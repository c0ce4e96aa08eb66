package transport

import (
	"context"
	"net"
	"strings"

	"duplex-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// DialDuplex opens a plain duplex connection and sends its preamble.
func DialDuplex(ctx context.Context, addr string, opts Options) (*StreamConn, error) {
	return dialStream(ctx, addr, protocol.DuplexPreamble+"\r\n", PlainDuplex, opts)
}

// DialHTTPDuplex opens a duplex connection that looks like an HTTP request
// carrying the duplex marker.
func DialHTTPDuplex(ctx context.Context, addr string, opts Options) (*StreamConn, error) {
	header := "GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: " + protocol.HTTPDuplexMarker + "\r\n\r\n"
	return dialStream(ctx, addr, header, HTTPDuplex, opts)
}

func dialStream(ctx context.Context, addr, header string, variant Variant, opts Options) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", addr)
	}
	if _, err := conn.Write([]byte(header)); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "writing handshake")
	}
	return NewStreamConn(conn, nil, variant, opts), nil
}

// DialWebSocket opens a WebSocket connection. addr may be a host:port or a
// full ws:// URL.
func DialWebSocket(ctx context.Context, addr string, opts Options) (*WSConn, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + addr + "/"
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	return NewWSConn(ws, opts), nil
}

// Dial opens a duplex connection of the given variant.
func Dial(ctx context.Context, variant Variant, addr string, opts Options) (FrameConn, error) {
	switch variant {
	case PlainDuplex:
		return DialDuplex(ctx, addr, opts)
	case HTTPDuplex:
		return DialHTTPDuplex(ctx, addr, opts)
	case WebSocket:
		return DialWebSocket(ctx, addr, opts)
	}
	return nil, errors.NotSupportedf("dialing %s connections", variant)
}
