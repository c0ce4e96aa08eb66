package transport

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"

	"duplex-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// MaxHeaderSize bounds the handshake header block.
const MaxHeaderSize = 16 << 10

// Handshake is the outcome of negotiating a freshly accepted connection.
type Handshake struct {
	Variant Variant
	Conn    net.Conn
	Reader  *bufio.Reader // holds any bytes already read past the handshake
	Header  string        // raw header block, empty for stream and one-way
	Request *http.Request // set for the HTTP variant
	Frames  FrameConn     // set for duplex variants
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Negotiate reads the first line or header block of conn and decides which
// variant governs the rest of it:
//
//  1. StreamPreamble or OneWayPreamble as the first line
//  2. a Sec-WebSocket-Key header: upgrade and answer 101
//  3. the HTTP-duplex marker or DuplexPreamble: duplex frames, no HTTP response
//  4. anything else is a plain HTTP request
//
// A failed negotiation leaves closing conn to the caller.
func Negotiate(conn net.Conn, opts Options) (*Handshake, error) {
	br := bufio.NewReader(conn)
	first, err := readLine(br, MaxHeaderSize)
	if err != nil {
		return nil, errors.Annotate(err, "reading handshake")
	}
	switch first {
	case protocol.StreamPreamble:
		return &Handshake{Variant: StreamTransfer, Conn: conn, Reader: br}, nil
	case protocol.OneWayPreamble:
		return &Handshake{Variant: OneWay, Conn: conn, Reader: br}, nil
	}

	var block strings.Builder
	block.WriteString(first)
	for line := first; !isBlank(line); {
		line, err = readLine(br, MaxHeaderSize-block.Len())
		if err != nil {
			return nil, errors.Annotate(err, "reading handshake header")
		}
		block.WriteString(line)
	}
	header := block.String()
	hs := &Handshake{Conn: conn, Reader: br, Header: header}

	switch {
	case hasField(header, protocol.WebSocketKey):
		ws, err := upgrade(conn, br, header)
		if err != nil {
			return nil, errors.Annotate(err, "websocket upgrade")
		}
		hs.Variant = WebSocket
		hs.Frames = NewWSConn(ws, opts)
	case strings.Contains(header, protocol.HTTPDuplexMarker):
		hs.Variant = HTTPDuplex
		hs.Frames = NewStreamConn(conn, br, HTTPDuplex, opts)
	case first == protocol.DuplexPreamble:
		hs.Variant = PlainDuplex
		hs.Frames = NewStreamConn(conn, br, PlainDuplex, opts)
	default:
		req, err := http.ReadRequest(bufio.NewReader(io.MultiReader(strings.NewReader(header), br)))
		if err != nil {
			return nil, errors.WithType(errors.Annotate(err, "parsing http request"), protocol.ErrProtocol)
		}
		req.RemoteAddr = conn.RemoteAddr().String()
		hs.Variant = HTTP
		hs.Request = req
	}
	return hs, nil
}

func upgrade(conn net.Conn, br *bufio.Reader, header string) (*websocket.Conn, error) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(header)))
	if err != nil {
		return nil, errors.WithType(err, protocol.ErrProtocol)
	}
	req.RemoteAddr = conn.RemoteAddr().String()
	w := NewResponseWriter(conn, br)
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		w.Flush()
		return nil, err
	}
	return ws, nil
}

// hasField reports whether the header block carries the named field.
// Field names compare case-insensitively.
func hasField(header, name string) bool {
	lines := strings.Split(header, "\n")
	for _, line := range lines[1:] {
		field, _, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(field), name) {
			return true
		}
	}
	return false
}

func isBlank(line string) bool {
	return line == "\r\n" || line == "\n"
}

func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return "", errors.WithType(errors.New("handshake header too large"), protocol.ErrProtocol)
		}
		if err == nil {
			return string(buf), nil
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}
}
