package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"duplex-rpc/protocol"
	"duplex-rpc/security"

	"github.com/juju/errors"
)

type negotiated struct {
	hs  *Handshake
	err error
}

// acceptOne negotiates the next connection accepted on a fresh loopback listener.
func acceptOne(t *testing.T, opts Options) (string, <-chan negotiated) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	ch := make(chan negotiated, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- negotiated{err: err}
			return
		}
		hs, err := Negotiate(conn, opts)
		ch <- negotiated{hs, err}
	}()
	return ln.Addr().String(), ch
}

func wait(t *testing.T, ch <-chan negotiated) *Handshake {
	t.Helper()
	select {
	case n := <-ch:
		if n.err != nil {
			t.Fatalf("negotiate failed: %v", n.err)
		}
		return n.hs
	case <-time.After(3 * time.Second):
		t.Fatal("negotiation timed out")
	}
	return nil
}

func TestNegotiateStreamTransfer(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte(protocol.StreamPreamble))
	conn.Write([]byte{protocol.DirectionUpload})

	hs := wait(t, ch)
	if hs.Variant != StreamTransfer {
		t.Fatalf("expect stream transfer, got %v", hs.Variant)
	}
	dir, err := hs.Reader.ReadByte()
	if err != nil || dir != protocol.DirectionUpload {
		t.Fatalf("direction byte should follow the preamble, got %d %v", dir, err)
	}
}

func TestNegotiateOneWay(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	conn, _ := net.Dial("tcp", addr)
	defer conn.Close()
	conn.Write([]byte(protocol.OneWayPreamble))

	if hs := wait(t, ch); hs.Variant != OneWay {
		t.Fatalf("expect one-way, got %v", hs.Variant)
	}
}

func TestPlainDuplexWithCipher(t *testing.T) {
	c, err := security.NewAESCipher([]byte("0123456789abcdef"), []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Cipher: c}
	addr, ch := acceptOne(t, opts)

	client, err := DialDuplex(context.Background(), addr, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	hs := wait(t, ch)
	if hs.Variant != PlainDuplex || hs.Frames == nil {
		t.Fatalf("expect plain duplex frames, got %v", hs.Variant)
	}
	defer hs.Frames.Close()

	if err := client.WriteFrame(&protocol.Frame{Type: protocol.CallMethod, Payload: []byte("secret call")}); err != nil {
		t.Fatal(err)
	}
	f, err := hs.Frames.ReadFrame()
	if err != nil || string(f.Payload) != "secret call" {
		t.Fatalf("server got %v %v", f, err)
	}

	hs.Frames.WriteFrame(&protocol.Frame{Type: protocol.PingPong})
	hs.Frames.WriteFrame(&protocol.Frame{Type: protocol.ResponseCallMethod, Payload: []byte("answer")})
	if f, err := client.ReadFrame(); err != nil || f.Type != protocol.PingPong {
		t.Fatalf("client expected ping, got %v %v", f, err)
	}
	if f, err := client.ReadFrame(); err != nil || string(f.Payload) != "answer" {
		t.Fatalf("client expected answer, got %v %v", f, err)
	}
}

func TestHTTPDuplex(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	client, err := DialHTTPDuplex(context.Background(), addr, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	hs := wait(t, ch)
	if hs.Variant != HTTPDuplex {
		t.Fatalf("expect http duplex, got %v", hs.Variant)
	}
	client.WriteFrame(&protocol.Frame{Type: protocol.GetClientId, Payload: []byte("x")})
	if f, err := hs.Frames.ReadFrame(); err != nil || f.Type != protocol.GetClientId {
		t.Fatalf("server got %v %v", f, err)
	}
}

func TestWebSocket(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	client, err := DialWebSocket(context.Background(), addr, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	hs := wait(t, ch)
	if hs.Variant != WebSocket {
		t.Fatalf("expect websocket, got %v", hs.Variant)
	}

	client.WriteFrame(&protocol.Frame{Type: protocol.CallMethod, Payload: []byte(`{"guid":"1"}`)})
	f, err := hs.Frames.ReadFrame()
	if err != nil || f.Type != protocol.CallMethod || string(f.Payload) != `{"guid":"1"}` {
		t.Fatalf("server got %v %v", f, err)
	}
	hs.Frames.WriteFrame(&protocol.Frame{Type: protocol.ResponseCallMethod, Payload: []byte("ok")})
	if f, err := client.ReadFrame(); err != nil || string(f.Payload) != "ok" {
		t.Fatalf("client got %v %v", f, err)
	}
}

func TestWebSocketAcceptKey(t *testing.T) {
	for _, field := range []string{"Sec-WebSocket-Key", "sec-websocket-key", "SEC-WEBSOCKET-KEY"} {
		addr, ch := acceptOne(t, Options{})
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		key := "dGhlIHNhbXBsZSBub25jZQ=="
		conn.Write([]byte("GET /chat HTTP/1.1\r\n" +
			"Host: server.example.com\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			field + ": " + key + "\r\n" +
			"Sec-WebSocket-Version: 13\r\n\r\n"))

		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("%s: %v", field, err)
		}
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("%s: expect 101, got %d", field, resp.StatusCode)
		}
		if got := resp.Header.Get("Sec-WebSocket-Accept"); got != protocol.AcceptKey(key) {
			t.Fatalf("%s: accept key mismatch: %s", field, got)
		}
		if hs := wait(t, ch); hs.Variant != WebSocket {
			t.Fatalf("%s: expect websocket, got %s", field, hs.Variant)
		}
		conn.Close()
	}
}

func TestPlainHTTP(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	conn, _ := net.Dial("tcp", addr)
	defer conn.Close()
	conn.Write([]byte("POST /EchoService/Say HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 10\r\n\r\nmessage=hi"))

	hs := wait(t, ch)
	if hs.Variant != HTTP {
		t.Fatalf("expect http, got %v", hs.Variant)
	}
	if hs.Request.Method != "POST" || hs.Request.URL.Path != "/EchoService/Say" {
		t.Fatalf("unexpected request %s %s", hs.Request.Method, hs.Request.URL.Path)
	}
	body, _ := io.ReadAll(hs.Request.Body)
	if string(body) != "message=hi" {
		t.Fatalf("unexpected body %q", body)
	}

	w := NewResponseWriter(hs.Conn, hs.Reader)
	w.Write([]byte("done"))
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(got) != "done" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, got)
	}
}

func TestNegotiateGarbage(t *testing.T) {
	addr, ch := acceptOne(t, Options{})
	conn, _ := net.Dial("tcp", addr)
	conn.Write([]byte("garbage\r\n\r\n"))
	conn.Close()
	select {
	case n := <-ch:
		if n.err == nil {
			t.Fatalf("expect negotiation error, got variant %v", n.hs.Variant)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("negotiation timed out")
	}
}

func TestSendLimit(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewStreamConn(a, nil, PlainDuplex, Options{MaxSend: 4})
	err := conn.WriteFrame(&protocol.Frame{Type: protocol.CallMethod, Payload: []byte(strings.Repeat("x", 5))})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expect payload too large, got %v", err)
	}
}
