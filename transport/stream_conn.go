package transport

import (
	"bufio"
	"net"
	"sync"

	"duplex-rpc/protocol"

	"github.com/juju/errors"
)

// ErrPayloadTooLarge is returned before any I/O when a payload exceeds the send limit.
const ErrPayloadTooLarge = errors.ConstError("payload too large")

// CheckSize rejects payloads of n bytes larger than max. A zero max disables the check.
func CheckSize(n int, max uint32) error {
	if max > 0 && uint64(n) > uint64(max) {
		return errors.WithType(errors.Errorf("payload of %d bytes exceeds send limit of %d", n, max), ErrPayloadTooLarge)
	}
	return nil
}

// StreamConn carries length-prefixed frames over a byte stream. It backs the
// plain duplex and HTTP-duplex variants.
type StreamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	variant Variant
	opts    Options
	wmu     sync.Mutex // whole frames only, never interleaved
}

// NewStreamConn wraps conn. r must be the reader used during negotiation so
// no buffered bytes are lost; nil creates a fresh one.
func NewStreamConn(conn net.Conn, r *bufio.Reader, variant Variant, opts Options) *StreamConn {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &StreamConn{conn: conn, r: r, variant: variant, opts: opts}
}

func (c *StreamConn) ReadFrame() (*protocol.Frame, error) {
	f, err := protocol.Decode(c.r, c.opts.maxReceive())
	if err != nil {
		return nil, err
	}
	if c.opts.Cipher != nil && f.Type != protocol.PingPong && len(f.Payload) > 0 {
		plain, err := c.opts.Cipher.Decrypt(f.Payload)
		if err != nil {
			return nil, errors.WithType(errors.Annotate(err, "decrypting frame"), protocol.ErrProtocol)
		}
		f.Payload = plain
	}
	return f, nil
}

func (c *StreamConn) WriteFrame(f *protocol.Frame) error {
	if err := CheckSize(len(f.Payload), c.opts.MaxSend); err != nil {
		return err
	}
	out := f
	if c.opts.Cipher != nil && f.Type != protocol.PingPong && len(f.Payload) > 0 {
		enc, err := c.opts.Cipher.Encrypt(f.Payload)
		if err != nil {
			return errors.Annotate(err, "encrypting frame")
		}
		out = &protocol.Frame{Type: f.Type, Compression: f.Compression, Payload: enc}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.Encode(c.conn, out)
}

func (c *StreamConn) Close() error { return c.conn.Close() }

func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *StreamConn) Variant() Variant { return c.variant }
