package stream

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/protocol"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("duplexrpc.stream")

// Client opens secondary connections for stream transfers and one-way calls.
type Client struct {
	Addr       string
	ClientID   string // stamped on uploaded streams without one
	Codec      codec.Codec
	MaxReceive uint32
	Attempts   int
	Delay      time.Duration
	Clock      clock.Clock
}

func (c *Client) codec() codec.Codec {
	if c.Codec == nil {
		return &codec.JSONCodec{}
	}
	return c.Codec
}

func (c *Client) maxReceive() uint32 {
	if c.MaxReceive == 0 {
		return protocol.DefaultMaxPayload
	}
	return c.MaxReceive
}

// dial connects and writes preamble, retrying refused connections.
func (c *Client) dial(ctx context.Context, preamble string) (net.Conn, error) {
	attempts, delay, clk := c.Attempts, c.Delay, c.Clock
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if clk == nil {
		clk = clock.WallClock
	}
	var conn net.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var d net.Dialer
			var err error
			conn, err = d.DialContext(ctx, "tcp", c.Addr)
			return err
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("dialing %s, attempt %d: %v", c.Addr, attempt, err)
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(retry.LastError(err), "dialing %s", c.Addr)
	}
	if _, err := io.WriteString(conn, preamble); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "writing preamble")
	}
	return conn, nil
}

func (c *Client) record(service, method string, args []dispatch.Argument) ([]byte, error) {
	params, err := dispatch.EncodeArgs(c.codec(), args)
	if err != nil {
		return nil, err
	}
	return c.codec().Encode(&message.CallRecord{
		ID:          uuid.NewString(),
		ServiceName: service,
		MethodName:  method,
		Parameters:  params,
	})
}

// Upload calls service.method with a stream argument. Exactly one argument
// must hold a *Info whose Reader supplies Length bytes.
func (c *Client) Upload(ctx context.Context, service, method string, reply any, args ...dispatch.Argument) error {
	var info *Info
	for _, a := range args {
		if i, ok := a.Value.(*Info); ok {
			if info != nil {
				return errors.NotSupportedf("more than one stream argument")
			}
			info = i
		}
	}
	if info == nil {
		return errors.NotValidf("upload to %s.%s without a stream argument", service, method)
	}
	if info.Boundary == "" {
		info.Boundary = newBoundary()
	}
	if info.ClientID == "" {
		info.ClientID = c.ClientID
	}
	record, err := c.record(service, method, args)
	if err != nil {
		return errors.Trace(err)
	}

	conn, err := c.dial(ctx, protocol.StreamPreamble)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	if err := sendBody(conn, record, info); err != nil {
		// the server may have rejected the call before reading the body
		if f, rerr := protocol.Decode(br, c.maxReceive()); rerr == nil && f.Type == protocol.ResponseCallMethod {
			if serr := c.settle(service, method, f, reply); serr != nil {
				return serr
			}
		}
		return errors.Trace(err)
	}
	for {
		f, err := protocol.Decode(br, c.maxReceive())
		if err != nil {
			return errors.Annotate(err, "waiting for upload result")
		}
		switch f.Type {
		case protocol.FlushStream:
			logger.Tracef("upload to %s.%s flushed at %s", service, method, f.Payload)
		case protocol.ResponseCallMethod:
			return c.settle(service, method, f, reply)
		default:
			return errors.WithType(errors.Errorf("unexpected %s frame during upload", f.Type), protocol.ErrProtocol)
		}
	}
}

func sendBody(conn net.Conn, record []byte, info *Info) error {
	if err := writeHeader(conn, protocol.DirectionUpload, record); err != nil {
		return err
	}
	buf := make([]byte, UploadChunk)
	n, err := io.CopyBuffer(conn, io.LimitReader(info, info.Length), buf)
	if err != nil {
		return errors.Annotate(err, "sending stream data")
	}
	if n < info.Length {
		return errors.Errorf("stream ended after %d of %d bytes", n, info.Length)
	}
	_, err = io.WriteString(conn, info.Boundary)
	return errors.Annotate(err, "sending stream boundary")
}

// Download calls service.method and returns the stream it produces. The
// caller reads the returned Info and must Close it.
func (c *Client) Download(ctx context.Context, service, method string, args ...dispatch.Argument) (*Info, error) {
	record, err := c.record(service, method, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn, err := c.dial(ctx, protocol.StreamPreamble)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := writeHeader(conn, protocol.DirectionDownload, record); err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	br := bufio.NewReader(conn)
	f, err := protocol.Decode(br, c.maxReceive())
	if err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "waiting for download header")
	}
	if f.Type != protocol.ResponseCallMethod {
		conn.Close()
		return nil, errors.WithType(errors.Errorf("unexpected %s frame during download", f.Type), protocol.ErrProtocol)
	}
	info := &Info{}
	if err := c.settle(service, method, f, info); err != nil {
		conn.Close()
		return nil, err
	}
	info.Reader = NewSession(br, info.Length, info.Boundary)
	info.closer = conn
	return info, nil
}

// SendOneWay runs one call on a dedicated connection and waits for its callback.
func (c *Client) SendOneWay(ctx context.Context, service, method string, reply any, args ...dispatch.Argument) error {
	record, err := c.record(service, method, args)
	if err != nil {
		return errors.Trace(err)
	}
	conn, err := c.dial(ctx, protocol.OneWayPreamble)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	if err := protocol.WriteBlock(conn, record); err != nil {
		return errors.Annotate(err, "sending one-way call")
	}
	f, err := protocol.Decode(bufio.NewReader(conn), c.maxReceive())
	if err != nil {
		return errors.Annotate(err, "waiting for one-way result")
	}
	return c.settle(service, method, f, reply)
}

func writeHeader(w io.Writer, direction byte, record []byte) error {
	if _, err := w.Write([]byte{direction}); err != nil {
		return errors.Annotate(err, "writing direction")
	}
	return errors.Annotate(protocol.WriteBlock(w, record), "writing call record")
}

func (c *Client) settle(service, method string, f *protocol.Frame, reply any) error {
	cb := &message.CallbackRecord{}
	if err := c.codec().Decode(f.Payload, cb); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding callback"), protocol.ErrProtocol)
	}
	if cb.IsException {
		return &dispatch.RemoteError{Service: service, Method: method, Message: cb.Data}
	}
	if reply == nil || cb.Data == "" {
		return nil
	}
	return errors.Annotatef(c.codec().Decode([]byte(cb.Data), reply), "decoding reply of %s.%s", service, method)
}
