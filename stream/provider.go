package stream

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"

	"github.com/juju/errors"
)

// Provider answers stream-transfer and one-way connections on the server.
type Provider struct {
	Invoker *dispatch.Invoker
	// Middleware wraps every call made through the provider, usually the
	// server's chain. Nil calls Invoker directly.
	Middleware middleware.Middleware
	MaxReceive uint32
}

// invocation runs a transfer's method at most once, however often the
// middleware chain calls through.
type invocation struct {
	once sync.Once
	ran  bool
	cb   *message.CallbackRecord
}

// run passes call through the middleware chain to body. It returns once
// body has finished or can no longer start, so the caller owns the
// connection again.
func (p *Provider) run(ctx context.Context, call *message.CallRecord, body func(context.Context) *message.CallbackRecord) *message.CallbackRecord {
	inv := &invocation{}
	var handler middleware.HandlerFunc = func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		inv.once.Do(func() {
			inv.ran = true
			inv.cb = body(ctx)
		})
		if !inv.ran {
			return message.Exception(call.ID, "transfer abandoned")
		}
		return inv.cb
	}
	if p.Middleware != nil {
		handler = p.Middleware(handler)
	}
	cb := handler(ctx, call)
	inv.once.Do(func() {})
	return cb
}

func (p *Provider) maxReceive() uint32 {
	if p.MaxReceive == 0 {
		return protocol.DefaultMaxPayload
	}
	return p.MaxReceive
}

func (p *Provider) readCall(br *bufio.Reader) (*message.CallRecord, error) {
	data, err := protocol.ReadBlock(br, p.maxReceive())
	if err != nil {
		return nil, errors.Annotate(err, "reading call record")
	}
	call := &message.CallRecord{}
	if err := p.Invoker.Codec().Decode(data, call); err != nil {
		return nil, errors.WithType(errors.Annotate(err, "decoding call record"), protocol.ErrProtocol)
	}
	return call, nil
}

func (p *Provider) writeCallback(w io.Writer, cb *message.CallbackRecord) error {
	data, err := p.Invoker.Codec().Encode(cb)
	if err != nil {
		return errors.Annotate(err, "encoding callback")
	}
	return protocol.Encode(w, &protocol.Frame{Type: protocol.ResponseCallMethod, Payload: data})
}

// ServeStream handles a connection whose preamble has been read. It closes conn.
func (p *Provider) ServeStream(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	defer conn.Close()
	direction, err := br.ReadByte()
	if err != nil {
		return errors.Annotate(err, "reading stream direction")
	}
	call, err := p.readCall(br)
	if err != nil {
		return err
	}
	ctx = dispatch.NewPeerContext(ctx, dispatch.Peer{Addr: conn.RemoteAddr().String()})
	switch direction {
	case protocol.DirectionUpload:
		return p.upload(ctx, conn, br, call)
	case protocol.DirectionDownload:
		return p.download(ctx, conn, call)
	}
	p.writeCallback(conn, message.Exception(call.ID, "unknown stream direction"))
	return errors.WithType(errors.Errorf("unknown stream direction %d", direction), protocol.ErrProtocol)
}

func (p *Provider) upload(ctx context.Context, conn net.Conn, br *bufio.Reader, call *message.CallRecord) error {
	var session *Session
	ctx = dispatch.WithValueBinder(ctx, func(v any) {
		if info, ok := v.(*Info); ok && info != nil && session == nil {
			session = NewSession(br, info.Length, info.Boundary)
			info.Reader = session
		}
	})
	cb := p.run(ctx, call, func(ctx context.Context) *message.CallbackRecord {
		out := p.Invoker.Invoke(ctx, call)
		if session == nil && out.Err == nil && !out.Denied {
			out = dispatch.Outcome{Err: errors.NotValidf("%s.%s takes no stream parameter", call.ServiceName, call.MethodName)}
		}
		return p.Invoker.Callback(call, out)
	})
	if session == nil {
		// rejected before binding: skip the body so the client can read the answer
		session = p.declaredBody(br, call)
	}
	if session != nil {
		if err := session.Drain(); err != nil {
			p.writeCallback(conn, message.Exception(call.ID, err.Error()))
			return errors.Annotatef(err, "upload to %s.%s", call.ServiceName, call.MethodName)
		}
		flush := &protocol.Frame{Type: protocol.FlushStream, Payload: []byte(strconv.FormatInt(session.Consumed(), 10))}
		if err := protocol.Encode(conn, flush); err != nil {
			return errors.Annotate(err, "writing flush record")
		}
	}
	return p.writeCallback(conn, cb)
}

// declaredBody finds the stream descriptor among the raw call parameters.
func (p *Provider) declaredBody(br *bufio.Reader, call *message.CallRecord) *Session {
	for _, param := range call.Parameters {
		var info Info
		if err := p.Invoker.Codec().Decode([]byte(param.Value), &info); err == nil && info.Boundary != "" {
			return NewSession(br, info.Length, info.Boundary)
		}
	}
	return nil
}

func (p *Provider) download(ctx context.Context, conn net.Conn, call *message.CallRecord) error {
	var info *Info
	cb := p.run(ctx, call, func(ctx context.Context) *message.CallbackRecord {
		out := p.Invoker.Invoke(ctx, call)
		if out.Err != nil || out.Denied {
			return p.Invoker.Callback(call, out)
		}
		switch v := out.Value.(type) {
		case *Info:
			info = v
		case Info:
			info = &v
		}
		if info == nil || info.Reader == nil {
			info = nil
			return message.Exception(call.ID, "download method returned no stream")
		}
		if info.Boundary == "" {
			info.Boundary = newBoundary()
		}
		out.Value = info
		return p.Invoker.Callback(call, out)
	})
	if info != nil {
		defer info.Close()
	}
	if err := p.writeCallback(conn, cb); err != nil {
		return err
	}
	if info == nil || cb.IsException || cb.IsAccessDenied {
		return nil
	}
	buf := make([]byte, DownloadChunk)
	n, err := io.CopyBuffer(conn, io.LimitReader(info.Reader, info.Length), buf)
	if err != nil {
		return errors.Annotatef(err, "download from %s.%s", call.ServiceName, call.MethodName)
	}
	if n < info.Length {
		return errors.Errorf("download from %s.%s: source ended after %d of %d bytes", call.ServiceName, call.MethodName, n, info.Length)
	}
	_, err = io.WriteString(conn, info.Boundary)
	return errors.Annotate(err, "writing stream boundary")
}

// ServeOneWay runs a single call and answers it on the same connection. It closes conn.
func (p *Provider) ServeOneWay(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	defer conn.Close()
	call, err := p.readCall(br)
	if err != nil {
		return err
	}
	ctx = dispatch.NewPeerContext(ctx, dispatch.Peer{Addr: conn.RemoteAddr().String()})
	cb := p.run(ctx, call, func(ctx context.Context) *message.CallbackRecord {
		return p.Invoker.Handle(ctx, call)
	})
	return p.writeCallback(conn, cb)
}
