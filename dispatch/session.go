package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/correlation"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"
)

// ErrPingTimeout tears a session down when a ping goes unanswered.
const ErrPingTimeout = errors.ConstError("ping timed out")

// DefaultRequestTimeout bounds pings and other single-frame requests.
const DefaultRequestTimeout = 3 * time.Second

const defaultWorkers = 64

// SessionConfig wires a Session to the rest of the process.
type SessionConfig struct {
	Codec codec.Codec
	// Handler runs inbound user calls. Nil answers every call with an exception.
	Handler middleware.HandlerFunc
	// Controls run inbound control calls, keyed by lower-cased method name.
	Controls map[string]middleware.HandlerFunc
	// OnFrame receives frames that are neither calls, callbacks nor awaited
	// replies. It runs on the read loop.
	OnFrame func(s *Session, f *protocol.Frame)
	// OnClose runs once after teardown with the reason, nil for Close.
	// It must not call Close.
	OnClose func(s *Session, err error)
	Peer    Peer
	// Context is the parent of every inbound call context.
	Context        context.Context
	Workers        int64 // concurrent inbound calls
	MaxSend        uint32
	RequestTimeout time.Duration
	Clock          clock.Clock
}

// Session multiplexes calls in both directions over one FrameConn.
type Session struct {
	conn    transport.FrameConn
	cfg     SessionConfig
	table   *correlation.Table
	parts   *protocol.Reassembler
	sem     *semaphore.Weighted
	tomb    tomb.Tomb
	started atomic.Bool
	id      atomic.Value // string

	reqMu   sync.Mutex // one request frame in flight
	pings   atomic.Int64 // pings sent and not yet answered
	waitMu  sync.Mutex
	waiters map[protocol.DataType]chan *protocol.Frame
}

func NewSession(conn transport.FrameConn, cfg SessionConfig) *Session {
	if cfg.Codec == nil {
		cfg.Codec = &codec.JSONCodec{}
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Peer.Addr == "" && conn.RemoteAddr() != nil {
		cfg.Peer.Addr = conn.RemoteAddr().String()
	}
	s := &Session{
		conn:    conn,
		cfg:     cfg,
		table:   correlation.NewTable(),
		parts:   protocol.NewReassembler(),
		sem:     semaphore.NewWeighted(cfg.Workers),
		waiters: make(map[protocol.DataType]chan *protocol.Frame),
	}
	s.id.Store(cfg.Peer.ClientID)
	return s
}

// ID returns the connection identifier, empty until one is assigned.
func (s *Session) ID() string { return s.id.Load().(string) }

func (s *Session) SetID(id string) { s.id.Store(id) }

func (s *Session) Conn() transport.FrameConn { return s.conn }

// Peer returns the remote end as seen by inbound calls.
func (s *Session) Peer() Peer {
	p := s.cfg.Peer
	p.ClientID = s.ID()
	return p
}

// Start launches the read loop.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.tomb.Go(s.run)
}

func (s *Session) run() error {
	s.tomb.Go(s.readLoop)
	<-s.tomb.Dying()
	s.conn.Close()
	reason := s.tomb.Err()
	if reason == tomb.ErrStillAlive {
		reason = nil
	}
	s.table.CloseAll(reason)
	if reason != nil {
		logger.Debugf("session %s with %s closed: %v", s.ID(), s.cfg.Peer.Addr, reason)
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s, reason)
	}
	return nil
}

// Close tears the session down and waits for the read loop to exit.
func (s *Session) Close() error {
	if !s.started.Load() {
		s.tomb.Kill(nil)
		s.table.CloseAll(nil)
		return s.conn.Close()
	}
	s.tomb.Kill(nil)
	s.tomb.Wait()
	return nil
}

// Dead is closed once the session has fully stopped.
func (s *Session) Dead() <-chan struct{} { return s.tomb.Dead() }

// Dying is closed when teardown starts.
func (s *Session) Dying() <-chan struct{} { return s.tomb.Dying() }

// Err returns the teardown reason, nil while alive or after Close.
func (s *Session) Err() error {
	err := s.tomb.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Pending returns the number of outbound calls waiting for a callback.
func (s *Session) Pending() int { return s.table.Len() }

func (s *Session) readLoop() error {
	ctx := s.tomb.Context(s.cfg.Context)
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
				return errors.Trace(err)
			}
		}
		switch f.Type {
		case protocol.CallMethod:
			if err := s.dispatch(ctx, f); err != nil {
				return err
			}
		case protocol.ResponseCallMethod:
			if err := s.receiveCallback(f); err != nil {
				return err
			}
		case protocol.PingPong:
			// PingPong carries no payload, so a frame counts as the answer
			// while one of our pings is outstanding and as a probe otherwise.
			if s.takePing() {
				s.release(f)
			} else if err := s.conn.WriteFrame(&protocol.Frame{Type: protocol.PingPong}); err != nil {
				return errors.Annotate(err, "answering ping")
			}
		default:
			if !s.release(f) && s.cfg.OnFrame != nil {
				s.cfg.OnFrame(s, f)
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, f *protocol.Frame) error {
	call := &message.CallRecord{}
	if err := s.cfg.Codec.Decode(f.Payload, call); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding call record"), protocol.ErrProtocol)
	}
	// The reader only hands calls off; waiting for a worker happens on the
	// call's own goroutine so callbacks and pings keep flowing.
	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		ctx := NewPeerContext(ctx, s.Peer())
		cb := s.handle(ctx, call)
		if err := s.sendCallback(cb); err != nil {
			logger.Warningf("sending callback for %s.%s: %v", call.ServiceName, call.MethodName, err)
		}
	}()
	return nil
}

func (s *Session) handle(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
	if call.IsControl() {
		name := strings.ToLower(strings.TrimPrefix(call.MethodName, message.ControlPrefix))
		if h, ok := s.cfg.Controls[name]; ok {
			return h(ctx, call)
		}
		return message.Exception(call.ID, "unknown control call "+call.MethodName)
	}
	if s.cfg.Handler == nil {
		return message.Exception(call.ID, "no services are registered on this end")
	}
	return s.cfg.Handler(ctx, call)
}

// sendCallback writes cb, split into parts on WebSocket connections when
// its data is longer than protocol.MaxPartLength characters.
func (s *Session) sendCallback(cb *message.CallbackRecord) error {
	if s.conn.Variant() != transport.WebSocket {
		cb.PartNumber = protocol.FinalPart
		return s.writeCallback(cb)
	}
	for _, p := range protocol.SplitParts(cb.Data, protocol.MaxPartLength) {
		part := *cb
		part.Data, part.PartNumber = p.Text, p.Number
		if err := s.writeCallback(&part); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeCallback(cb *message.CallbackRecord) error {
	data, err := s.cfg.Codec.Encode(cb)
	if err != nil {
		return errors.Annotate(err, "encoding callback")
	}
	if err := transport.CheckSize(len(data), s.cfg.MaxSend); err != nil {
		data, _ = s.cfg.Codec.Encode(message.Exception(cb.ID, err.Error()))
	}
	return s.conn.WriteFrame(&protocol.Frame{Type: protocol.ResponseCallMethod, Payload: data})
}

func (s *Session) receiveCallback(f *protocol.Frame) error {
	cb := &message.CallbackRecord{}
	if err := s.cfg.Codec.Decode(f.Payload, cb); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding callback"), protocol.ErrProtocol)
	}
	final := cb.PartNumber == protocol.FinalPart || cb.PartNumber == 0
	if !final || s.parts.Has(cb.ID) {
		data, done := s.parts.Add(cb.ID, cb.PartNumber, cb.Data)
		if !done {
			return nil
		}
		cb.Data, cb.PartNumber = data, protocol.FinalPart
	}
	if !s.table.Fulfill(cb) {
		logger.Debugf("dropping callback %s: no pending call", cb.ID)
	}
	return nil
}

// Call invokes service.method on the remote end and blocks until the
// callback arrives or the session is torn down. ctx is only consulted
// before the call is sent. An access-denied answer leaves the fallback in
// reply and returns nil.
func (s *Session) Call(ctx context.Context, service, method string, reply any, args ...Argument) error {
	call := &Call{ServiceName: service, MethodName: method, Reply: reply}
	s.invoke(ctx, call, message.UserCall, args)
	return call.Error
}

// Go starts an asynchronous call. The completed Call is sent on done,
// which must be buffered; nil allocates one.
func (s *Session) Go(ctx context.Context, service, method string, reply any, done chan *Call, args ...Argument) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		logger.Criticalf("dispatch: done channel is unbuffered")
	}
	call := &Call{ServiceName: service, MethodName: method, Reply: reply, Done: done}
	go func() {
		s.invoke(ctx, call, message.UserCall, args)
		call.done()
	}()
	return call
}

// Control sends an internal control call.
func (s *Session) Control(ctx context.Context, service, method string, reply any, args ...Argument) error {
	if !strings.HasPrefix(method, message.ControlPrefix) {
		method = message.ControlPrefix + method
	}
	call := &Call{ServiceName: service, MethodName: method, Reply: reply}
	s.invoke(ctx, call, message.InternalControlCall, args)
	return call.Error
}

func (s *Session) invoke(ctx context.Context, call *Call, kind message.CallKind, args []Argument) {
	if err := ctx.Err(); err != nil {
		call.Error = errors.Trace(err)
		return
	}
	params, err := EncodeArgs(s.cfg.Codec, args)
	if err != nil {
		call.Error = err
		return
	}
	record := &message.CallRecord{
		ID:          uuid.NewString(),
		ServiceName: call.ServiceName,
		MethodName:  call.MethodName,
		Parameters:  params,
		Kind:        kind,
	}
	data, err := s.cfg.Codec.Encode(record)
	if err != nil {
		call.Error = errors.Annotate(err, "encoding call record")
		return
	}
	if err := transport.CheckSize(len(data), s.cfg.MaxSend); err != nil {
		call.Error = err
		return
	}
	slot, err := s.table.Register(record.ID)
	if err != nil {
		call.Error = err
		return
	}
	if err := s.conn.WriteFrame(&protocol.Frame{Type: protocol.CallMethod, Payload: data}); err != nil {
		s.table.Remove(record.ID)
		call.Error = errors.Annotatef(err, "sending %s.%s", call.ServiceName, call.MethodName)
		return
	}
	cb, err := slot.Wait()
	if err != nil {
		call.Error = err
		return
	}
	settle(s.cfg.Codec, call, cb)
}

// Expect registers a one-shot waiter for the next frame of type t that is
// not a call or callback. It may be used before Start.
func (s *Session) Expect(t protocol.DataType) <-chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	s.waitMu.Lock()
	s.waiters[t] = ch
	s.waitMu.Unlock()
	return ch
}

func (s *Session) dropWaiter(t protocol.DataType, ch <-chan *protocol.Frame) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if cur, ok := s.waiters[t]; ok && (<-chan *protocol.Frame)(cur) == ch {
		delete(s.waiters, t)
	}
}

func (s *Session) release(f *protocol.Frame) bool {
	s.waitMu.Lock()
	ch, ok := s.waiters[f.Type]
	delete(s.waiters, f.Type)
	s.waitMu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// Request writes f and waits for the next frame of type reply.
func (s *Session) Request(ctx context.Context, f *protocol.Frame, reply protocol.DataType) (*protocol.Frame, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	ch := s.Expect(reply)
	defer s.dropWaiter(reply, ch)
	if err := s.conn.WriteFrame(f); err != nil {
		return nil, errors.Annotatef(err, "sending %s", f.Type)
	}
	return s.Await(ctx, ch, reply)
}

// Await waits on a channel returned by Expect.
func (s *Session) Await(ctx context.Context, ch <-chan *protocol.Frame, t protocol.DataType) (*protocol.Frame, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-s.tomb.Dying():
		return nil, errors.WithType(errors.Errorf("session closed waiting for %s", t), correlation.ErrClosed)
	case <-s.cfg.Clock.After(s.cfg.RequestTimeout):
		return nil, errors.Timeoutf("waiting for %s", t)
	}
}

// Ping sends a liveness probe. An unanswered ping tears the session down.
// A ping abandoned through ctx stays outstanding, so its late answer is
// absorbed instead of being taken for a probe.
func (s *Session) Ping(ctx context.Context) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	ch := s.Expect(protocol.PingPong)
	defer s.dropWaiter(protocol.PingPong, ch)
	s.pings.Add(1)
	if err := s.conn.WriteFrame(&protocol.Frame{Type: protocol.PingPong}); err != nil {
		s.pings.Add(-1)
		return errors.Annotate(err, "sending ping")
	}
	_, err := s.Await(ctx, ch, protocol.PingPong)
	if errors.Is(err, errors.Timeout) {
		s.tomb.Kill(errors.WithType(err, ErrPingTimeout))
	}
	return err
}

// takePing consumes one outstanding ping, reporting false when none is.
func (s *Session) takePing() bool {
	for {
		n := s.pings.Load()
		if n <= 0 {
			return false
		}
		if s.pings.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Send writes a frame outside the call path.
func (s *Session) Send(f *protocol.Frame) error {
	return s.conn.WriteFrame(f)
}
