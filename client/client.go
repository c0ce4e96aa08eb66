// Package client connects to a duplex-rpc server.
//
// A Client owns one duplex session at a time. Calls go through the
// reconnection controller's gate, so while a lost connection is being
// re-established they wait instead of failing. Services registered on the
// client with RegisterClientService can be called by the server over the
// same connection.
package client

import (
	"context"
	"sync"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/reconnect"
	"duplex-rpc/stream"
	"duplex-rpc/transport"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("duplexrpc.client")

// RegisterServiceControl announces a server service the client uses.
const RegisterServiceControl = "/RegisterService"

type Client struct {
	opts     options
	addr     string // fixed server address, empty with discovery
	services *dispatch.Registry
	invoker  *dispatch.Invoker
	handler  middleware.HandlerFunc
	ctrl     *reconnect.Controller

	mu        sync.Mutex
	session   *dispatch.Session
	connected string   // address of the current session
	announced []string // server services re-announced after every reconnect
}

// NewClient creates a client for the server at addr. addr may be empty
// when WithDiscovery is used. Nothing is dialed until Connect.
func NewClient(addr string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		opts:     o,
		addr:     addr,
		services: dispatch.NewRegistry(),
	}
	c.invoker = dispatch.NewInvoker(c.services, o.codec)
	c.handler = c.invoker.Handle
	c.ctrl = reconnect.New(reconnect.Config{
		Connect:       c.connect,
		AutoReconnect: o.autoReconnect,
		Delay:         o.reconnectDelay,
		PriorityDelay: o.priorityDelay,
		Clock:         o.clock,
		OnStateChange: o.onStateChange,
	})
	c.ctrl.AddHook(reconnect.Hook{Action: c.reannounce})
	return c
}

// Use wraps calls pushed by the server in mw. It must be called before Connect.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.handler = middleware.Chain(mws...)(c.handler)
}

// RegisterClientService adds a service the server may call on this client.
func (c *Client) RegisterClientService(spec dispatch.ServiceSpec) error {
	return c.services.Register(spec)
}

// Controller exposes the reconnection controller for priority hooks.
func (c *Client) Controller() *reconnect.Controller { return c.ctrl }

// State returns the connection state.
func (c *Client) State() reconnect.State { return c.ctrl.State() }

// Connect dials the server and waits for its client id.
func (c *Client) Connect(ctx context.Context) error {
	return c.ctrl.Connect(ctx)
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.opts.registry == nil {
		return c.addr, nil
	}
	instances, err := c.opts.registry.Discover(ctx, c.opts.service)
	if err != nil {
		return "", errors.Trace(err)
	}
	inst, err := c.opts.balancer.Pick(instances, c.opts.key)
	if err != nil {
		return "", errors.Annotatef(err, "picking a server for %s", c.opts.service)
	}
	return inst.Addr, nil
}

// connect establishes one session. It is called by the controller for the
// first connect and every reconnect attempt.
func (c *Client) connect(ctx context.Context) error {
	addr, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, c.opts.variant, addr, transport.Options{
		MaxReceive: c.opts.maxReceive,
		MaxSend:    c.opts.maxSend,
		Cipher:     c.opts.cipher,
	})
	if err != nil {
		return errors.Trace(err)
	}
	s := dispatch.NewSession(conn, dispatch.SessionConfig{
		Codec:          c.opts.codec,
		Handler:        c.handler,
		OnClose:        c.onClose,
		Workers:        c.opts.workers,
		MaxSend:        c.opts.maxSend,
		RequestTimeout: c.opts.requestTimeout,
		Clock:          c.opts.clock,
	})
	// the id is the first frame the server writes
	idFrame := s.Expect(protocol.GetClientId)
	s.Start()
	f, err := s.Await(ctx, idFrame, protocol.GetClientId)
	if err != nil {
		s.Close()
		return errors.Annotatef(err, "handshake with %s", addr)
	}
	var id string
	if err := c.opts.codec.Decode(f.Payload, &id); err != nil {
		s.Close()
		return errors.WithType(errors.Annotate(err, "decoding client id"), protocol.ErrProtocol)
	}
	s.SetID(id)

	c.mu.Lock()
	if c.ctrl.DisconnectRequested() {
		c.mu.Unlock()
		s.Close()
		return errors.Annotatef(reconnect.ErrNotConnected, "disconnected during handshake with %s", addr)
	}
	old := c.session
	c.session, c.connected = s, addr
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	logger.Debugf("connected to %s as %s", addr, id)
	return nil
}

// onClose reports a dropped current session to the controller.
func (c *Client) onClose(s *dispatch.Session, err error) {
	c.mu.Lock()
	current := c.session == s
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if current && err != nil {
		// the controller may dial again; keep that off the session's teardown
		go c.ctrl.ConnectionLost(err)
	}
}

func (c *Client) current() (*dispatch.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, reconnect.ErrNotConnected
	}
	return c.session, nil
}

// ready waits for the gate and returns the live session.
func (c *Client) ready(ctx context.Context) (*dispatch.Session, error) {
	if err := c.ctrl.Gate(ctx); err != nil {
		return nil, err
	}
	return c.current()
}

// ID returns the id the server issued for the current connection.
func (c *Client) ID() string {
	s, err := c.current()
	if err != nil {
		return ""
	}
	return s.ID()
}

// Disconnect closes the connection on purpose; no reconnect follows. It
// reports false when the client was already disconnected on purpose.
func (c *Client) Disconnect() bool {
	if !c.ctrl.Disconnect() {
		return false
	}
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
	return true
}

// Close disconnects the client.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// Call invokes service.method on the server and waits for the result.
// An access-denied answer leaves the rule's fallback in reply and returns nil.
func (c *Client) Call(ctx context.Context, service, method string, reply any, args ...dispatch.Argument) error {
	s, err := c.ready(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	return s.Call(ctx, service, method, reply, args...)
}

// Go starts an asynchronous call. The completed Call is sent on done,
// which must be buffered; nil allocates one.
func (c *Client) Go(ctx context.Context, service, method string, reply any, done chan *dispatch.Call, args ...dispatch.Argument) *dispatch.Call {
	if done == nil {
		done = make(chan *dispatch.Call, 1)
	}
	call := &dispatch.Call{ServiceName: service, MethodName: method, Reply: reply, Done: done}
	go func() {
		defer func() { done <- call }()
		s, err := c.ready(ctx)
		if err != nil {
			call.Error = errors.Trace(err)
			return
		}
		inner := <-s.Go(ctx, service, method, reply, nil, args...).Done
		call.Error, call.AccessDenied = inner.Error, inner.AccessDenied
	}()
	return call
}

// RegisterService announces that the client uses a server service. The
// server rejects unknown names. Announced services are repeated after
// every reconnect, before other calls are let through.
func (c *Client) RegisterService(ctx context.Context, service string) error {
	s, err := c.ready(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var ok bool
	if err := s.Control(ctx, service, RegisterServiceControl, &ok); err != nil {
		return err
	}
	c.mu.Lock()
	c.announced = append(c.announced, service)
	c.mu.Unlock()
	return nil
}

func (c *Client) reannounce(ctx context.Context) {
	c.mu.Lock()
	names := append([]string(nil), c.announced...)
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	for _, name := range names {
		var ok bool
		if err := s.Control(ctx, name, RegisterServiceControl, &ok); err != nil {
			logger.Warningf("re-announcing %s: %v", name, err)
		}
	}
}

// Ping probes the server. An unanswered ping drops the connection.
func (c *Client) Ping(ctx context.Context) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

// ServiceDetails asks the server for its service catalogue.
func (c *Client) ServiceDetails(ctx context.Context, hostURL string) (*message.ServiceDetails, error) {
	s, err := c.ready(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	payload, err := c.opts.codec.Encode(hostURL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	f, err := s.Request(ctx, &protocol.Frame{Type: protocol.GetServiceDetails, Payload: payload}, protocol.GetServiceDetails)
	if err != nil {
		return nil, err
	}
	details := &message.ServiceDetails{}
	if err := c.opts.codec.Decode(f.Payload, details); err != nil {
		return nil, errors.Annotate(err, "decoding service details")
	}
	return details, nil
}

// MethodParameterDetails returns a serialized skeleton of a parameter's type.
func (c *Client) MethodParameterDetails(ctx context.Context, service, method, parameter string) (string, error) {
	s, err := c.ready(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	payload, err := c.opts.codec.Encode(&message.ParameterDetailsRequest{
		ServiceName:   service,
		MethodName:    method,
		ParameterName: parameter,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	f, err := s.Request(ctx, &protocol.Frame{Type: protocol.GetMethodParameterDetails, Payload: payload}, protocol.GetMethodParameterDetails)
	if err != nil {
		return "", err
	}
	if len(f.Payload) == 0 {
		return "", errors.NotFoundf("parameter %s of %s.%s", parameter, service, method)
	}
	return string(f.Payload), nil
}

// streams returns a stream client bound to the current server.
func (c *Client) streams(ctx context.Context) (*stream.Client, error) {
	s, err := c.ready(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.mu.Lock()
	addr := c.connected
	c.mu.Unlock()
	return &stream.Client{
		Addr:       addr,
		ClientID:   s.ID(),
		Codec:      c.opts.codec,
		MaxReceive: c.opts.maxReceive,
		Clock:      c.opts.clock,
	}, nil
}

// Upload sends a stream to service.method over a secondary connection.
// Exactly one argument must hold a *stream.Info.
func (c *Client) Upload(ctx context.Context, service, method string, reply any, args ...dispatch.Argument) error {
	sc, err := c.streams(ctx)
	if err != nil {
		return err
	}
	return sc.Upload(ctx, service, method, reply, args...)
}

// Download calls service.method over a secondary connection and returns
// the stream it produces. The caller must Close it.
func (c *Client) Download(ctx context.Context, service, method string, args ...dispatch.Argument) (*stream.Info, error) {
	sc, err := c.streams(ctx)
	if err != nil {
		return nil, err
	}
	return sc.Download(ctx, service, method, args...)
}

// SendOneWay runs one call on a dedicated connection.
func (c *Client) SendOneWay(ctx context.Context, service, method string, reply any, args ...dispatch.Argument) error {
	sc, err := c.streams(ctx)
	if err != nil {
		return err
	}
	return sc.SendOneWay(ctx, service, method, reply, args...)
}
