// Package server hosts duplex-rpc services on one listening port.
//
// Every accepted connection is negotiated first and then handed to the
// provider for its variant:
//
//	Accept conn → transport.Negotiate
//	  ├─ stream transfer → stream.Provider.ServeStream
//	  ├─ one-way         → stream.Provider.ServeOneWay
//	  ├─ plain HTTP      → chi router → handler chain
//	  └─ duplex          → dispatch.Session (one read loop per connection)
//	                         → go handler chain → dispatch.Invoker
//
// The handler chain is the registered middleware wrapped around the invoker,
// built once when serving starts.
package server

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/registry"
	"duplex-rpc/stream"
	"duplex-rpc/transport"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"
)

var logger = loggo.GetLogger("duplexrpc.server")

// ErrShutdown answers calls that arrive after Shutdown started.
const ErrShutdown = errors.ConstError("server is shutting down")

// Server registers services and serves every connection variant.
type Server struct {
	opts        options
	services    *dispatch.Registry
	invoker     *dispatch.Invoker
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware chain around the invoker
	streams     *stream.Provider
	router      chi.Router
	ctx         context.Context // parent of every inbound call, cancelled on shutdown
	cancel      context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{} // closed once listening

	sessions sync.Map       // client id → *dispatch.Session
	wg       sync.WaitGroup // in-flight calls
	shutdown atomic.Bool

	registry      registry.Registry // nil without discovery
	advertiseAddr string            // address announced to the registry
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svr := &Server{
		opts:     o,
		services: dispatch.NewRegistry(),
		ready:    make(chan struct{}),
	}
	svr.invoker = dispatch.NewInvoker(svr.services, o.codec)
	svr.ctx, svr.cancel = context.WithCancel(context.Background())
	return svr
}

// Register adds a service. Services must be registered before Serve.
func (svr *Server) Register(spec dispatch.ServiceSpec) error {
	return svr.services.Register(spec)
}

// Use appends a middleware. Middlewares run in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. advertiseAddr is the
// routable address announced to reg; reg may be nil.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", address)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted from listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	chain := middleware.Chain(svr.middlewares...)
	svr.handler = svr.track(chain(svr.invoker.Handle))
	svr.streams = &stream.Provider{
		Invoker:    svr.invoker,
		Middleware: func(next middleware.HandlerFunc) middleware.HandlerFunc { return svr.track(chain(next)) },
		MaxReceive: svr.opts.maxReceive,
	}
	svr.router = svr.routes()

	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for _, name := range svr.services.Names() {
			instance := registry.ServiceInstance{Addr: advertiseAddr}
			if err := reg.Register(svr.ctx, name, instance, svr.opts.ttl); err != nil {
				listener.Close()
				return errors.Annotatef(err, "announcing %s", name)
			}
		}
	}

	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	close(svr.ready)
	logger.Infof("serving %v on %s", svr.services.Names(), listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			// closing the listener during Shutdown is not an error
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Trace(err)
		}
		go svr.handleConn(conn)
	}
}

// Ready is closed once the server accepts connections.
func (svr *Server) Ready() <-chan struct{} { return svr.ready }

// Addr returns the listening address, nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) transportOptions() transport.Options {
	return transport.Options{
		MaxReceive: svr.opts.maxReceive,
		MaxSend:    svr.opts.maxSend,
		Cipher:     svr.opts.cipher,
	}
}

// track counts in-flight calls for Shutdown.
func (svr *Server) track(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
		if svr.shutdown.Load() {
			return message.Exception(call.ID, ErrShutdown.Error())
		}
		svr.wg.Add(1)
		defer svr.wg.Done()
		return next(ctx, call)
	}
}

func (svr *Server) handleConn(conn net.Conn) {
	hs, err := transport.Negotiate(conn, svr.transportOptions())
	if err != nil {
		logger.Debugf("negotiating with %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	switch hs.Variant {
	case transport.StreamTransfer:
		// a download keeps writing after its call returns
		svr.wg.Add(1)
		err = svr.streams.ServeStream(svr.ctx, hs.Conn, hs.Reader)
		svr.wg.Done()
	case transport.OneWay:
		err = svr.streams.ServeOneWay(svr.ctx, hs.Conn, hs.Reader)
	case transport.HTTP:
		err = svr.serveHTTP(hs)
	default:
		svr.serveDuplex(hs.Frames)
	}
	if err != nil {
		logger.Warningf("%s connection from %s: %v", hs.Variant, conn.RemoteAddr(), err)
	}
}

// serveDuplex issues a client id, then runs the session until it ends.
func (svr *Server) serveDuplex(conn transport.FrameConn) {
	id := uuid.NewString()
	s := dispatch.NewSession(conn, dispatch.SessionConfig{
		Codec:          svr.opts.codec,
		Handler:        svr.handler,
		Controls:       svr.controls(),
		OnFrame:        svr.onFrame,
		OnClose:        svr.onClose,
		Peer:           dispatch.Peer{ClientID: id},
		Context:        svr.ctx,
		Workers:        svr.opts.workers,
		MaxSend:        svr.opts.maxSend,
		RequestTimeout: svr.opts.requestTimeout,
		Clock:          svr.opts.clock,
	})
	// stored first so the client can be called back as soon as it has its id
	svr.sessions.Store(id, s)
	if svr.shutdown.Load() {
		svr.sessions.Delete(id)
		s.Close()
		return
	}
	if err := svr.sendClientID(s); err != nil {
		logger.Debugf("sending client id to %s: %v", conn.RemoteAddr(), err)
		svr.sessions.Delete(id)
		s.Close()
		return
	}
	logger.Debugf("client %s connected over %s from %s", id, conn.Variant(), conn.RemoteAddr())
	s.Start()
}

func (svr *Server) onClose(s *dispatch.Session, err error) {
	svr.sessions.Delete(s.ID())
	svr.invoker.Instances().EvictClient(s.ID())
	if err != nil {
		logger.Debugf("client %s disconnected: %v", s.ID(), err)
	}
}

// Clients returns the ids of connected duplex clients.
func (svr *Server) Clients() []string {
	var ids []string
	svr.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// CallClient invokes a service the client registered on its end of the
// connection identified by clientID.
func (svr *Server) CallClient(ctx context.Context, clientID, service, method string, reply any, args ...dispatch.Argument) error {
	v, ok := svr.sessions.Load(clientID)
	if !ok {
		return errors.NotFoundf("client %q", clientID)
	}
	return v.(*dispatch.Session).Call(ctx, service, method, reply, args...)
}

// PingClient probes a connected client. An unanswered ping drops it.
func (svr *Server) PingClient(ctx context.Context, clientID string) error {
	v, ok := svr.sessions.Load(clientID)
	if !ok {
		return errors.NotFoundf("client %q", clientID)
	}
	return v.(*dispatch.Session).Ping(ctx)
}

// Shutdown stops the server:
//  1. deregister every service so clients stop picking this server
//  2. close the listener
//  3. wait up to timeout for in-flight calls
//  4. close every session, which wakes their pending outbound calls
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range svr.services.Names() {
			if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
				logger.Warningf("deregistering %s: %v", name, err)
			}
		}
		cancel()
	}

	// set the flag before closing so Serve sees an intentional close
	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-svr.opts.clock.After(timeout):
		err = errors.Timeoutf("waiting for in-flight calls")
	}

	svr.cancel()
	var g errgroup.Group
	svr.sessions.Range(func(_, v any) bool {
		g.Go(v.(*dispatch.Session).Close)
		return true
	})
	if cerr := g.Wait(); err == nil {
		err = cerr
	}
	return err
}

func (svr *Server) sendClientID(s *dispatch.Session) error {
	data, err := svr.opts.codec.Encode(s.ID())
	if err != nil {
		return errors.Trace(err)
	}
	return s.Send(&protocol.Frame{Type: protocol.GetClientId, Payload: data})
}
