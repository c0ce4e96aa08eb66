package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/loadbalance"
	"duplex-rpc/message"
	"duplex-rpc/protocol"
	"duplex-rpc/reconnect"
	"duplex-rpc/registry"
	"duplex-rpc/security"
	"duplex-rpc/server"
	"duplex-rpc/stream"
	"duplex-rpc/transport"

	"github.com/juju/errors"
)

type Person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type Greeter struct{}

func (Greeter) Say(message string) string { return message }

func (Greeter) Greet(p Person) string { return "hello " + p.Name }

func (Greeter) Fail() error { return errors.New("boom") }

func (Greeter) Secret() string { return "classified" }

func (Greeter) Fetch(size int) (*stream.Info, error) {
	return stream.NewInfo(bytes.NewReader(bytes.Repeat([]byte{'z'}, size)), int64(size)), nil
}

func (Greeter) Log(line string) int { return len(line) }

var greeterSpec = dispatch.ServiceSpec{
	Name: "Greeter",
	New:  func() any { return Greeter{} },
	Methods: []dispatch.MethodSpec{
		{Name: "Say", Func: Greeter.Say, Params: []dispatch.Param{dispatch.Required("message")}},
		{Name: "Greet", Func: Greeter.Greet, Params: []dispatch.Param{dispatch.Required("person")}},
		{Name: "Fail", Func: Greeter.Fail},
		{Name: "Secret", Func: Greeter.Secret, Policy: dispatch.MethodPolicy{
			Security:         []dispatch.SecurityContract{dispatch.SecurityFunc(func(context.Context, *message.CallRecord) bool { return false })},
			SecurityFallback: "nope",
		}},
		{Name: "Fetch", Func: Greeter.Fetch, Params: []dispatch.Param{dispatch.Required("size")}},
		{Name: "Log", Func: Greeter.Log, Params: []dispatch.Param{dispatch.Required("line")}},
	},
}

func serveAt(t *testing.T, addr string, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(opts...)
	if err := svr.Register(greeterSpec); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln, "", nil)
	<-svr.Ready()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, ln.Addr().String()
}

func connect(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c := NewClient(addr, opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEchoSay(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	for _, variant := range []transport.Variant{transport.PlainDuplex, transport.HTTPDuplex, transport.WebSocket} {
		c := connect(t, addr, WithVariant(variant))
		if c.ID() == "" {
			t.Fatalf("%s: no client id after connect", variant)
		}
		var reply string
		if err := c.Call(context.Background(), "Greeter", "Say", &reply, dispatch.Arg("message", "hello")); err != nil {
			t.Fatalf("%s: %v", variant, err)
		}
		if reply != "hello" {
			t.Fatalf("%s: expect hello, got %q", variant, reply)
		}
	}
}

func TestLongReplyOverWebSocket(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr, WithVariant(transport.WebSocket))

	long := strings.Repeat("w", 75000)
	var reply string
	if err := c.Call(context.Background(), "Greeter", "Say", &reply, dispatch.Arg("message", long)); err != nil {
		t.Fatal(err)
	}
	if reply != long {
		t.Fatalf("reply of %d chars does not match", len(reply))
	}
}

func TestEncryptedConnection(t *testing.T) {
	key, iv := []byte("0123456789abcdef"), []byte("fedcba9876543210")
	serverCipher, _ := security.NewAESCipher(key, iv)
	clientCipher, _ := security.NewAESCipher(key, iv)
	_, addr := serveAt(t, "127.0.0.1:0", server.WithCipher(serverCipher))
	c := connect(t, addr, WithCipher(clientCipher))

	var reply string
	if err := c.Call(context.Background(), "Greeter", "Greet", &reply, dispatch.Arg("person", Person{Name: "ana"})); err != nil {
		t.Fatal(err)
	}
	if reply != "hello ana" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestRemoteErrorAndDenial(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr)
	ctx := context.Background()

	err := c.Call(ctx, "Greeter", "Fail", nil)
	var remote *dispatch.RemoteError
	if !errors.As(err, &remote) || remote.Message != "boom" {
		t.Fatalf("expect remote boom, got %v", err)
	}

	var reply string
	if err := c.Call(ctx, "Greeter", "Secret", &reply); err != nil {
		t.Fatal(err)
	}
	if reply != "nope" {
		t.Fatalf("expect the fallback, got %q", reply)
	}

	call := <-c.Go(ctx, "Greeter", "Secret", new(string), nil).Done
	if call.Error != nil || !call.AccessDenied {
		t.Fatalf("expect an access-denied async call, got %+v", call)
	}
}

func TestConcurrentAsyncCalls(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr)

	const n = 40
	done := make(chan *dispatch.Call, n)
	replies := make([]int, n)
	for i := 0; i < n; i++ {
		c.Go(context.Background(), "Greeter", "Log", &replies[i], done, dispatch.Arg("line", strings.Repeat("x", i)))
	}
	for i := 0; i < n; i++ {
		if call := <-done; call.Error != nil {
			t.Fatal(call.Error)
		}
	}
	for i, r := range replies {
		if r != i {
			t.Fatalf("call %d got %d", i, r)
		}
	}
}

func TestDetails(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0", server.WithHostURL("http://example"))
	c := connect(t, addr)
	ctx := context.Background()

	details, err := c.ServiceDetails(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if details.HostURL != "http://example" || len(details.Services) != 1 || details.Services[0].Name != "Greeter" {
		t.Fatalf("unexpected details %+v", details)
	}
	if m := details.Services[0].Methods[0]; m.Name != "Say" || m.ReturnType != "string" {
		t.Fatalf("unexpected first method %+v", m)
	}

	skeleton, err := c.MethodParameterDetails(ctx, "Greeter", "Greet", "person")
	if err != nil {
		t.Fatal(err)
	}
	if skeleton != `{"name":"","age":0}` {
		t.Fatalf("unexpected skeleton %s", skeleton)
	}
	if _, err := c.MethodParameterDetails(ctx, "Greeter", "Greet", "nobody"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expect not found, got %v", err)
	}
}

func TestRegisterService(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr)

	if err := c.RegisterService(context.Background(), "Greeter"); err != nil {
		t.Fatal(err)
	}
	var remote *dispatch.RemoteError
	if err := c.RegisterService(context.Background(), "Nope"); !errors.As(err, &remote) {
		t.Fatalf("expect a remote error for an unknown service, got %v", err)
	}
}

func TestPing(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStreamsThroughClient(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr)
	ctx := context.Background()

	info, err := c.Download(ctx, "Greeter", "Fetch", dispatch.Arg("size", 250000))
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(info)
	info.Close()
	if err != nil || len(data) != 250000 {
		t.Fatalf("expect 250000 bytes, got %d %v", len(data), err)
	}

	var n int
	if err := c.SendOneWay(ctx, "Greeter", "Log", &n, dispatch.Arg("line", "abc")); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expect 3, got %d", n)
	}
}

func TestCallBeforeConnect(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	if err := c.Call(context.Background(), "Greeter", "Say", nil); !errors.Is(err, reconnect.ErrNotConnected) {
		t.Fatalf("expect not connected, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	_, addr := serveAt(t, "127.0.0.1:0")
	c := connect(t, addr, WithAutoReconnect(10*time.Millisecond))

	if !c.Disconnect() {
		t.Fatal("first disconnect should report true")
	}
	if c.Disconnect() {
		t.Fatal("second disconnect should report false")
	}
	if c.State() != reconnect.Disconnected {
		t.Fatalf("expect disconnected, got %s", c.State())
	}
	if err := c.Call(context.Background(), "Greeter", "Say", nil, dispatch.Arg("message", "x")); !errors.Is(err, reconnect.ErrNotConnected) {
		t.Fatalf("expect not connected, got %v", err)
	}
}

func TestReconnectAfterServerRestart(t *testing.T) {
	first, addr := serveAt(t, "127.0.0.1:0")

	var mu sync.Mutex
	var states []reconnect.State
	c := connect(t, addr,
		WithAutoReconnect(20*time.Millisecond),
		WithStateListener(func(s reconnect.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	if err := c.RegisterService(context.Background(), "Greeter"); err != nil {
		t.Fatal(err)
	}
	oldID := c.ID()

	if err := first.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != reconnect.Reconnecting {
		if time.Now().After(deadline) {
			t.Fatalf("client never started reconnecting, state %s", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	serveAt(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var reply string
	if err := c.Call(ctx, "Greeter", "Say", &reply, dispatch.Arg("message", "again")); err != nil {
		t.Fatal(err)
	}
	if reply != "again" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if c.ID() == oldID {
		t.Fatal("expect a new client id after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if states[len(states)-1] != reconnect.Connected {
		t.Fatalf("expect to end connected, saw %v", states)
	}
}

func TestDiscovery(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := server.NewServer()
	if err := svr.Register(greeterSpec); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln, "", reg)
	<-svr.Ready()
	defer svr.Shutdown(time.Second)

	c := connect(t, "", WithDiscovery(reg, &loadbalance.RoundRobin{}, "Greeter", ""))
	var reply string
	if err := c.Call(context.Background(), "Greeter", "Say", &reply, dispatch.Arg("message", "found")); err != nil {
		t.Fatal(err)
	}

	empty := NewClient("", WithDiscovery(registry.NewMemoryRegistry(), &loadbalance.RoundRobin{}, "Greeter", ""))
	if err := empty.Connect(context.Background()); !errors.Is(err, loadbalance.ErrNoInstances) {
		t.Fatalf("expect no instances, got %v", err)
	}
}

func TestDisconnectDuringHandshakeClosesSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	negotiated := make(chan struct{})
	sendID := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs, err := transport.Negotiate(conn, transport.Options{})
		if err != nil {
			t.Error(err)
			return
		}
		close(negotiated)
		<-sendID
		hs.Frames.WriteFrame(&protocol.Frame{Type: protocol.GetClientId, Payload: []byte(`"late-id"`)})
		for {
			if _, err := hs.Frames.ReadFrame(); err != nil {
				close(closed)
				return
			}
		}
	}()

	c := NewClient(ln.Addr().String())
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	select {
	case <-negotiated:
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed")
	}
	c.Disconnect()
	close(sendID)

	if err := <-errc; !errors.Is(err, reconnect.ErrNotConnected) {
		t.Fatalf("expect not connected, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session opened during the disconnect was left running")
	}
	if c.ID() != "" || c.State() != reconnect.Disconnected {
		t.Fatalf("expect a disconnected client, id %q state %s", c.ID(), c.State())
	}
}
