package client

import (
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/loadbalance"
	"duplex-rpc/reconnect"
	"duplex-rpc/registry"
	"duplex-rpc/security"
	"duplex-rpc/transport"

	"github.com/juju/clock"
)

type options struct {
	codec          codec.Codec
	cipher         security.Cipher
	variant        transport.Variant
	maxReceive     uint32
	maxSend        uint32
	workers        int64
	requestTimeout time.Duration
	autoReconnect  bool
	reconnectDelay time.Duration
	priorityDelay  time.Duration
	clock          clock.Clock
	onStateChange  func(reconnect.State)

	registry registry.Registry
	balancer loadbalance.Balancer
	service  string // service looked up in the registry
	key      string // balancer key
}

func defaultOptions() options {
	return options{
		codec:   &codec.JSONCodec{},
		variant: transport.PlainDuplex,
		clock:   clock.WallClock,
	}
}

// Option configures a Client.
type Option func(*options)

// WithCodec sets the serializer for call records and values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCipher encrypts frame payloads. The server must use the same key.
func WithCipher(c security.Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithVariant selects PlainDuplex, HTTPDuplex or WebSocket.
func WithVariant(v transport.Variant) Option {
	return func(o *options) { o.variant = v }
}

func WithMaxReceive(n uint32) Option {
	return func(o *options) { o.maxReceive = n }
}

// WithMaxSend bounds outgoing payloads; larger calls fail before sending.
func WithMaxSend(n uint32) Option {
	return func(o *options) { o.maxSend = n }
}

// WithWorkers bounds concurrent calls pushed by the server.
func WithWorkers(n int64) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout bounds the handshake, pings and detail requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithAutoReconnect reconnects after a lost connection, waiting delay
// between attempts.
func WithAutoReconnect(delay time.Duration) Option {
	return func(o *options) {
		o.autoReconnect = true
		o.reconnectDelay = delay
	}
}

// WithPriorityDelay sets the pause between retried priority probes.
func WithPriorityDelay(d time.Duration) Option {
	return func(o *options) { o.priorityDelay = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStateListener is called after every connection state change.
func WithStateListener(f func(reconnect.State)) Option {
	return func(o *options) { o.onStateChange = f }
}

// WithDiscovery resolves the server address of service through reg and
// bal on every connect. key is passed to the balancer.
func WithDiscovery(reg registry.Registry, bal loadbalance.Balancer, service, key string) Option {
	return func(o *options) {
		o.registry = reg
		o.balancer = bal
		o.service = service
		o.key = key
	}
}
