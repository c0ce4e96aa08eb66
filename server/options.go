package server

import (
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/security"

	"github.com/juju/clock"
)

type options struct {
	codec          codec.Codec
	cipher         security.Cipher
	maxReceive     uint32
	maxSend        uint32
	workers        int64
	requestTimeout time.Duration
	hostURL        string
	ttl            int64
	clock          clock.Clock
}

func defaultOptions() options {
	return options{
		codec: &codec.JSONCodec{},
		ttl:   10,
		clock: clock.WallClock,
	}
}

// Option configures a Server.
type Option func(*options)

// WithCodec sets the serializer for call records and values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCipher encrypts frame payloads on plain and HTTP-duplex connections.
func WithCipher(c security.Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithMaxReceive bounds accepted payloads. 0 keeps the protocol default.
func WithMaxReceive(n uint32) Option {
	return func(o *options) { o.maxReceive = n }
}

// WithMaxSend bounds outgoing payloads. 0 means unlimited.
func WithMaxSend(n uint32) Option {
	return func(o *options) { o.maxSend = n }
}

// WithWorkers bounds concurrent inbound calls per connection.
func WithWorkers(n int64) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout bounds pings and detail requests sent by the server.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithHostURL is reported in service details.
func WithHostURL(url string) Option {
	return func(o *options) { o.hostURL = url }
}

// WithRegistrationTTL sets the lease, in seconds, of registry entries.
func WithRegistrationTTL(ttl int64) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}
