package dispatch

import (
	"context"
	"net"
)

// Peer identifies the remote end an inbound call came from.
type Peer struct {
	ClientID string
	Addr     string
}

// Host returns Addr without its port.
func (p Peer) Host() string {
	host, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return p.Addr
	}
	return host
}

type peerKey struct{}

func NewPeerContext(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

// ValueBinder sees every decoded parameter value before the method runs.
// Providers use it to attach connection-bound state such as a stream body.
type ValueBinder func(v any)

type binderKey struct{}

func WithValueBinder(ctx context.Context, b ValueBinder) context.Context {
	return context.WithValue(ctx, binderKey{}, b)
}

func binderFromContext(ctx context.Context) ValueBinder {
	b, _ := ctx.Value(binderKey{}).(ValueBinder)
	return b
}
