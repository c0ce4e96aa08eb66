package dispatch

import (
	"context"
	"net"

	"duplex-rpc/message"
)

// ConcurrencyPolicy selects the mutual-exclusion scope held while a method runs.
type ConcurrencyPolicy int

const (
	ConcurrencyNone             ConcurrencyPolicy = iota // no serialization
	ConcurrencyFull                                      // one call at a time in the process
	ConcurrencyPerCaller                                 // one call at a time per client id
	ConcurrencyPerCallerAddress                          // one call at a time per client address
	ConcurrencyPerMethod                                 // one call at a time per method
)

func (p ConcurrencyPolicy) String() string {
	switch p {
	case ConcurrencyNone:
		return "none"
	case ConcurrencyFull:
		return "full"
	case ConcurrencyPerCaller:
		return "per-caller"
	case ConcurrencyPerCallerAddress:
		return "per-caller-address"
	case ConcurrencyPerMethod:
		return "per-method"
	}
	return "unknown"
}

// ClientLimitation admits or rejects callers by address. Entries are host
// addresses or CIDR ranges. An empty Allow list admits every address not
// listed in Deny. Rejected calls answer with Fallback.
type ClientLimitation struct {
	Allow    []string
	Deny     []string
	Fallback any
}

func (l ClientLimitation) permits(host string) bool {
	if len(l.Allow) > 0 && !matchAny(l.Allow, host) {
		return false
	}
	return !matchAny(l.Deny, host)
}

func matchAny(entries []string, host string) bool {
	ip := net.ParseIP(host)
	for _, e := range entries {
		if e == host {
			return true
		}
		if _, network, err := net.ParseCIDR(e); err == nil && ip != nil && network.Contains(ip) {
			return true
		}
	}
	return false
}

// SecurityContract decides whether a resolved call may run.
type SecurityContract interface {
	Authorize(ctx context.Context, call *message.CallRecord) bool
}

// SecurityFunc adapts a function to SecurityContract.
type SecurityFunc func(ctx context.Context, call *message.CallRecord) bool

func (f SecurityFunc) Authorize(ctx context.Context, call *message.CallRecord) bool {
	return f(ctx, call)
}

// MethodPolicy is everything attached to a method besides its body.
type MethodPolicy struct {
	Concurrency      ConcurrencyPolicy
	Limitations      []ClientLimitation
	Security         []SecurityContract
	SecurityFallback any      // answered when a security contract rejects the call
	Exclude          []string // result fields never serialized back
}

// admit evaluates limitations first, then security contracts. The fallback
// of the rule that rejected the call is returned with false.
func (p *MethodPolicy) admit(ctx context.Context, peer Peer, call *message.CallRecord) (bool, any) {
	host := peer.Host()
	for _, l := range p.Limitations {
		if !l.permits(host) {
			return false, l.Fallback
		}
	}
	for _, c := range p.Security {
		if !c.Authorize(ctx, call) {
			return false, p.SecurityFallback
		}
	}
	return true, nil
}
