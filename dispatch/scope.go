package dispatch

import (
	"sync"

	"github.com/im7mortal/kmutex"
)

// Scopes hands out the exclusion scopes named by ConcurrencyPolicy. A scope
// is held for the whole duration of a method body.
type Scopes struct {
	full  sync.Mutex
	keyed *kmutex.Kmutex
}

func NewScopes() *Scopes {
	return &Scopes{keyed: kmutex.New()}
}

// Acquire blocks until the scope for policy is free and returns its release.
func (s *Scopes) Acquire(policy ConcurrencyPolicy, peer Peer, methodKey string) func() {
	var key string
	switch policy {
	case ConcurrencyFull:
		s.full.Lock()
		return s.full.Unlock
	case ConcurrencyPerCaller:
		key = "client:" + peer.ClientID
	case ConcurrencyPerCallerAddress:
		key = "addr:" + peer.Host()
	case ConcurrencyPerMethod:
		key = "method:" + methodKey
	default:
		return func() {}
	}
	s.keyed.Lock(key)
	return func() { s.keyed.Unlock(key) }
}
