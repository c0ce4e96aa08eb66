package dispatch

import (
	"sync"

	"github.com/im7mortal/kmutex"
)

type instanceKey struct {
	service  string
	clientID string
}

// Instances keeps the receivers of per-client services.
type Instances struct {
	byKey  sync.Map // instanceKey → receiver
	create *kmutex.Kmutex
}

func NewInstances() *Instances {
	return &Instances{create: kmutex.New()}
}

// receiver returns the instance backing svc for clientID, creating it once.
// Calls without a client id get a fresh instance that is never cached.
func (in *Instances) receiver(svc *service, clientID string) any {
	if svc.instancing == SingleInstance {
		return svc.single
	}
	if clientID == "" {
		return svc.newFn()
	}
	key := instanceKey{service: svc.name, clientID: clientID}
	if v, ok := in.byKey.Load(key); ok {
		return v
	}
	in.create.Lock(key)
	defer in.create.Unlock(key)
	if v, ok := in.byKey.Load(key); ok {
		return v
	}
	v := svc.newFn()
	in.byKey.Store(key, v)
	return v
}

// EvictClient drops every instance created for clientID.
func (in *Instances) EvictClient(clientID string) {
	in.byKey.Range(func(k, _ any) bool {
		if k.(instanceKey).clientID == clientID {
			in.byKey.Delete(k)
		}
		return true
	})
}

// Count returns the number of live per-client instances.
func (in *Instances) Count() int {
	n := 0
	in.byKey.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
