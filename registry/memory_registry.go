package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRegistry keeps registrations in process. It suits single-host
// deployments and tests; ttl is ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // service → addr → instance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	name := strings.ToLower(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[name] == nil {
		r.services[name] = make(map[string]ServiceInstance)
	}
	r.services[name][instance.Addr] = instance
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	name := strings.ToLower(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[name], addr)
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(strings.ToLower(serviceName)), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	name := strings.ToLower(serviceName)
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[name]
		for i, w := range ws {
			if w == ch {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns instances sorted by address. r.mu must be held.
func (r *MemoryRegistry) list(name string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[name]))
	for _, inst := range r.services[name] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify replaces any unread snapshot with the current one. r.mu must be held.
func (r *MemoryRegistry) notify(name string) {
	snapshot := r.list(name)
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
