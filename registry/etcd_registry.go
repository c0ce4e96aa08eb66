package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var logger = loggo.GetLogger("duplexrpc.registry")

// EtcdRegistry implements Registry on etcd v3. Registrations are bound to
// a lease renewed by KeepAlive, so a crashed server disappears once its
// lease expires.
type EtcdRegistry struct {
	client *clientv3.Client // shared, safe for concurrent use

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance key → lease
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(cfg clientv3.Config) (*EtcdRegistry, error) {
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Close releases the etcd client. Registered leases expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotatef(err, "granting lease for %s", serviceName)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "registering %s", key)
	}

	// KeepAlive outlives the registration call.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Annotatef(err, "keeping %s alive", key)
	}
	go func() {
		for range ch {
		}
		logger.Debugf("lease for %s stopped renewing", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deregistering %s", key)
	}
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			logger.Warningf("revoking lease for %s: %v", key, err)
		}
	}
	return nil
}

func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		// re-read the whole prefix on any change instead of applying events
		for range r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				logger.Warningf("refreshing %s after watch event: %v", serviceName, err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", serviceName)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logger.Debugf("skipping malformed entry %s", kv.Key)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
