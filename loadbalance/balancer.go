// Package loadbalance chooses the server endpoint a client connects to.
//
// A client picks once per connect and again on every reconnect, so the
// strategies only decide which server owns a connection, never a single call:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers with different capacity
//   - ConsistentHash:  sticky by client key, so per-client service instances
//     keep landing on the same server across reconnects
package loadbalance

import (
	"duplex-rpc/registry"

	"github.com/juju/errors"
)

// ErrNoInstances is returned when there is nothing to pick from.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer selects one instance for a connection.
type Balancer interface {
	// Pick selects one instance. key identifies the connecting client and
	// may be empty. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name for logging.
	Name() string
}

// New returns the balancer registered under name, as used by the CLI.
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobin{}, nil
	case "weighted":
		return &WeightedRandom{}, nil
	case "hash":
		return NewConsistentHash(), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
