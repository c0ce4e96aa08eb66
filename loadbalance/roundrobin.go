package loadbalance

import (
	"sync/atomic"

	"duplex-rpc/registry"
)

// RoundRobin hands out instances in order using an atomic counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
