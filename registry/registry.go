// Package registry announces duplex-rpc servers and lets clients find them.
//
// Every registered service of a server is published under
//
//	Key:   /duplex-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// so a client that knows the service it wants can pick an endpoint before it
// connects, and again before every reconnect.
package registry

import (
	"context"
	"strings"
)

// Prefix is the root of every key written by a Registry.
const Prefix = "/duplex-rpc/"

// ServiceInstance is one server endpoint offering a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance until Deregister is called or the lease
	// of ttl seconds lapses without renewal.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func servicePrefix(serviceName string) string {
	return Prefix + strings.ToLower(serviceName) + "/"
}

func instanceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}
