package registry

import (
	"context"
	"net"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdEndpoint = "localhost:2379"

func newEtcdRegistry(t *testing.T) *EtcdRegistry {
	conn, err := net.DialTimeout("tcp", etcdEndpoint, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdEndpoint, err)
	}
	conn.Close()
	reg, err := NewEtcdRegistry(clientv3.Config{Endpoints: []string{etcdEndpoint}, DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	if err := reg.Register(ctx, "EchoService", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "EchoService", inst2, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, "EchoService", inst2.Addr)

	instances, err := reg.Discover(ctx, "echoservice")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "EchoService", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(ctx, "EchoService")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %+v", inst2.Addr, instances)
	}
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := reg.Watch(ctx, "WatchService")
	inst := ServiceInstance{Addr: "127.0.0.1:8101"}
	if err := reg.Register(ctx, "WatchService", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "WatchService", inst.Addr)

	select {
	case instances := <-ch:
		if len(instances) != 1 || instances[0].Addr != inst.Addr {
			t.Fatalf("unexpected watch snapshot %+v", instances)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event after register")
	}
}
