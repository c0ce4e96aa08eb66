package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/registry"
)

// ConsistentHash maps a client key to an instance on a hash ring with
// virtual nodes, so the same client keeps reaching the same server while
// the instance set is stable.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt only when the instance set changes.
type ConsistentHash struct {
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint32                            // sorted virtual node hashes
	nodes     map[uint32]registry.ServiceInstance // virtual node → instance
}

// NewConsistentHash creates a balancer with 100 virtual nodes per instance.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: 100}
}

func (b *ConsistentHash) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.signature && b.nodes != nil {
		return
	}
	b.signature = signature
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the first virtual node clockwise from the key's hash.
func (b *ConsistentHash) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}
