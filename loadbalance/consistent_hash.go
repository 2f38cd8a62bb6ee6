package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"remote-signal/registry"
)

// ConsistentHashBalancer maps a fixed key (usually the client's identity)
// onto a hash ring of the discovered instances. The same key keeps picking
// the same instance while the instance set is stable, and only keys owned
// by a departed instance move when it changes.
//
// Each real instance gets 100 virtual nodes hashed from "{addr}#{i}".
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
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	sig   string   // Addresses the ring was built from
	ring  []uint32 // Sorted hash values on the ring
	nodes map[uint32]registry.Instance
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick rebuilds the ring only when the instance set changed since the last
// call.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := lo.Map(instances, func(inst registry.Instance, _ int) string { return inst.Addr })
	sort.Strings(addrs)
	if sig := strings.Join(addrs, ","); sig != b.sig {
		b.build(instances)
		b.sig = sig
	}
	return b.lookup(b.key), nil
}

func (b *ConsistentHashBalancer) build(instances []registry.Instance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Instance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) lookup(key string) registry.Instance {
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
