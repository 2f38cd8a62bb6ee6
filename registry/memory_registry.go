package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// MemoryRegistry is an in-process Registry. Entries never expire; ttl is
// ignored. It serves single-process deployments and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance // service → addr → instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, inst Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][inst.Addr] = inst
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.watchers[service] = lo.Without(r.watchers[service], ch)
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }

func (r *MemoryRegistry) list(service string) []Instance {
	instances := lo.Values(r.services[service])
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify replaces any unread update with the latest list. Callers hold mu.
func (r *MemoryRegistry) notify(service string) {
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- r.list(service)
	}
}
