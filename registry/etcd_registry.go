package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"remote-signal/xlog"
)

// KeyPrefix is the root of every key the registry writes:
//
//	Key:   /remote-signal/{Service}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed automatically.
const KeyPrefix = "/remote-signal/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	log    xlog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // Key → lease kept alive for it
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{
		client: c,
		log:    xlog.Component("registry"),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func serviceKey(service, addr string) string {
	return KeyPrefix + service + "/" + addr
}

// Register puts the instance under a fresh lease and keeps the lease alive
// until Deregister, Close, or ctx is cancelled.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	key := serviceKey(service, inst.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// The keepalive must outlive the registration call, so it does not
	// inherit ctx's deadline. Revoking the lease ends it.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()

	r.mu.Lock()
	prev, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.client.Revoke(ctx, prev)
	}
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := serviceKey(service, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return errors.Wrap(err, "revoke lease")
		}
	}
	return nil
}

// Discover returns all registered instances of service, sorted by address.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn().Err(err).Bytes("key", kv.Key).Msg("skipping malformed instance")
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. It is simpler than applying individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, KeyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn().Err(err).Str("service", service).Msg("refresh after watch event failed")
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

// Close revokes every lease this registry holds and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range leases {
		r.client.Revoke(ctx, id)
	}
	return r.client.Close()
}
