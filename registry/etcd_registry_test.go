package registry

import (
	"context"
	"testing"
	"time"
)

// 需要本地 etcd (localhost:2379)，连不上就跳过
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, KeyPrefix); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	// Register two instances
	inst1 := Instance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Codec: "binary"}

	if err := reg.Register(ctx, "Hello", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "Hello", inst2, 10); err != nil {
		t.Fatal(err)
	}

	// Discover
	instances, err := reg.Discover(ctx, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[1] != inst2 {
		t.Fatalf("instance not round-tripped: %+v", instances[1])
	}

	// Deregister one
	if err := reg.Deregister(ctx, "Hello", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(ctx, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s, got %+v", inst2.Addr, instances)
	}

	// Cleanup
	reg.Deregister(ctx, "Hello", inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := reg.Watch(ctx, "Watched")
	// 给 watch 一点时间建立
	time.Sleep(100 * time.Millisecond)

	inst := Instance{Addr: "127.0.0.1:9001", Weight: 1}
	if err := reg.Register(ctx, "Watched", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "Watched", inst.Addr)

	select {
	case list := <-updates:
		if len(list) != 1 || list[0].Addr != inst.Addr {
			t.Fatalf("unexpected update %+v", list)
		}
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}
