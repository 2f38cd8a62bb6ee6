package client

import (
	"context"
	"testing"
	"time"

	"remote-signal/codec"
	"remote-signal/loadbalance"
	"remote-signal/message"
	"remote-signal/middleware"
	"remote-signal/registry"
	"remote-signal/router"
	"remote-signal/service"
	"remote-signal/xlog"
)

// 连接本地 etcd，连不上就跳过
func etcdOrSkip(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "Hello"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// greetingClient builds a codec-less router holding the Hello client mirror.
func greetingClient(t *testing.T) (*router.Router, *service.Endpoint, chan string) {
	t.Helper()
	local := router.New(router.WithMiddleware(
		middleware.LoggingMiddleware(xlog.Component("test")),
		middleware.RateLimitMiddleware(1000, 100),
	))
	t.Cleanup(func() { local.Close() })
	greetings := make(chan string, 16)
	cli, err := service.NewClient(helloDesc(t), service.Handlers{
		"greeting": func(a service.Args) error {
			text, err := a.String("text")
			greetings <- text
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	local.Register(cli)
	return local, cli, greetings
}

func expectGreeting(t *testing.T, greetings chan string, want string) {
	t.Helper()
	select {
	case got := <-greetings:
		if got != want {
			t.Fatalf("greeting = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no greeting, want %q", want)
	}
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Client → Registry(etcd) → LB → Dial → Device → Codec → Middleware → Router → Service
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := etcdOrSkip(t)
	startHello(t, reg, &codec.JSONCodec{})

	local, cli, greetings := greetingClient(t)
	c := New(reg, local)
	defer c.Close()
	if _, err := c.Connect(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"Alice", "Bob"} {
		if err := cli.Emit("setName", message.MapOf("name", name)); err != nil {
			t.Fatal(err)
		}
		expectGreeting(t, greetings, "Hello, "+name)
	}
}

// TestMultiServerWithEtcd 多实例 + 负载均衡 + etcd
func TestMultiServerWithEtcd(t *testing.T) {
	reg := etcdOrSkip(t)
	startHello(t, reg, &codec.JSONCodec{})
	startHello(t, reg, &codec.JSONCodec{})

	local, cli, greetings := greetingClient(t)
	c := New(reg, local, WithBalancer(&loadbalance.RoundRobinBalancer{}))
	defer c.Close()

	// 轮询两次，连上两个实例
	for i := 0; i < 2; i++ {
		if _, err := c.Connect(context.Background(), "Hello"); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(local.Devices()); n != 2 {
		t.Fatalf("router has %d devices, want 2", n)
	}

	// 一次调用广播到两个实例，各自回一个信号
	if err := cli.Emit("setName", message.MapOf("name", "all")); err != nil {
		t.Fatal(err)
	}
	expectGreeting(t, greetings, "Hello, all")
	expectGreeting(t, greetings, "Hello, all")
}
