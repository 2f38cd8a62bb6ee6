package loadbalance

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"

	"remote-signal/registry"
)

var testInstances = []registry.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr != testInstances[i].Addr {
			t.Fatalf("pick %d = %s, want %s", i, inst.Addr, testInstances[i].Addr)
		}
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != testInstances[0].Addr {
		t.Fatalf("expect wrap around to %s, got %s", testInstances[0].Addr, inst.Addr)
	}
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		if _, err := b.Pick(nil); errors.Cause(err) != ErrNoInstances {
			t.Fatalf("%s: expect ErrNoInstances, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	zero := []registry.Instance{{Addr: "a"}, {Addr: "b"}}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick(zero); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("user-123")

	// Same key should always map to the same instance
	inst1, _ := b.Pick(testInstances)
	inst2, _ := b.Pick(testInstances)
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	// Order of discovery does not matter
	reversed := []registry.Instance{testInstances[2], testInstances[1], testInstances[0]}
	if inst3, _ := b.Pick(reversed); inst3.Addr != inst1.Addr {
		t.Fatalf("instance order changed the pick: %s vs %s", inst3.Addr, inst1.Addr)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i)).Pick(testInstances)
		seen[inst.Addr] = true
	}
	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashSurvivesUnrelatedRemoval(t *testing.T) {
	b := NewConsistentHashBalancer("user-42")
	before, _ := b.Pick(testInstances)

	var rest []registry.Instance
	for _, inst := range testInstances {
		if inst.Addr != before.Addr {
			rest = append(rest, inst)
		}
	}
	// 移除一个非目标节点，key 仍落在原节点
	after, _ := b.Pick(append(rest[:1:1], before))
	if after.Addr != before.Addr {
		t.Fatalf("key moved from %s to %s", before.Addr, after.Addr)
	}
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash",
	} {
		b, err := New(name, "k")
		if err != nil || b.Name() != want {
			t.Fatalf("New(%q) = %v, %v", name, b, err)
		}
	}
	if _, err := New("fastest", ""); err == nil {
		t.Fatal("expect error for unknown balancer")
	}
}
