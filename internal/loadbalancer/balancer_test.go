package loadbalancer

import (
	"fmt"
	"testing"
	"time"

	"github.com/example/meshgate/internal/circuitbreaker"
	"github.com/example/meshgate/internal/config"
	"github.com/example/meshgate/internal/registry"
)

func newTestRegistry(t *testing.T, dest string, weights ...int) *registry.Registry {
	t.Helper()
	reg := registry.New(circuitbreaker.Config{FailureThreshold: 5, Timeout: time.Second}, nil)
	for i, w := range weights {
		reg.RegisterEndpoint(&registry.Endpoint{
			Destination: dest,
			Host:        fmt.Sprintf("10.0.0.%d", i+1),
			Port:        8080,
			Weight:      w,
		})
		reg.SetEndpointHealth(dest, fmt.Sprintf("10.0.0.%d:8080", i+1), registry.StatusHealthy, registry.ScoreHealthy)
	}
	return reg
}

func TestRoundRobinCycles(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1, 1)
	b := New(reg, config.PolicyRoundRobin)

	hits := make(map[string]int)
	for i := 0; i < 9; i++ {
		ep, err := b.Select("billing", config.PolicyRoundRobin, SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		hits[ep.Host]++
	}
	for host, n := range hits {
		if n != 3 {
			t.Errorf("host %s hit %d times, expected 3", host, n)
		}
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1)
	reg.SetEndpointHealth("billing", "10.0.0.1:8080", registry.StatusUnhealthy, registry.ScoreUnhealthy)
	b := New(reg, config.PolicyRoundRobin)

	for i := 0; i < 5; i++ {
		ep, err := b.Select("billing", config.PolicyRoundRobin, SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		if ep.Host != "10.0.0.2" {
			t.Errorf("expected healthy endpoint, got %s", ep.Host)
		}
	}
}

func TestFallbackToFullSetWhenNoneHealthy(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1)
	reg.SetEndpointHealth("billing", "10.0.0.1:8080", registry.StatusUnhealthy, registry.ScoreUnhealthy)
	reg.SetEndpointHealth("billing", "10.0.0.2:8080", registry.StatusUnhealthy, registry.ScoreUnhealthy)
	b := New(reg, config.PolicyRoundRobin)

	ep, err := b.Select("billing", config.PolicyRoundRobin, SelectionContext{})
	if err != nil {
		t.Fatalf("expected fallback to full set, got %v", err)
	}
	if ep == nil {
		t.Fatal("expected an endpoint from the fallback set")
	}
}

func TestSelectUnknownDestination(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1)
	b := New(reg, config.PolicyRoundRobin)

	_, err := b.Select("unknown-svc", config.PolicyRoundRobin, SelectionContext{})
	if err != ErrNoEndpoints {
		t.Errorf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestWeightedNeverSelectsZeroWeight(t *testing.T) {
	reg := newTestRegistry(t, "billing", 0, 100)
	b := New(reg, config.PolicyWeighted)

	for i := 0; i < 1000; i++ {
		ep, err := b.Select("billing", config.PolicyWeighted, SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		if ep.Host == "10.0.0.1" {
			t.Fatal("zero-weight endpoint must never be selected")
		}
	}
}

func TestWeightedDistribution(t *testing.T) {
	reg := newTestRegistry(t, "billing", 70, 30)
	b := New(reg, config.PolicyWeighted)

	const trials = 10000
	hits := make(map[string]int)
	for i := 0; i < trials; i++ {
		ep, err := b.Select("billing", config.PolicyWeighted, SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		hits[ep.Host]++
	}

	// 70/30 split within statistical tolerance (±5 points)
	ratio := float64(hits["10.0.0.1"]) / trials
	if ratio < 0.65 || ratio > 0.75 {
		t.Errorf("expected ~70%% to the weight-70 endpoint, got %.1f%%", ratio*100)
	}
}

func TestWeightedAllZeroFallsBack(t *testing.T) {
	reg := newTestRegistry(t, "billing", 0, 0)
	b := New(reg, config.PolicyWeighted)

	ep, err := b.Select("billing", config.PolicyWeighted, SelectionContext{})
	if err != nil || ep == nil {
		t.Fatalf("expected fallback selection, got ep=%v err=%v", ep, err)
	}
}

func TestLeastConnections(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1, 1)
	b := New(reg, config.PolicyLeastConn)

	eps := reg.Endpoints("billing")
	eps[0].IncrActive()
	eps[0].IncrActive()
	eps[1].IncrActive()

	ep, err := b.Select("billing", config.PolicyLeastConn, SelectionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Host != "10.0.0.3" {
		t.Errorf("expected least-loaded endpoint 10.0.0.3, got %s", ep.Host)
	}

	// Tie between .2 (1) and .3 (1): registration order wins
	eps[2].IncrActive()
	ep, _ = b.Select("billing", config.PolicyLeastConn, SelectionContext{})
	if ep.Host != "10.0.0.2" {
		t.Errorf("expected tie broken by registration order (10.0.0.2), got %s", ep.Host)
	}
}

func TestConsistentHashDeterministic(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1, 1, 1, 1)
	b := New(reg, config.PolicyConsistentHash)

	sctx := SelectionContext{Source: "web", HashKeys: []string{"user-42"}}
	first, err := b.Select("billing", config.PolicyConsistentHash, sctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		ep, _ := b.Select("billing", config.PolicyConsistentHash, sctx)
		if ep.Host != first.Host {
			t.Fatalf("consistent hash not deterministic: %s vs %s", ep.Host, first.Host)
		}
	}

	// Different context may map elsewhere, and must also be stable
	other := SelectionContext{Source: "web", HashKeys: []string{"user-43"}}
	o1, _ := b.Select("billing", config.PolicyConsistentHash, other)
	o2, _ := b.Select("billing", config.PolicyConsistentHash, other)
	if o1.Host != o2.Host {
		t.Error("consistent hash unstable for second context")
	}
}

func TestHealthBasedPrefersHighScore(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1)
	reg.SetEndpointHealth("billing", "10.0.0.1:8080", registry.StatusUnhealthy, registry.ScoreUnhealthy)
	// Both now in fallback consideration; .2 stays healthy with score 100
	b := New(reg, config.PolicyHealthBased)

	ep, err := b.Select("billing", config.PolicyHealthBased, SelectionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Host != "10.0.0.2" {
		t.Errorf("expected highest-score endpoint, got %s", ep.Host)
	}
}

func TestHealthBasedTieBreaksByOrder(t *testing.T) {
	reg := newTestRegistry(t, "billing", 1, 1)
	b := New(reg, config.PolicyHealthBased)

	ep, err := b.Select("billing", config.PolicyHealthBased, SelectionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Host != "10.0.0.1" {
		t.Errorf("expected first-registered endpoint on tie, got %s", ep.Host)
	}
}
