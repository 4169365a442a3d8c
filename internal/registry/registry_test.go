package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/meshgate/internal/circuitbreaker"
)

func newTestRegistry() *Registry {
	return New(circuitbreaker.Config{FailureThreshold: 3, Timeout: time.Second}, nil)
}

func ep(dest, host string, port int) *Endpoint {
	return &Endpoint{Destination: dest, Host: host, Port: port, Weight: 1}
}

func TestRegisterEndpointUpsert(t *testing.T) {
	r := newTestRegistry()

	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("billing", "10.0.0.2", 8080))

	eps := r.Endpoints("billing")
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(eps))
	}
	if eps[0].Protocol != "http" || eps[0].HealthCheckPath != "/health" {
		t.Error("defaults not applied")
	}
	if eps[0].Status != StatusUnknown {
		t.Errorf("expected unknown status, got %s", eps[0].Status)
	}

	// Re-registering the same host:port replaces, not appends
	updated := ep("billing", "10.0.0.1", 8080)
	updated.Weight = 7
	r.RegisterEndpoint(updated)

	eps = r.Endpoints("billing")
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints after upsert, got %d", len(eps))
	}
	if eps[0].Weight != 7 {
		t.Errorf("expected weight 7 after upsert, got %d", eps[0].Weight)
	}
}

func TestUpsertPreservesHealthState(t *testing.T) {
	r := newTestRegistry()

	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusHealthy, ScoreHealthy)

	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))

	eps := r.Endpoints("billing")
	if eps[0].Status != StatusHealthy || eps[0].HealthScore != ScoreHealthy {
		t.Errorf("health state lost on upsert: %s/%d", eps[0].Status, eps[0].HealthScore)
	}
}

func TestNegativeWeightClamped(t *testing.T) {
	r := newTestRegistry()
	e := ep("billing", "10.0.0.1", 8080)
	e.Weight = -5
	r.RegisterEndpoint(e)

	if got := r.Endpoints("billing")[0].Weight; got != 0 {
		t.Errorf("expected weight clamped to 0, got %d", got)
	}
}

func TestDeregisterEndpoint(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("billing", "10.0.0.2", 8080))

	if !r.DeregisterEndpoint("billing", "10.0.0.1", 8080) {
		t.Fatal("expected deregistration to succeed")
	}
	if r.DeregisterEndpoint("billing", "10.0.0.1", 8080) {
		t.Error("expected second deregistration to fail")
	}

	eps := r.Endpoints("billing")
	if len(eps) != 1 || eps[0].Host != "10.0.0.2" {
		t.Errorf("unexpected endpoints after deregister: %v", eps)
	}

	r.DeregisterEndpoint("billing", "10.0.0.2", 8080)
	if len(r.Destinations()) != 0 {
		t.Error("expected empty destination removed")
	}
}

func TestHealthyEndpoints(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("billing", "10.0.0.2", 8080))

	if len(r.HealthyEndpoints("billing")) != 0 {
		t.Error("unknown endpoints should not count as healthy")
	}

	r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusHealthy, ScoreHealthy)
	healthy := r.HealthyEndpoints("billing")
	if len(healthy) != 1 || healthy[0].Host != "10.0.0.1" {
		t.Errorf("unexpected healthy set: %v", healthy)
	}
}

func TestReplaceEndpointsPreservesSurvivors(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("orders", "10.0.1.1", 9090))
	r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusHealthy, ScoreHealthy)

	r.ReplaceEndpoints(map[string][]*Endpoint{
		"billing": {
			{Host: "10.0.0.1", Port: 8080, Weight: 3},
			{Host: "10.0.0.9", Port: 8080, Weight: 1},
		},
	})

	eps := r.Endpoints("billing")
	if len(eps) != 2 {
		t.Fatalf("expected 2 billing endpoints, got %d", len(eps))
	}
	if eps[0].Status != StatusHealthy {
		t.Error("surviving endpoint lost health state on replace")
	}
	if eps[0].Weight != 3 {
		t.Errorf("expected refreshed weight 3, got %d", eps[0].Weight)
	}
	if eps[1].Status != StatusUnknown {
		t.Errorf("new endpoint should start unknown, got %s", eps[1].Status)
	}

	// orders was absent from the snapshot: removed
	if r.Endpoints("orders") != nil {
		t.Error("expected orders removed by snapshot replace")
	}
}

func TestTrafficRuleResolution(t *testing.T) {
	r := newTestRegistry()

	if _, ok := r.TrafficRule("web", "billing"); ok {
		t.Fatal("expected no rule for unknown destination")
	}

	r.AddTrafficRule(TrafficRule{Source: "*", Destination: "billing", Policy: "round_robin"})
	r.AddTrafficRule(TrafficRule{Source: "web", Destination: "billing", Policy: "weighted"})

	rule, ok := r.TrafficRule("web", "billing")
	if !ok || rule.Policy != "weighted" {
		t.Errorf("expected exact source match, got %+v ok=%v", rule, ok)
	}

	rule, ok = r.TrafficRule("batch", "billing")
	if !ok || rule.Policy != "round_robin" {
		t.Errorf("expected wildcard fallback, got %+v ok=%v", rule, ok)
	}
}

func TestRulesSurviveSnapshotReplace(t *testing.T) {
	r := newTestRegistry()
	r.AddTrafficRule(TrafficRule{Source: "*", Destination: "billing", MaxRetries: 2})
	r.ReplaceEndpoints(map[string][]*Endpoint{
		"billing": {{Host: "10.0.0.1", Port: 8080}},
	})

	if _, ok := r.TrafficRule("any", "billing"); !ok {
		t.Error("traffic rules must persist across refresh cycles")
	}
}

func TestBreakerLazyCreationAndIdentity(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("orders", "10.0.1.1", 9090))

	b1 := r.Breaker("billing")
	b2 := r.Breaker("billing")
	if b1 != b2 {
		t.Error("expected the same breaker instance per destination")
	}
	if b1.State() != circuitbreaker.StateClosed {
		t.Errorf("new breaker should start closed, got %s", b1.State())
	}
	if r.Breaker("orders") == b1 {
		t.Error("destinations must not share breakers")
	}
}

func TestBreakerNotCreatedForUnknownDestination(t *testing.T) {
	r := newTestRegistry()

	for i := 0; i < 100; i++ {
		if b := r.Breaker(fmt.Sprintf("garbage-%d", i)); b != nil {
			t.Fatal("expected nil breaker for a destination the registry has never seen")
		}
	}
	if n := r.BreakerCount(); n != 0 {
		t.Errorf("unknown destinations must not allocate breakers, got %d", n)
	}

	// A destination with only a rule is still known.
	r.AddTrafficRule(TrafficRule{Source: "*", Destination: "billing"})
	if r.Breaker("billing") == nil {
		t.Error("expected a breaker for a ruled destination")
	}
}

func TestReplaceEndpointsPrunesOrphanedBreakers(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))
	r.RegisterEndpoint(ep("orders", "10.0.1.1", 9090))
	r.AddTrafficRule(TrafficRule{Source: "*", Destination: "billing"})
	r.Breaker("billing")
	r.Breaker("orders")

	// orders leaves the snapshot and has no rule: its breaker goes too.
	r.ReplaceEndpoints(map[string][]*Endpoint{
		"payments": {{Host: "10.0.2.1", Port: 7070}},
	})

	if n := r.BreakerCount(); n != 1 {
		t.Errorf("expected only the ruled destination's breaker to survive, got %d", n)
	}
	if r.Breaker("billing") == nil {
		t.Error("ruled destination must keep its breaker across a snapshot replace")
	}
}

func TestDeregisterLastEndpointPrunesBreaker(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("orders", "10.0.1.1", 9090))
	r.Breaker("orders")

	r.DeregisterEndpoint("orders", "10.0.1.1", 9090)
	if n := r.BreakerCount(); n != 0 {
		t.Errorf("expected breaker removed with its destination, got %d", n)
	}
}

func TestSetEndpointHealthReturnsPriorStatus(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))

	prev, ok := r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusHealthy, ScoreHealthy)
	if !ok || prev != StatusUnknown {
		t.Errorf("expected prior status unknown, got %q ok=%v", prev, ok)
	}
	prev, ok = r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusUnhealthy, ScoreUnhealthy)
	if !ok || prev != StatusHealthy {
		t.Errorf("expected prior status healthy, got %q ok=%v", prev, ok)
	}
	if _, ok := r.SetEndpointHealth("billing", "10.9.9.9:1", StatusHealthy, ScoreHealthy); ok {
		t.Error("expected ok=false for unknown endpoint key")
	}
}

func TestSummariesCopyEndpoints(t *testing.T) {
	r := newTestRegistry()
	r.RegisterEndpoint(ep("billing", "10.0.0.1", 8080))

	summaries := r.Summaries()
	if len(summaries) != 1 || len(summaries[0].Endpoints) != 1 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}

	// Mutating the live endpoint must not show through the summary.
	r.SetEndpointHealth("billing", "10.0.0.1:8080", StatusUnhealthy, ScoreUnhealthy)
	if summaries[0].Endpoints[0].Status != StatusUnknown {
		t.Error("summary must hold a detached copy of the endpoint")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.RegisterEndpoint(ep("svc", "10.0.0.1", 8000+n))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Endpoints("svc")
				r.HealthyEndpoints("svc")
				r.Breaker("svc")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.SetEndpointHealth("svc", "10.0.0.1:8000", StatusHealthy, ScoreHealthy)
				r.Summaries()
			}
		}()
	}
	wg.Wait()

	if len(r.Endpoints("svc")) != 8 {
		t.Errorf("expected 8 endpoints, got %d", len(r.Endpoints("svc")))
	}
}
