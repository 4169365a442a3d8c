package loadbalancer

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/example/meshgate/internal/config"
	"github.com/example/meshgate/internal/registry"
)

// ErrNoEndpoints is returned when a destination has no endpoints at all.
var ErrNoEndpoints = errors.New("no endpoints available")

// SelectionContext carries the caller-side inputs a policy may use.
type SelectionContext struct {
	Source   string
	HashKeys []string // extra consistent-hash context, e.g. client id or path
}

// Balancer selects one endpoint from a destination's endpoint set using a
// pluggable policy. When no healthy endpoint exists it falls back to the
// full set: callers discover the failure via the call attempt and the
// circuit breaker rather than failing here.
type Balancer struct {
	registry      *registry.Registry
	defaultPolicy string

	mu       sync.Mutex
	counters map[string]*uint64 // per-destination round-robin counters
}

// New creates a balancer over the given registry.
func New(reg *registry.Registry, defaultPolicy string) *Balancer {
	if defaultPolicy == "" {
		defaultPolicy = config.PolicyRoundRobin
	}
	return &Balancer{
		registry:      reg,
		defaultPolicy: defaultPolicy,
		counters:      make(map[string]*uint64),
	}
}

// Select picks an endpoint for the destination under the given policy.
// An empty policy uses the balancer default.
func (b *Balancer) Select(destination, policy string, sctx SelectionContext) (*registry.Endpoint, error) {
	candidates := b.registry.HealthyEndpoints(destination)
	if len(candidates) == 0 {
		// Graceful degradation: no healthy endpoint, try them all.
		candidates = b.registry.Endpoints(destination)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	if policy == "" {
		policy = b.defaultPolicy
	}

	switch policy {
	case config.PolicyWeighted:
		return b.selectWeighted(destination, candidates), nil
	case config.PolicyLeastConn:
		return selectLeastConnections(candidates), nil
	case config.PolicyConsistentHash:
		return selectConsistentHash(candidates, sctx), nil
	case config.PolicyHealthBased:
		return selectHealthBased(candidates), nil
	default:
		return b.selectRoundRobin(destination, candidates), nil
	}
}

// selectRoundRobin advances the destination's monotonic counter. Fairness
// under high concurrency is near-uniform, not exact.
func (b *Balancer) selectRoundRobin(destination string, candidates []*registry.Endpoint) *registry.Endpoint {
	b.mu.Lock()
	counter, ok := b.counters[destination]
	if !ok {
		counter = new(uint64)
		b.counters[destination] = counter
	}
	b.mu.Unlock()

	n := atomic.AddUint64(counter, 1)
	return candidates[(n-1)%uint64(len(candidates))]
}

// selectWeighted draws a uniform integer in [1, Σweight] and walks the
// cumulative weights. Zero-weight endpoints are never selected; if every
// weight is zero the draw degrades to round-robin.
func (b *Balancer) selectWeighted(destination string, candidates []*registry.Endpoint) *registry.Endpoint {
	total := 0
	for _, ep := range candidates {
		total += ep.Weight
	}
	if total <= 0 {
		return b.selectRoundRobin(destination, candidates)
	}

	roll := rand.Intn(total) + 1
	cumulative := 0
	for _, ep := range candidates {
		cumulative += ep.Weight
		if roll <= cumulative {
			return ep
		}
	}
	return candidates[len(candidates)-1]
}

// selectLeastConnections picks the endpoint with the fewest in-flight
// calls, ties broken by registration order.
func selectLeastConnections(candidates []*registry.Endpoint) *registry.Endpoint {
	best := candidates[0]
	bestActive := best.ActiveCalls()
	for _, ep := range candidates[1:] {
		if active := ep.ActiveCalls(); active < bestActive {
			best = ep
			bestActive = active
		}
	}
	return best
}

// selectConsistentHash maps the caller context deterministically onto the
// candidate set. The same context routes to the same endpoint while the set
// is stable; the mapping shifts only when the set changes.
func selectConsistentHash(candidates []*registry.Endpoint, sctx SelectionContext) *registry.Endpoint {
	h := sha256.New()
	h.Write([]byte(sctx.Source))
	for _, key := range sctx.HashKeys {
		h.Write([]byte{0})
		h.Write([]byte(key))
	}
	sum := h.Sum(nil)
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(candidates))
	return candidates[idx]
}

// selectHealthBased picks the highest health score, ties broken by
// registration order.
func selectHealthBased(candidates []*registry.Endpoint) *registry.Endpoint {
	best := candidates[0]
	for _, ep := range candidates[1:] {
		if ep.HealthScore > best.HealthScore {
			best = ep
		}
	}
	return best
}
