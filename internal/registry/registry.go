package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/meshgate/internal/circuitbreaker"
)

// Status represents the health status of an endpoint.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Health scores derived from the prober's last result. Deterministic:
// the prober is authoritative, there is no simulated scoring.
const (
	ScoreHealthy   = 100
	ScoreUnknown   = 50
	ScoreUnhealthy = 0
)

// Endpoint is one network-addressable instance of a destination service.
type Endpoint struct {
	Destination     string            `json:"destination"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	PathPrefix      string            `json:"path_prefix,omitempty"`
	Protocol        string            `json:"protocol"`
	Weight          int               `json:"weight"`
	HealthCheckPath string            `json:"health_check_path"`
	Status          Status            `json:"status"`
	HealthScore     int               `json:"health_score"`
	LastSeen        time.Time         `json:"last_seen"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	activeCalls int64
}

// Key returns the host:port identity of the endpoint within its destination.
func (e *Endpoint) Key() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// BaseURL returns the scheme://host:port prefix for calls to this endpoint.
func (e *Endpoint) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
}

// IncrActive atomically increments the in-flight call count.
func (e *Endpoint) IncrActive() { atomic.AddInt64(&e.activeCalls, 1) }

// DecrActive atomically decrements the in-flight call count.
func (e *Endpoint) DecrActive() { atomic.AddInt64(&e.activeCalls, -1) }

// ActiveCalls atomically reads the in-flight call count.
func (e *Endpoint) ActiveCalls() int64 { return atomic.LoadInt64(&e.activeCalls) }

// clone copies the endpoint's visible fields. The in-flight counter is
// not carried over; the copy is a detached value for read-only use.
func (e *Endpoint) clone() Endpoint {
	return Endpoint{
		Destination:     e.Destination,
		Host:            e.Host,
		Port:            e.Port,
		PathPrefix:      e.PathPrefix,
		Protocol:        e.Protocol,
		Weight:          e.Weight,
		HealthCheckPath: e.HealthCheckPath,
		Status:          e.Status,
		HealthScore:     e.HealthScore,
		LastSeen:        e.LastSeen,
		Metadata:        e.Metadata,
	}
}

// applyDefaults normalizes a freshly registered endpoint.
func (e *Endpoint) applyDefaults() {
	if e.Protocol == "" {
		e.Protocol = "http"
	}
	if e.HealthCheckPath == "" {
		e.HealthCheckPath = "/health"
	}
	if e.Weight < 0 {
		e.Weight = 0
	}
	if e.Status == "" {
		e.Status = StatusUnknown
		e.HealthScore = ScoreUnknown
	}
}

// TrafficRule is the routing policy between a caller and a destination.
type TrafficRule struct {
	Source                string        `json:"source"`
	Destination           string        `json:"destination"`
	Policy                string        `json:"policy"`
	Timeout               time.Duration `json:"timeout"`
	RetryPolicy           string        `json:"retry_policy"`
	MaxRetries            int           `json:"max_retries"`
	RetryBackoff          time.Duration `json:"retry_backoff"`
	RateLimitRPM          int           `json:"rate_limit_rpm"`
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
}

// destEndpoints holds a destination's endpoints in registration order with
// an O(1) host:port index.
type destEndpoints struct {
	endpoints []*Endpoint
	index     map[string]int
}

func (d *destEndpoints) upsert(ep *Endpoint) {
	if idx, ok := d.index[ep.Key()]; ok {
		prev := d.endpoints[idx]
		// Replacing the same host:port keeps the observed health state and
		// in-flight count; a refresh cycle must not blind the prober.
		ep.Status = prev.Status
		ep.HealthScore = prev.HealthScore
		if ep.LastSeen.IsZero() {
			ep.LastSeen = prev.LastSeen
		}
		atomic.StoreInt64(&ep.activeCalls, prev.ActiveCalls())
		d.endpoints[idx] = ep
		return
	}
	d.index[ep.Key()] = len(d.endpoints)
	d.endpoints = append(d.endpoints, ep)
}

func (d *destEndpoints) remove(key string) bool {
	idx, ok := d.index[key]
	if !ok {
		return false
	}
	d.endpoints = append(d.endpoints[:idx], d.endpoints[idx+1:]...)
	delete(d.index, key)
	for i := idx; i < len(d.endpoints); i++ {
		d.index[d.endpoints[i].Key()] = i
	}
	return true
}

// BreakerChangeFunc is notified when a destination's breaker changes state.
type BreakerChangeFunc func(destination string, from, to circuitbreaker.State)

// Registry is the in-memory map of destination → endpoint set, traffic
// rules, and one circuit breaker per destination. Purely in-memory, no I/O,
// thread-safe under concurrent reads and writes.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*destEndpoints
	rules     map[string]map[string]TrafficRule // destination → source → rule
	breakers  map[string]*circuitbreaker.Breaker

	breakerCfg      circuitbreaker.Config
	onBreakerChange BreakerChangeFunc
}

// New creates a new registry. Breakers are created lazily per destination
// with the given config; onBreakerChange may be nil.
func New(breakerCfg circuitbreaker.Config, onBreakerChange BreakerChangeFunc) *Registry {
	return &Registry{
		endpoints:       make(map[string]*destEndpoints),
		rules:           make(map[string]map[string]TrafficRule),
		breakers:        make(map[string]*circuitbreaker.Breaker),
		breakerCfg:      breakerCfg,
		onBreakerChange: onBreakerChange,
	}
}

// RegisterEndpoint upserts an endpoint, keyed by host:port within its
// destination. Registering an existing key replaces the endpoint while
// preserving its observed health state.
func (r *Registry) RegisterEndpoint(ep *Endpoint) {
	ep.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.endpoints[ep.Destination]
	if !ok {
		d = &destEndpoints{index: make(map[string]int)}
		r.endpoints[ep.Destination] = d
	}
	d.upsert(ep)
}

// DeregisterEndpoint removes an endpoint. Returns false if unknown.
func (r *Registry) DeregisterEndpoint(destination, host string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.endpoints[destination]
	if !ok {
		return false
	}
	removed := d.remove(fmt.Sprintf("%s:%d", host, port))
	if removed && len(d.endpoints) == 0 {
		delete(r.endpoints, destination)
		if _, ruled := r.rules[destination]; !ruled {
			delete(r.breakers, destination)
		}
	}
	return removed
}

// Endpoints returns the destination's endpoints in registration order.
// The slice is a copy; the endpoint pointers are shared.
func (r *Registry) Endpoints(destination string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.endpoints[destination]
	if !ok {
		return nil
	}
	out := make([]*Endpoint, len(d.endpoints))
	copy(out, d.endpoints)
	return out
}

// HealthyEndpoints returns the destination's endpoints with status healthy.
func (r *Registry) HealthyEndpoints(destination string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.endpoints[destination]
	if !ok {
		return nil
	}
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.Status == StatusHealthy {
			out = append(out, ep)
		}
	}
	return out
}

// Destinations returns all known destination names.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	return out
}

// ReplaceEndpoints atomically replaces the full endpoint snapshot with a
// fresh discovery result (clear-and-repopulate). Health state and in-flight
// counts carry over for surviving host:port keys. Traffic rules and
// breakers persist across refresh cycles.
func (r *Registry) ReplaceEndpoints(snapshot map[string][]*Endpoint) {
	next := make(map[string]*destEndpoints, len(snapshot))
	for dest, eps := range snapshot {
		d := &destEndpoints{index: make(map[string]int, len(eps))}
		for _, ep := range eps {
			ep.Destination = dest
			ep.applyDefaults()
			d.upsert(ep)
		}
		next[dest] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for dest, d := range next {
		prev, ok := r.endpoints[dest]
		if !ok {
			continue
		}
		for i, ep := range d.endpoints {
			if idx, ok := prev.index[ep.Key()]; ok {
				old := prev.endpoints[idx]
				ep.Status = old.Status
				ep.HealthScore = old.HealthScore
				if ep.LastSeen.IsZero() {
					ep.LastSeen = old.LastSeen
				}
				atomic.StoreInt64(&ep.activeCalls, old.ActiveCalls())
				d.endpoints[i] = ep
			}
		}
	}
	r.endpoints = next

	// Breakers persist only for destinations that still exist; a name that
	// left the snapshot and has no configured rule is forgotten entirely.
	for dest := range r.breakers {
		if _, ok := next[dest]; ok {
			continue
		}
		if _, ruled := r.rules[dest]; ruled {
			continue
		}
		delete(r.breakers, dest)
	}
}

// SetEndpointHealth updates an endpoint's prober result, returning the
// status it replaced so callers can detect transitions without reading
// the endpoint outside the lock.
func (r *Registry) SetEndpointHealth(destination, key string, status Status, score int) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.endpoints[destination]
	if !ok {
		return "", false
	}
	idx, ok := d.index[key]
	if !ok {
		return "", false
	}
	ep := d.endpoints[idx]
	prev := ep.Status
	ep.Status = status
	ep.HealthScore = score
	ep.LastSeen = time.Now()
	return prev, true
}

// AddTrafficRule registers a routing rule. Source "*" matches any caller.
func (r *Registry) AddTrafficRule(rule TrafficRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySource, ok := r.rules[rule.Destination]
	if !ok {
		bySource = make(map[string]TrafficRule)
		r.rules[rule.Destination] = bySource
	}
	if rule.Source == "" {
		rule.Source = "*"
	}
	bySource[rule.Source] = rule
}

// TrafficRule resolves the rule for (source, destination): exact source
// match first, then the "*" wildcard.
func (r *Registry) TrafficRule(source, destination string) (TrafficRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bySource, ok := r.rules[destination]
	if !ok {
		return TrafficRule{}, false
	}
	if rule, ok := bySource[source]; ok {
		return rule, true
	}
	if rule, ok := bySource["*"]; ok {
		return rule, true
	}
	return TrafficRule{}, false
}

// Breaker returns the destination's circuit breaker, creating it on first
// access. It returns nil for a destination the registry has never seen
// (no endpoints and no rules): breakers exist only for known names, so
// arbitrary lookups cannot grow the map.
func (r *Registry) Breaker(destination string) *circuitbreaker.Breaker {
	r.mu.RLock()
	b, ok := r.breakers[destination]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[destination]; ok {
		return b
	}
	_, hasEndpoints := r.endpoints[destination]
	_, hasRules := r.rules[destination]
	if !hasEndpoints && !hasRules {
		return nil
	}
	var hook circuitbreaker.StateChangeFunc
	if r.onBreakerChange != nil {
		change := r.onBreakerChange
		hook = func(from, to circuitbreaker.State) {
			change(destination, from, to)
		}
	}
	b = circuitbreaker.NewBreaker(r.breakerCfg, hook)
	r.breakers[destination] = b
	return b
}

// BreakerCount reports how many destinations currently hold a breaker.
func (r *Registry) BreakerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// DestinationSummary describes one destination for the admin surface.
type DestinationSummary struct {
	Name      string                  `json:"name"`
	Endpoints []Endpoint              `json:"endpoints"`
	Breaker   *circuitbreaker.Snapshot `json:"circuit_breaker,omitempty"`
}

// Summaries returns the admin view of every destination. Endpoints are
// copied by value so callers can marshal them outside the lock while
// the prober keeps mutating the originals.
func (r *Registry) Summaries() []DestinationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DestinationSummary, 0, len(r.endpoints))
	for name, d := range r.endpoints {
		s := DestinationSummary{Name: name}
		s.Endpoints = make([]Endpoint, len(d.endpoints))
		for i, ep := range d.endpoints {
			s.Endpoints[i] = ep.clone()
		}
		if b, ok := r.breakers[name]; ok {
			snap := b.Snapshot()
			s.Breaker = &snap
		}
		out = append(out, s)
	}
	return out
}
