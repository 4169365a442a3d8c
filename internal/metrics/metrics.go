package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Outcome classifies a finished call for the sink.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeNoEndpoint  Outcome = "no_endpoint"
	OutcomeAuthFailed  Outcome = "auth_failed"
)

// recentCodes caps the recent status-code ring; no per-call retention beyond it.
const recentCodes = 256

// Collector tracks call outcomes for Prometheus-compatible export.
type Collector struct {
	mu sync.RWMutex

	// Aggregate counters
	total       int64
	success     int64
	failed      int64
	timeouts    int64
	rateLimited int64
	circuitOpen int64
	noEndpoint  int64
	authFailed  int64
	retries     int64

	// Per-destination totals, key: destination|outcome
	byDestination map[string]int64

	// Running latency average
	latencySum   float64 // seconds
	latencyCount int64

	// Request duration histogram per destination
	durations map[string]*HistogramData

	// Bounded ring of recent status codes
	recent    [recentCodes]int
	recentIdx int
	recentLen int

	// Circuit breaker state: 0=closed, 1=open, 2=half_open
	breakerState map[string]int

	// Endpoint health: 0=unhealthy, 1=healthy
	endpointHealth map[string]int // key: destination|host:port
}

// HistogramData stores histogram-like data for durations.
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		byDestination:  make(map[string]int64),
		durations:      make(map[string]*HistogramData),
		breakerState:   make(map[string]int),
		endpointHealth: make(map[string]int),
	}
}

// RecordCall records a finished call against a destination.
func (c *Collector) RecordCall(destination string, outcome Outcome, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	switch outcome {
	case OutcomeSuccess:
		c.success++
	case OutcomeFailure:
		c.failed++
	case OutcomeTimeout:
		c.failed++
		c.timeouts++
	case OutcomeRateLimited:
		c.rateLimited++
	case OutcomeCircuitOpen:
		c.circuitOpen++
	case OutcomeNoEndpoint:
		c.noEndpoint++
	case OutcomeAuthFailed:
		c.authFailed++
	}

	c.byDestination[destination+"|"+string(outcome)]++

	if duration > 0 {
		secs := duration.Seconds()
		c.latencySum += secs
		c.latencyCount++

		hd, ok := c.durations[destination]
		if !ok {
			hd = &HistogramData{Buckets: make(map[float64]int64, len(DefaultBuckets))}
			c.durations[destination] = hd
		}
		hd.Count++
		hd.Sum += secs
		for _, bound := range DefaultBuckets {
			if secs <= bound {
				hd.Buckets[bound]++
			}
		}
	}

	if statusCode > 0 {
		c.recent[c.recentIdx] = statusCode
		c.recentIdx = (c.recentIdx + 1) % recentCodes
		if c.recentLen < recentCodes {
			c.recentLen++
		}
	}
}

// RecordRetry records a retry attempt against a destination.
func (c *Collector) RecordRetry(destination string) {
	c.mu.Lock()
	c.retries++
	c.byDestination[destination+"|retry"]++
	c.mu.Unlock()
}

// SetBreakerState sets the circuit breaker state gauge for a destination.
func (c *Collector) SetBreakerState(destination string, state int) {
	c.mu.Lock()
	c.breakerState[destination] = state
	c.mu.Unlock()
}

// SetEndpointHealth sets the health gauge for an endpoint.
func (c *Collector) SetEndpointHealth(destination, endpoint string, healthy bool) {
	c.mu.Lock()
	key := destination + "|" + endpoint
	if healthy {
		c.endpointHealth[key] = 1
	} else {
		c.endpointHealth[key] = 0
	}
	c.mu.Unlock()
}

// Snapshot holds a point-in-time view of all metrics.
type Snapshot struct {
	Total          int64            `json:"total"`
	Success        int64            `json:"success"`
	Failed         int64            `json:"failed"`
	Timeouts       int64            `json:"timeouts"`
	RateLimited    int64            `json:"rate_limited"`
	CircuitOpen    int64            `json:"circuit_open"`
	NoEndpoint     int64            `json:"no_endpoint"`
	AuthFailed     int64            `json:"auth_failed"`
	Retries        int64            `json:"retries"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	ByDestination  map[string]int64 `json:"by_destination"`
	RecentStatuses map[string]int64 `json:"recent_status_codes"`
	BreakerState   map[string]int   `json:"circuit_breaker_state"`
	EndpointHealth map[string]int   `json:"endpoint_health"`
}

// TakeSnapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) TakeSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		Total:          c.total,
		Success:        c.success,
		Failed:         c.failed,
		Timeouts:       c.timeouts,
		RateLimited:    c.rateLimited,
		CircuitOpen:    c.circuitOpen,
		NoEndpoint:     c.noEndpoint,
		AuthFailed:     c.authFailed,
		Retries:        c.retries,
		ByDestination:  make(map[string]int64, len(c.byDestination)),
		RecentStatuses: make(map[string]int64),
		BreakerState:   make(map[string]int, len(c.breakerState)),
		EndpointHealth: make(map[string]int, len(c.endpointHealth)),
	}

	if c.latencyCount > 0 {
		snap.AvgLatencyMs = c.latencySum / float64(c.latencyCount) * 1000
	}

	for k, v := range c.byDestination {
		snap.ByDestination[k] = v
	}
	for i := 0; i < c.recentLen; i++ {
		snap.RecentStatuses[strconv.Itoa(c.recent[i])]++
	}
	for k, v := range c.breakerState {
		snap.BreakerState[k] = v
	}
	for k, v := range c.endpointHealth {
		snap.EndpointHealth[k] = v
	}

	return snap
}

// WritePrometheus writes metrics in Prometheus text exposition format.
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "mesh_calls_total", "Total number of calls", "counter")
	for key, count := range c.byDestination {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "mesh_calls_total", count,
				"destination", parts[0], "outcome", parts[1])
		}
	}

	writeHelp(w, "mesh_call_duration_seconds", "Call duration in seconds", "histogram")
	for dest, hd := range c.durations {
		for _, bound := range DefaultBuckets {
			writeMetricFloat(w, "mesh_call_duration_seconds_bucket", float64(hd.Buckets[bound]),
				"destination", dest, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "mesh_call_duration_seconds_bucket", float64(hd.Count),
			"destination", dest, "le", "+Inf")
		writeMetricFloat(w, "mesh_call_duration_seconds_sum", hd.Sum,
			"destination", dest)
		writeMetric(w, "mesh_call_duration_seconds_count", hd.Count,
			"destination", dest)
	}

	writeHelp(w, "mesh_circuit_breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half_open)", "gauge")
	for dest, state := range c.breakerState {
		writeMetric(w, "mesh_circuit_breaker_state", int64(state), "destination", dest)
	}

	writeHelp(w, "mesh_endpoint_health", "Endpoint health (0=unhealthy, 1=healthy)", "gauge")
	for key, health := range c.endpointHealth {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "mesh_endpoint_health", int64(health),
				"destination", parts[0], "endpoint", parts[1])
		}
	}

	writeHelp(w, "mesh_rate_limited_total", "Total rate limited calls", "counter")
	writeMetric(w, "mesh_rate_limited_total", c.rateLimited)

	writeHelp(w, "mesh_retries_total", "Total retry attempts", "counter")
	writeMetric(w, "mesh_retries_total", c.retries)
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
