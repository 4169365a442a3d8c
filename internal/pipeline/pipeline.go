package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/meshgate/internal/config"
	"github.com/example/meshgate/internal/errors"
	"github.com/example/meshgate/internal/loadbalancer"
	"github.com/example/meshgate/internal/logging"
	"github.com/example/meshgate/internal/metrics"
	"github.com/example/meshgate/internal/ratelimit"
	"github.com/example/meshgate/internal/registry"
	"github.com/example/meshgate/internal/retry"
	"github.com/example/meshgate/internal/tracing"
)

// Trace propagation headers. The trace ID survives the whole call
// chain; the span ID is minted fresh per hop.
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
	HeaderCallID  = "X-Call-ID"
	HeaderSource  = "X-Source-Service"
)

// Request is one call through the pipeline, shared by the ingress and
// the service-to-service flavor. Body is buffered so retries can
// replay it.
type Request struct {
	Source      string
	Destination string
	Method      string
	Path        string
	Headers     http.Header
	Body        []byte

	// ClientID keys the rate limiter; falls back to Source when empty.
	ClientID string
	// HashKeys extend the consistent-hash context beyond Source.
	HashKeys []string
}

// Response is the upstream answer plus call identifiers.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CallID     string
	TraceID    string
	SpanID     string
	Endpoint   string
	Attempts   int
	Duration   time.Duration
}

// Defaults apply when a destination has no matching traffic rule, or a
// rule leaves a field unset.
type Defaults struct {
	Policy       string
	Timeout      time.Duration
	RetryPolicy  string
	MaxRetries   int
	RetryBackoff time.Duration
	RateLimitRPM int
}

// Options assembles a pipeline.
type Options struct {
	Registry         *registry.Registry
	Balancer         *loadbalancer.Balancer
	Limiter          ratelimit.Limiter
	Metrics          *metrics.Collector
	Defaults         Defaults
	RateLimitEnabled bool
	BreakerEnabled   bool
	// Budget optionally caps the retry fraction; nil means unbounded.
	Budget *retry.Budget
	// OnNoEndpoint is invoked, without blocking, whenever endpoint
	// selection finds nothing. Wired to the discovery refresher so a
	// miss provokes an out-of-cycle catalog fetch.
	OnNoEndpoint func()
	// Transport overrides the forwarding transport, for tests.
	Transport http.RoundTripper
}

// Pipeline runs the shared call sequence: rate limit, rule resolution,
// breaker gate, endpoint selection, forwarding, retries, metrics.
type Pipeline struct {
	registry         *registry.Registry
	balancer         *loadbalancer.Balancer
	limiter          ratelimit.Limiter
	metrics          *metrics.Collector
	client           *http.Client
	defaults         Defaults
	budget           *retry.Budget
	onNoEndpoint     func()
	rateLimitEnabled bool
	breakerEnabled   bool
}

// New creates a pipeline from options.
func New(opts Options) *Pipeline {
	d := opts.Defaults
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.RetryPolicy == "" {
		d.RetryPolicy = config.RetryNone
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = 100 * time.Millisecond
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Pipeline{
		registry:         opts.Registry,
		balancer:         opts.Balancer,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		client:           &http.Client{Transport: transport},
		defaults:         d,
		budget:           opts.Budget,
		onNoEndpoint:     opts.OnNoEndpoint,
		rateLimitEnabled: opts.RateLimitEnabled,
		breakerEnabled:   opts.BreakerEnabled,
	}
}

// Execute runs one call through the full sequence. The returned error,
// when non-nil, is always a *errors.MeshError; a non-2xx upstream
// response is passed through unchanged rather than converted.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	rule := p.resolveRule(req.Source, req.Destination)

	callID := uuid.New().String()
	traceID := req.Headers.Get(HeaderTraceID)
	if traceID == "" {
		traceID = uuid.New().String()
	}

	if p.rateLimitEnabled && p.limiter != nil {
		clientID := req.ClientID
		if clientID == "" {
			clientID = req.Source
		}
		decision := p.limiter.Allow(ctx, clientID, rule.RateLimitRPM)
		if !decision.Allowed {
			p.record(req.Destination, metrics.OutcomeRateLimited, 0, time.Since(start))
			return nil, errors.ErrRateLimited.WithRetryAfter(decision.RetryAfter)
		}
	}

	p.budget.RecordCall()
	// The registry returns no breaker for a name it has never seen, so
	// an unknown destination cannot allocate state before the lookup
	// below rejects it.
	breaker := p.registry.Breaker(req.Destination)
	breakerOn := p.breakerEnabled && rule.CircuitBreakerEnabled && breaker != nil
	schedule := retry.NewSchedule(rule.RetryPolicy, rule.RetryBackoff)

	maxAttempts := 1
	if rule.RetryPolicy != config.RetryNone && rule.MaxRetries > 0 {
		maxAttempts += rule.MaxRetries
	}

	var lastResp *Response
	var lastErr *errors.MeshError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !p.budget.Allow() {
				break
			}
			p.budget.RecordRetry()
			if p.metrics != nil {
				p.metrics.RecordRetry(req.Destination)
			}
			if err := schedule.Wait(ctx, attempt); err != nil {
				break
			}
		}

		if breakerOn && !breaker.CanExecute() {
			if attempt == 0 {
				p.record(req.Destination, metrics.OutcomeCircuitOpen, 0, time.Since(start))
				return nil, errors.ErrCircuitOpen
			}
			// An OPEN breaker aborts remaining retries.
			break
		}

		endpoint, err := p.balancer.Select(req.Destination, rule.Policy, loadbalancer.SelectionContext{
			Source:   req.Source,
			HashKeys: req.HashKeys,
		})
		if err != nil {
			if p.onNoEndpoint != nil {
				p.onNoEndpoint()
			}
			p.record(req.Destination, metrics.OutcomeNoEndpoint, 0, time.Since(start))
			return nil, errors.ErrNoEndpoint
		}

		resp, attemptErr := p.forward(ctx, req, rule, endpoint, callID, traceID)
		if attemptErr == nil && resp.StatusCode < 300 && resp.StatusCode >= 200 {
			if breakerOn {
				breaker.RecordSuccess()
			}
			resp.Attempts = attempt + 1
			resp.Duration = time.Since(start)
			p.record(req.Destination, metrics.OutcomeSuccess, resp.StatusCode, resp.Duration)
			return resp, nil
		}

		// Each attempt's failure is recorded before any retry decision.
		if breakerOn {
			breaker.RecordFailure()
		}
		if attemptErr != nil {
			lastErr, lastResp = attemptErr, nil
			logging.Warn("upstream attempt failed",
				zap.String("destination", req.Destination),
				zap.String("endpoint", endpoint.Key()),
				zap.Int("attempt", attempt+1),
				zap.Error(attemptErr))
		} else {
			resp.Attempts = attempt + 1
			lastResp, lastErr = resp, nil
		}
	}

	if lastResp != nil {
		// Non-2xx pass-through: the upstream answer is returned
		// unchanged even though it counted against the breaker.
		lastResp.Duration = time.Since(start)
		p.record(req.Destination, metrics.OutcomeFailure, lastResp.StatusCode, lastResp.Duration)
		return lastResp, nil
	}
	if lastErr == nil {
		// Retries were aborted by an OPEN breaker before any attempt
		// produced a result.
		lastErr = errors.ErrCircuitOpen
	}
	outcome := metrics.OutcomeFailure
	if lastErr.ErrorCode == errors.CodeUpstreamTimeout {
		outcome = metrics.OutcomeTimeout
	} else if lastErr.ErrorCode == errors.CodeCircuitOpen {
		outcome = metrics.OutcomeCircuitOpen
	}
	p.record(req.Destination, outcome, 0, time.Since(start))
	return nil, lastErr
}

// resolveRule finds the (source, destination) rule or synthesizes one
// from the pipeline defaults.
func (p *Pipeline) resolveRule(source, destination string) registry.TrafficRule {
	rule, ok := p.registry.TrafficRule(source, destination)
	if !ok {
		rule = registry.TrafficRule{
			Source:                source,
			Destination:           destination,
			CircuitBreakerEnabled: true,
		}
	}
	if rule.Policy == "" {
		rule.Policy = p.defaults.Policy
	}
	if rule.Timeout <= 0 {
		rule.Timeout = p.defaults.Timeout
	}
	if rule.RetryPolicy == "" {
		rule.RetryPolicy = p.defaults.RetryPolicy
	}
	if rule.RetryPolicy != config.RetryNone && rule.MaxRetries == 0 {
		rule.MaxRetries = p.defaults.MaxRetries
	}
	if rule.RetryBackoff <= 0 {
		rule.RetryBackoff = p.defaults.RetryBackoff
	}
	if rule.RateLimitRPM <= 0 {
		rule.RateLimitRPM = p.defaults.RateLimitRPM
	}
	return rule
}

// forward performs one timeout-bounded attempt against the endpoint,
// tracking the in-flight count for least-connections selection.
func (p *Pipeline) forward(ctx context.Context, req *Request, rule registry.TrafficRule, endpoint *registry.Endpoint, callID, traceID string) (*Response, *errors.MeshError) {
	attemptCtx, cancel := context.WithTimeout(ctx, rule.Timeout)
	defer cancel()

	url := endpoint.BaseURL() + endpoint.PathPrefix + req.Path
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	for k, vals := range req.Headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	spanID := uuid.New().String()
	httpReq.Header.Set(HeaderTraceID, traceID)
	httpReq.Header.Set(HeaderSpanID, spanID)
	httpReq.Header.Set(HeaderCallID, callID)
	if req.Source != "" {
		httpReq.Header.Set(HeaderSource, req.Source)
	}
	tracing.Inject(ctx, httpReq.Header)

	endpoint.IncrActive()
	resp, err := p.client.Do(httpReq)
	endpoint.DecrActive()
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.ErrUpstreamTimeout, err)
		}
		return nil, errors.Wrap(errors.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUpstreamFailure, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       respBody,
		CallID:     callID,
		TraceID:    traceID,
		SpanID:     spanID,
		Endpoint:   endpoint.Key(),
	}, nil
}

func (p *Pipeline) record(destination string, outcome metrics.Outcome, status int, duration time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordCall(destination, outcome, status, duration)
	}
}

// RetryAfterSeconds reads the retry hint off a MeshError for callers
// that surface headers.
func RetryAfterSeconds(err *errors.MeshError) int {
	if err == nil || err.Details == nil {
		return 0
	}
	n, _ := strconv.Atoi(err.Details["retry_after_seconds"])
	return n
}
