package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/meshgate/internal/logging"
	"github.com/example/meshgate/internal/metrics"
	"github.com/example/meshgate/internal/registry"
)

// Prober actively probes every registered endpoint's health check path
// and writes the result back into the registry. Probes run on a fixed
// interval with bounded concurrency.
type Prober struct {
	registry    *registry.Registry
	metrics     *metrics.Collector
	client      *http.Client
	interval    time.Duration
	concurrency int
}

// Config controls the probe loop.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// NewProber creates a prober over the given registry. metrics may be nil.
func NewProber(reg *registry.Registry, m *metrics.Collector, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	return &Prober{
		registry: reg,
		metrics:  m,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
	}
}

// Run probes until ctx is cancelled. One sweep runs immediately so
// endpoints leave the unknown state without waiting a full interval.
func (p *Prober) Run(ctx context.Context) {
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every endpoint of every destination, at most
// concurrency probes in flight.
func (p *Prober) sweep(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, destination := range p.registry.Destinations() {
		for _, ep := range p.registry.Endpoints(destination) {
			destination, ep := destination, ep
			g.Go(func() error {
				p.probe(ctx, destination, ep)
				return nil
			})
		}
	}
	g.Wait()
}

// probe checks one endpoint and records the outcome. Any 2xx response
// counts as healthy; everything else, including transport errors, marks
// the endpoint unhealthy.
func (p *Prober) probe(ctx context.Context, destination string, ep *registry.Endpoint) {
	url := ep.BaseURL() + ep.HealthCheckPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.record(destination, ep, false, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.record(destination, ep, false, err)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.record(destination, ep, healthy, nil)
}

func (p *Prober) record(destination string, ep *registry.Endpoint, healthy bool, probeErr error) {
	status := registry.StatusUnhealthy
	score := registry.ScoreUnhealthy
	if healthy {
		status = registry.StatusHealthy
		score = registry.ScoreHealthy
	}

	prev, ok := p.registry.SetEndpointHealth(destination, ep.Key(), status, score)
	changed := ok && prev != status
	if p.metrics != nil {
		p.metrics.SetEndpointHealth(destination, ep.Key(), healthy)
	}

	if changed {
		fields := []zap.Field{
			zap.String("destination", destination),
			zap.String("endpoint", ep.Key()),
			zap.String("status", string(status)),
		}
		if probeErr != nil {
			fields = append(fields, zap.Error(probeErr))
		}
		logging.Info("endpoint health changed", fields...)
	}
}
