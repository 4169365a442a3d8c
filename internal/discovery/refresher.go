package discovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/meshgate/internal/logging"
	"github.com/example/meshgate/internal/registry"
)

// Refresher polls a marketplace feed and replaces the registry snapshot.
// A failed poll leaves the previous snapshot untouched and retries with
// exponential backoff until the next success or cancellation.
type Refresher struct {
	registry *registry.Registry
	feed     Feed
	interval time.Duration
	kick     chan struct{}
}

// NewRefresher creates a refresher polling feed every interval.
func NewRefresher(reg *registry.Registry, feed Feed, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Refresher{
		registry: reg,
		feed:     feed,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an out-of-cycle refresh without blocking. Kicks that
// arrive while one is already pending coalesce into a single refresh.
func (r *Refresher) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It performs one refresh immediately
// so the registry is populated before the first tick, and answers kicks
// between ticks.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		case <-r.kick:
			r.refresh(ctx)
		}
	}
}

// refresh fetches the catalog, retrying with exponential backoff on
// failure. Retries are capped at the polling interval so a flapping
// feed never delays the next scheduled refresh.
func (r *Refresher) refresh(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = r.interval

	err := backoff.Retry(func() error {
		catalog, err := r.feed.Fetch(ctx)
		if err != nil {
			logging.Warn("marketplace feed poll failed, keeping previous snapshot",
				zap.Error(err))
			return err
		}
		r.apply(catalog)
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		logging.Error("marketplace refresh exhausted retries", zap.Error(err))
	}
}

// apply converts the catalog and swaps it in, preserving health state
// for endpoints that survive the swap.
func (r *Refresher) apply(catalog map[string][]Instance) {
	snapshot := make(map[string][]*registry.Endpoint, len(catalog))
	total := 0
	for destination, instances := range catalog {
		endpoints := make([]*registry.Endpoint, 0, len(instances))
		for _, inst := range instances {
			endpoints = append(endpoints, toEndpoint(destination, inst))
		}
		snapshot[destination] = endpoints
		total += len(endpoints)
	}
	r.registry.ReplaceEndpoints(snapshot)
	logging.Debug("marketplace snapshot refreshed",
		zap.Int("destinations", len(snapshot)),
		zap.Int("endpoints", total))
}
