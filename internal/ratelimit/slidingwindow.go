package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter int // seconds; set only when rejected
}

// Limiter is the admission-control contract shared by the in-memory and
// Redis-backed implementations.
type Limiter interface {
	// Allow checks the client against limit requests per window.
	// limit <= 0 means the limiter's default.
	Allow(ctx context.Context, clientID string, limit int) Decision
}

// Config holds sliding window limiter configuration.
type Config struct {
	DefaultLimit  int           // requests per window (default 1000)
	Window        time.Duration // trailing window (default 1 minute)
	JanitorPeriod time.Duration // sweep interval (default window)
	IdleEviction  time.Duration // evict clients idle this long (default 5 minutes)
}

// clientWindow is the ordered timestamp log for one client.
type clientWindow struct {
	stamps   []time.Time
	lastUsed time.Time
}

// SlidingWindow implements per-client sliding window admission control.
// Each client keeps an ordered log of request timestamps within the
// trailing window; the log is pruned lazily on each check and a janitor
// sweep evicts idle clients to bound memory.
type SlidingWindow struct {
	defaultLimit  int
	window        time.Duration
	janitorPeriod time.Duration
	idleEviction  time.Duration
	clients       *shardedMap[*clientWindow]
	stop          context.CancelFunc
}

// NewSlidingWindow creates a new sliding window limiter.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1000
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.JanitorPeriod <= 0 {
		cfg.JanitorPeriod = cfg.Window
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 5 * time.Minute
	}

	return &SlidingWindow{
		defaultLimit:  cfg.DefaultLimit,
		window:        cfg.Window,
		janitorPeriod: cfg.JanitorPeriod,
		idleEviction:  cfg.IdleEviction,
		clients:       newShardedMap[*clientWindow](),
	}
}

// Allow checks whether a request from clientID is admitted.
func (sw *SlidingWindow) Allow(_ context.Context, clientID string, limit int) Decision {
	if limit <= 0 {
		limit = sw.defaultLimit
	}
	now := time.Now()
	cutoff := now.Add(-sw.window)

	s := sw.clients.getShard(clientID)
	s.mu.Lock()

	w, exists := s.items[clientID]
	if !exists {
		w = &clientWindow{}
		s.items[clientID] = w
	}
	w.lastUsed = now

	// Prune timestamps that slid out of the trailing window. The log is
	// append-ordered, so find the first surviving index and cut once.
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}

	if len(w.stamps) >= limit {
		var reset time.Time
		if len(w.stamps) > 0 {
			reset = w.stamps[0].Add(sw.window)
		} else {
			reset = now.Add(sw.window)
		}
		s.mu.Unlock()
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: int(sw.window / time.Second),
		}
	}

	w.stamps = append(w.stamps, now)
	remaining := limit - len(w.stamps)
	reset := w.stamps[0].Add(sw.window)
	s.mu.Unlock()

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: reset,
	}
}

// Start launches the janitor sweep. It stops when ctx is cancelled.
func (sw *SlidingWindow) Start(ctx context.Context) {
	ctx, sw.stop = context.WithCancel(ctx)
	go sw.janitor(ctx)
}

// Stop cancels the janitor loop.
func (sw *SlidingWindow) Stop() {
	if sw.stop != nil {
		sw.stop()
	}
}

// janitor evicts clients that have been idle beyond the eviction horizon.
func (sw *SlidingWindow) janitor(ctx context.Context) {
	ticker := time.NewTicker(sw.janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			sw.clients.deleteFunc(func(_ string, w *clientWindow) bool {
				return now.Sub(w.lastUsed) > sw.idleEviction
			})
		}
	}
}

// ClientCount returns the number of tracked clients (for tests and admin).
func (sw *SlidingWindow) ClientCount() int {
	return sw.clients.size()
}
