package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/meshgate/internal/circuitbreaker"
	"github.com/example/meshgate/internal/config"
	"github.com/example/meshgate/internal/discovery"
	"github.com/example/meshgate/internal/errors"
	"github.com/example/meshgate/internal/health"
	"github.com/example/meshgate/internal/identity"
	"github.com/example/meshgate/internal/loadbalancer"
	"github.com/example/meshgate/internal/logging"
	"github.com/example/meshgate/internal/metrics"
	"github.com/example/meshgate/internal/middleware"
	"github.com/example/meshgate/internal/pipeline"
	"github.com/example/meshgate/internal/ratelimit"
	"github.com/example/meshgate/internal/registry"
	"github.com/example/meshgate/internal/retry"
	"github.com/example/meshgate/internal/tracing"
)

// Server is the ingress (north-south) surface: a catch-all proxy route
// plus the admin endpoints /health, /metrics and /services.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	balancer  *loadbalancer.Balancer
	limiter   ratelimit.Limiter
	window    *ratelimit.SlidingWindow // non-nil when the in-memory limiter is used
	refresher *discovery.Refresher     // non-nil when a feed is configured
	metrics   *metrics.Collector
	pipeline  *pipeline.Pipeline
	validator identity.Validator
	tracer    *tracing.Tracer
	handler   http.Handler
	server    *http.Server
}

// New assembles the full server from configuration.
func New(cfg *config.Config) (*Server, error) {
	m := metrics.NewCollector()

	reg := registry.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	}, func(destination string, from, to circuitbreaker.State) {
		logging.Info("circuit breaker state changed",
			zap.String("destination", destination),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		m.SetBreakerState(destination, int(to))
	})

	s := &Server{
		cfg:      cfg,
		registry: reg,
		balancer: loadbalancer.New(reg, cfg.LoadBalancing.DefaultPolicy),
		metrics:  m,
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Distributed {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			s.limiter = ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
				Client:       client,
				Prefix:       cfg.Redis.Prefix,
				DefaultLimit: cfg.RateLimit.RequestsPer,
				Window:       cfg.RateLimit.Window,
			})
		} else {
			s.window = ratelimit.NewSlidingWindow(ratelimit.Config{
				DefaultLimit:  cfg.RateLimit.RequestsPer,
				Window:        cfg.RateLimit.Window,
				JanitorPeriod: cfg.RateLimit.JanitorPeriod,
				IdleEviction:  cfg.RateLimit.IdleEviction,
			})
			s.limiter = s.window
		}
	}

	var budget *retry.Budget
	if cfg.RetryBudget.Enabled {
		budget = retry.NewBudget(cfg.RetryBudget.Ratio, cfg.RetryBudget.MinPerSecond, cfg.RetryBudget.Window)
	}

	switch cfg.Discovery.Source {
	case "http":
		feed := discovery.NewHTTPFeed(cfg.Discovery.URL, cfg.Discovery.Timeout)
		s.refresher = discovery.NewRefresher(reg, feed, cfg.Discovery.Interval)
	case "consul":
		feed, err := discovery.NewConsulFeed(cfg.Discovery.Consul)
		if err != nil {
			return nil, err
		}
		s.refresher = discovery.NewRefresher(reg, feed, cfg.Discovery.Interval)
	}
	var onNoEndpoint func()
	if s.refresher != nil {
		onNoEndpoint = s.refresher.Kick
	}

	s.pipeline = pipeline.New(pipeline.Options{
		Registry: reg,
		Balancer: s.balancer,
		Limiter:  s.limiter,
		Metrics:  m,
		Defaults: pipeline.Defaults{
			Policy:       cfg.LoadBalancing.DefaultPolicy,
			Timeout:      30 * time.Second,
			RetryPolicy:  config.RetryNone,
			RateLimitRPM: cfg.RateLimit.RequestsPer,
		},
		RateLimitEnabled: cfg.RateLimit.Enabled,
		BreakerEnabled:   cfg.CircuitBreaker.Enabled,
		Budget:           budget,
		OnNoEndpoint:     onNoEndpoint,
	})

	var err error
	if s.validator, err = buildValidator(cfg.Identity); err != nil {
		return nil, err
	}

	if s.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, err
	}

	s.seed()
	s.handler = s.buildHandler()
	s.server = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           s.handler,
		ReadTimeout:       cfg.Listen.ReadTimeout,
		WriteTimeout:      cfg.Listen.WriteTimeout,
		IdleTimeout:       cfg.Listen.IdleTimeout,
		ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
	}
	return s, nil
}

func buildValidator(cfg config.IdentityConfig) (identity.Validator, error) {
	var v identity.Validator
	switch cfg.Mode {
	case "remote":
		v = identity.NewRemoteValidator(cfg.ValidatorURL, cfg.Timeout, cfg.Headers)
	case "jwt":
		v = identity.NewJWTValidator(cfg.JWTSecret)
	default:
		return nil, nil
	}
	if cfg.CacheTTL > 0 {
		v = identity.NewCachingValidator(v, cfg.CacheSize, cfg.CacheTTL)
	}
	return v, nil
}

// seed registers the statically configured destinations and rules so
// traffic can flow before the first discovery refresh.
func (s *Server) seed() {
	for _, dest := range s.cfg.Destinations {
		for _, epCfg := range dest.Endpoints {
			s.registry.RegisterEndpoint(&registry.Endpoint{
				Destination:     dest.Name,
				Host:            epCfg.Host,
				Port:            epCfg.Port,
				PathPrefix:      epCfg.PathPrefix,
				Protocol:        epCfg.Protocol,
				Weight:          epCfg.Weight,
				HealthCheckPath: epCfg.HealthCheckPath,
				Metadata:        epCfg.Metadata,
			})
		}
		for _, ruleCfg := range dest.Rules {
			breakerEnabled := true
			if ruleCfg.CircuitBreaker != nil {
				breakerEnabled = *ruleCfg.CircuitBreaker
			}
			s.registry.AddTrafficRule(registry.TrafficRule{
				Source:                ruleCfg.Source,
				Destination:           dest.Name,
				Policy:                ruleCfg.Policy,
				Timeout:               ruleCfg.Timeout,
				RetryPolicy:           ruleCfg.RetryPolicy,
				MaxRetries:            ruleCfg.MaxRetries,
				RetryBackoff:          ruleCfg.RetryBackoff,
				RateLimitRPM:          ruleCfg.RateLimitRPM,
				CircuitBreakerEnabled: breakerEnabled,
			})
		}
	}
}

func (s *Server) buildHandler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	router.HandlerFunc(http.MethodGet, "/metrics", s.handleMetrics)
	router.HandlerFunc(http.MethodGet, "/services", s.handleServices)
	// Everything else is proxied: /{destination}/{path...}.
	router.NotFound = http.HandlerFunc(s.handleProxy)

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
	)
	chain = chain.AppendIf(s.tracer.IsEnabled(), s.tracer.Middleware())
	if s.cfg.AllowedHosts.Enabled {
		chain = chain.Append(middleware.NewAllowedHosts(s.cfg.AllowedHosts).Middleware())
	}
	chain = chain.AppendIf(s.cfg.CORS.Enabled, middleware.CORS(s.cfg.CORS))
	return chain.Then(router)
}

// Handler exposes the composed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the shared registry for in-process mesh callers.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Pipeline exposes the shared pipeline for in-process mesh callers.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Run starts the listener and background loops, blocking until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.window != nil {
		s.window.Start(ctx)
		defer s.window.Stop()
	}

	if s.refresher != nil {
		go s.refresher.Run(ctx)
	}

	if s.cfg.HealthCheck.Enabled {
		prober := health.NewProber(s.registry, s.metrics, health.Config{
			Interval:    s.cfg.HealthCheck.Interval,
			Timeout:     s.cfg.HealthCheck.Timeout,
			Concurrency: s.cfg.HealthCheck.Concurrency,
		})
		go prober.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("ingress listening", zap.String("address", s.cfg.Listen.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout)
	defer shutdownCancel()
	logging.Info("shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil {
			logging.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// handleProxy serves the catch-all route /{destination}/{path...} for
// any method.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	destination, path := splitTarget(r.URL.Path)
	if destination == "" {
		errors.New(http.StatusNotFound, errors.CodeNoEndpoint, "No destination in path").WriteJSON(w)
		return
	}

	source := "external"
	clientID := clientAddr(r)
	if s.validator != nil {
		token := bearerToken(r)
		if token == "" {
			s.metrics.RecordCall(destination, metrics.OutcomeAuthFailed, 0, 0)
			errors.ErrAuthFailed.WriteJSON(w)
			return
		}
		id, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			s.metrics.RecordCall(destination, metrics.OutcomeAuthFailed, 0, 0)
			writeError(w, err)
			return
		}
		clientID = id.Subject
	}
	if s.cfg.RateLimit.ClientHeader != "" {
		if v := r.Header.Get(s.cfg.RateLimit.ClientHeader); v != "" {
			clientID = v
		}
	}

	body, err := readBody(r)
	if err != nil {
		errors.Wrap(errors.ErrInternal, err).WriteJSON(w)
		return
	}

	resp, err := s.pipeline.Execute(r.Context(), &pipeline.Request{
		Source:      source,
		Destination: destination,
		Method:      r.Method,
		Path:        path,
		Headers:     r.Header,
		Body:        body,
		ClientID:    clientID,
		HashKeys:    []string{clientID},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	for k, vals := range resp.Headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set(pipeline.HeaderTraceID, resp.TraceID)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"destinations": len(s.registry.Destinations()),
	})
}

// handleMetrics serves Prometheus text by default and a JSON snapshot
// when the client asks for JSON.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.metrics.TakeSnapshot())
		return
	}
	s.metrics.WritePrometheus(w)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"services": s.registry.Summaries(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	if me, ok := errors.IsMeshError(err); ok {
		me.WriteJSON(w)
		return
	}
	errors.ErrInternal.WriteJSON(w)
}
