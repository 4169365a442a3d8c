package config

import (
	"time"
)

// Policy names accepted by traffic rules and the load balancer.
const (
	PolicyRoundRobin     = "round_robin"
	PolicyWeighted       = "weighted"
	PolicyLeastConn      = "least_connections"
	PolicyConsistentHash = "consistent_hash"
	PolicyHealthBased    = "health_based"
)

// Retry policy names accepted by traffic rules.
const (
	RetryNone        = "none"
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// Config represents the complete mesh layer configuration.
type Config struct {
	Listen         ListenConfig         `yaml:"listen"`
	Logging        LoggingConfig        `yaml:"logging"`
	Identity       IdentityConfig       `yaml:"identity"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	RetryBudget    RetryBudgetConfig    `yaml:"retry_budget"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	LoadBalancing  LoadBalancingConfig  `yaml:"load_balancing"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Redis          RedisConfig          `yaml:"redis"`
	CORS           CORSConfig           `yaml:"cors"`
	AllowedHosts   AllowedHostsConfig   `yaml:"allowed_hosts"`
	Destinations   []DestinationConfig  `yaml:"destinations"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`
}

// ListenConfig defines the ingress HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// IdentityConfig defines how ingress bearer tokens are validated.
type IdentityConfig struct {
	// Mode is "remote" (external validator endpoint) or "jwt" (local HMAC).
	Mode         string            `yaml:"mode"`
	ValidatorURL string            `yaml:"validator_url"`
	Timeout      time.Duration     `yaml:"timeout"`
	JWTSecret    string            `yaml:"jwt_secret"`
	CacheTTL     time.Duration     `yaml:"cache_ttl"`
	CacheSize    int               `yaml:"cache_size"`
	Headers      map[string]string `yaml:"headers"`
}

// RateLimitConfig defines the default per-client admission limit.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPer   int           `yaml:"requests_per_minute"`
	Window        time.Duration `yaml:"window"`
	ClientHeader  string        `yaml:"client_header"` // header naming the client, falls back to source address
	Distributed   bool          `yaml:"distributed"`   // use Redis-backed limiter
	JanitorPeriod time.Duration `yaml:"janitor_period"`
	IdleEviction  time.Duration `yaml:"idle_eviction"`
}

// RetryBudgetConfig caps the overall fraction of attempts that may be
// retries, preventing retry storms against struggling destinations.
type RetryBudgetConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Ratio        float64       `yaml:"ratio"`          // max retries/calls fraction
	MinPerSecond int           `yaml:"min_per_second"` // floor always admitted
	Window       time.Duration `yaml:"window"`
}

// CircuitBreakerConfig defines per-destination breaker defaults.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DiscoveryConfig defines the marketplace feed poller.
type DiscoveryConfig struct {
	// Source is "http", "consul" or "static" (config-only endpoints).
	Source   string        `yaml:"source"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Consul   ConsulConfig  `yaml:"consul"`
}

// ConsulConfig defines the Consul feed connection.
type ConsulConfig struct {
	Address    string   `yaml:"address"`
	Scheme     string   `yaml:"scheme"`
	Datacenter string   `yaml:"datacenter"`
	Token      string   `yaml:"token"`
	Services   []string `yaml:"services"` // destinations to poll; empty polls the full catalog
}

// HealthCheckConfig defines the endpoint prober.
type HealthCheckConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// LoadBalancingConfig defines the default selection policy.
type LoadBalancingConfig struct {
	DefaultPolicy string `yaml:"default_policy"`
}

// TracingConfig defines distributed tracing settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig defines the Redis connection for distributed features.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CORSConfig defines cross-origin settings for the ingress surface.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// AllowedHostsConfig restricts the Host header on ingress.
type AllowedHostsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Hosts   []string `yaml:"hosts"`
}

// ShutdownConfig defines graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DestinationConfig declares a destination with static endpoints and rules,
// used when no live discovery feed is available (or to seed one).
type DestinationConfig struct {
	Name      string              `yaml:"name"`
	Endpoints []EndpointConfig    `yaml:"endpoints"`
	Rules     []TrafficRuleConfig `yaml:"rules"`
}

// EndpointConfig declares a static endpoint.
type EndpointConfig struct {
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	PathPrefix      string            `yaml:"path_prefix"`
	Protocol        string            `yaml:"protocol"`
	Weight          int               `yaml:"weight"`
	HealthCheckPath string            `yaml:"health_check_path"`
	Metadata        map[string]string `yaml:"metadata"`
}

// TrafficRuleConfig declares a routing policy between a caller and the
// enclosing destination. Source "*" matches any caller.
type TrafficRuleConfig struct {
	Source         string        `yaml:"source"`
	Policy         string        `yaml:"policy"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryPolicy    string        `yaml:"retry_policy"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RateLimitRPM   int           `yaml:"rate_limit_rpm"`
	CircuitBreaker *bool         `yaml:"circuit_breaker"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Identity: IdentityConfig{
			Mode:      "jwt",
			Timeout:   5 * time.Second,
			CacheTTL:  time.Minute,
			CacheSize: 1024,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPer:   1000,
			Window:        time.Minute,
			JanitorPeriod: time.Minute,
			IdleEviction:  5 * time.Minute,
		},
		RetryBudget: RetryBudgetConfig{
			Ratio:        0.2,
			MinPerSecond: 10,
			Window:       10 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Source:   "static",
			Interval: 15 * time.Second,
			Timeout:  10 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:     true,
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			Concurrency: 16,
		},
		LoadBalancing: LoadBalancingConfig{
			DefaultPolicy: PolicyRoundRobin,
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 15 * time.Second,
		},
	}
}
