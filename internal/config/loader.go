package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var validPolicies = map[string]bool{
	"":                   true,
	PolicyRoundRobin:     true,
	PolicyWeighted:       true,
	PolicyLeastConn:      true,
	PolicyConsistentHash: true,
	PolicyHealthBased:    true,
}

var validRetryPolicies = map[string]bool{
	"":               true,
	RetryNone:        true,
	RetryFixed:       true,
	RetryExponential: true,
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen.Address); err != nil {
		return fmt.Errorf("listen.address %q is not host:port: %w", cfg.Listen.Address, err)
	}

	if !validPolicies[cfg.LoadBalancing.DefaultPolicy] {
		return fmt.Errorf("unknown load balancing policy %q", cfg.LoadBalancing.DefaultPolicy)
	}

	if cfg.RateLimit.RequestsPer < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be >= 0")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}

	switch cfg.Discovery.Source {
	case "static", "http", "consul":
	default:
		return fmt.Errorf("unknown discovery source %q", cfg.Discovery.Source)
	}
	if cfg.Discovery.Source == "http" && cfg.Discovery.URL == "" {
		return fmt.Errorf("discovery.url is required for http discovery")
	}
	if cfg.Discovery.Source == "consul" && cfg.Discovery.Consul.Address == "" {
		return fmt.Errorf("discovery.consul.address is required for consul discovery")
	}

	switch cfg.Identity.Mode {
	case "", "remote", "jwt", "none":
	default:
		return fmt.Errorf("unknown identity mode %q", cfg.Identity.Mode)
	}
	if cfg.Identity.Mode == "remote" && cfg.Identity.ValidatorURL == "" {
		return fmt.Errorf("identity.validator_url is required for remote identity mode")
	}

	if cfg.RateLimit.Distributed && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for distributed rate limiting")
	}

	seen := make(map[string]bool, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		if d.Name == "" {
			return fmt.Errorf("destination name is required")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate destination %q", d.Name)
		}
		seen[d.Name] = true

		for _, ep := range d.Endpoints {
			if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
				return fmt.Errorf("destination %q: endpoint needs host and port 1-65535", d.Name)
			}
			if ep.Weight < 0 {
				return fmt.Errorf("destination %q: endpoint weight must be >= 0", d.Name)
			}
		}
		for _, r := range d.Rules {
			if !validPolicies[r.Policy] {
				return fmt.Errorf("destination %q: unknown policy %q", d.Name, r.Policy)
			}
			if !validRetryPolicies[r.RetryPolicy] {
				return fmt.Errorf("destination %q: unknown retry policy %q", d.Name, r.RetryPolicy)
			}
			if r.MaxRetries < 0 {
				return fmt.Errorf("destination %q: max_retries must be >= 0", d.Name)
			}
		}
	}

	return nil
}
