package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("listen:\n  address: \":9090\"\n"))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Listen.Address != ":9090" {
		t.Errorf("expected listen address :9090, got %q", cfg.Listen.Address)
	}
	if cfg.Listen.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout 30s, got %v", cfg.Listen.ReadTimeout)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.LoadBalancing.DefaultPolicy != PolicyRoundRobin {
		t.Errorf("expected default policy %q, got %q", PolicyRoundRobin, cfg.LoadBalancing.DefaultPolicy)
	}
	if cfg.RateLimit.RequestsPer != 1000 {
		t.Errorf("expected default rate limit 1000, got %d", cfg.RateLimit.RequestsPer)
	}
}

func TestParseDestinations(t *testing.T) {
	data := `
listen:
  address: ":8080"
destinations:
  - name: billing
    endpoints:
      - host: 10.0.0.1
        port: 9101
        weight: 3
        health_check_path: /internal/status
    rules:
      - source: external
        policy: weighted
        timeout: 10s
        retry_policy: exponential
        max_retries: 2
        retry_backoff: 100ms
        rate_limit_rpm: 600
`
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if len(cfg.Destinations) != 1 {
		t.Fatalf("expected 1 destination, got %d", len(cfg.Destinations))
	}
	d := cfg.Destinations[0]
	if d.Name != "billing" {
		t.Errorf("expected destination billing, got %q", d.Name)
	}
	if len(d.Endpoints) != 1 || d.Endpoints[0].Weight != 3 {
		t.Fatalf("unexpected endpoints: %+v", d.Endpoints)
	}
	if d.Endpoints[0].HealthCheckPath != "/internal/status" {
		t.Errorf("expected health check path /internal/status, got %q", d.Endpoints[0].HealthCheckPath)
	}
	if len(d.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(d.Rules))
	}
	r := d.Rules[0]
	if r.Policy != PolicyWeighted || r.RetryPolicy != RetryExponential {
		t.Errorf("unexpected rule policies: %+v", r)
	}
	if r.Timeout != 10*time.Second || r.RetryBackoff != 100*time.Millisecond {
		t.Errorf("unexpected rule durations: %+v", r)
	}
	if r.RateLimitRPM != 600 {
		t.Errorf("expected rate_limit_rpm 600, got %d", r.RateLimitRPM)
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("MESHGATE_TEST_SECRET", "s3cret")

	data := "listen:\n  address: \":8080\"\nidentity:\n  mode: jwt\n  jwt_secret: ${MESHGATE_TEST_SECRET}\n"
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Identity.JWTSecret != "s3cret" {
		t.Errorf("expected secret expanded from env, got %q", cfg.Identity.JWTSecret)
	}
}

func TestParseLeavesUnsetEnvVars(t *testing.T) {
	data := "listen:\n  address: \":8080\"\nidentity:\n  mode: jwt\n  jwt_secret: ${MESHGATE_DEFINITELY_UNSET_VAR}\n"
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !strings.Contains(cfg.Identity.JWTSecret, "MESHGATE_DEFINITELY_UNSET_VAR") {
		t.Errorf("expected placeholder preserved for unset var, got %q", cfg.Identity.JWTSecret)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing address", "listen:\n  address: \"\"\n"},
		{"bad address", "listen:\n  address: \"no-port\"\n"},
		{"unknown policy", "load_balancing:\n  default_policy: fastest\n"},
		{"unknown discovery source", "discovery:\n  source: dns\n"},
		{"http discovery without url", "discovery:\n  source: http\n"},
		{"consul discovery without address", "discovery:\n  source: consul\n"},
		{"remote identity without url", "identity:\n  mode: remote\n"},
		{"unknown identity mode", "identity:\n  mode: oauth\n"},
		{"distributed limiter without redis", "rate_limit:\n  distributed: true\n"},
		{"nameless destination", "destinations:\n  - endpoints:\n      - host: a\n        port: 1\n"},
		{"duplicate destination", "destinations:\n  - name: a\n  - name: a\n"},
		{"endpoint without port", "destinations:\n  - name: a\n    endpoints:\n      - host: b\n"},
		{"rule with bad retry policy", "destinations:\n  - name: a\n    rules:\n      - retry_policy: jittered\n"},
		{"negative max retries", "destinations:\n  - name: a\n    rules:\n      - max_retries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  address: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Listen.Address != ":7070" {
		t.Errorf("expected :7070, got %q", cfg.Listen.Address)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
