package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/example/meshgate/internal/circuitbreaker"
	"github.com/example/meshgate/internal/config"
	"github.com/example/meshgate/internal/errors"
	"github.com/example/meshgate/internal/loadbalancer"
	"github.com/example/meshgate/internal/pipeline"
	"github.com/example/meshgate/internal/registry"
)

func newTestClient(t *testing.T, source string) (*Client, *registry.Registry) {
	t.Helper()
	reg := registry.New(circuitbreaker.Config{FailureThreshold: 5, Timeout: 30 * time.Second}, nil)
	p := pipeline.New(pipeline.Options{
		Registry: reg,
		Balancer: loadbalancer.New(reg, config.PolicyRoundRobin),
		Defaults: pipeline.Defaults{
			Policy:  config.PolicyRoundRobin,
			Timeout: 2 * time.Second,
		},
		BreakerEnabled: true,
	})
	return NewClient(source, p), reg
}

func registerServer(t *testing.T, reg *registry.Registry, destination string, server *httptest.Server) {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	ep := &registry.Endpoint{Destination: destination, Host: u.Hostname(), Port: port}
	reg.RegisterEndpoint(ep)
	reg.SetEndpointHealth(destination, ep.Key(), registry.StatusHealthy, registry.ScoreHealthy)
}

func TestClientCallAssertsSource(t *testing.T) {
	var gotSource, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSource = r.Header.Get(pipeline.HeaderSource)
		gotPath = r.URL.Path
		w.Write([]byte("pong"))
	}))
	defer server.Close()

	client, reg := newTestClient(t, "billing")
	registerServer(t, reg, "payments", server)

	resp, err := client.Get(context.Background(), "payments", "/ping")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotSource != "billing" {
		t.Errorf("expected asserted source billing, got %q", gotSource)
	}
	if gotPath != "/ping" {
		t.Errorf("expected /ping, got %q", gotPath)
	}
	if string(resp.Body) != "pong" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.TraceID == "" || resp.SpanID == "" || resp.CallID == "" {
		t.Error("expected call identifiers on the response")
	}
}

func TestClientPostSetsContentType(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, reg := newTestClient(t, "billing")
	registerServer(t, reg, "payments", server)

	resp, err := client.Post(context.Background(), "payments", "/charge", []byte(`{"amount":5}`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotContentType)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
}

func TestClientUnknownDestination(t *testing.T) {
	client, _ := newTestClient(t, "billing")
	_, err := client.Get(context.Background(), "unknown-svc", "/")
	if err == nil {
		t.Fatal("expected error for unknown destination")
	}
	me, ok := errors.IsMeshError(err)
	if !ok || me.ErrorCode != errors.CodeNoEndpoint {
		t.Errorf("expected NO_ENDPOINT typed result, got %v", err)
	}
}
