package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/meshgate/internal/registry"
)

// Instance is one service instance as reported by the marketplace feed.
type Instance struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	BasePath string            `json:"base_path,omitempty"`
	Status   string            `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	LastSeen time.Time         `json:"last_seen,omitempty"`
}

// Feed is a source of destination → instance listings. Polled, not pushed.
type Feed interface {
	Fetch(ctx context.Context) (map[string][]Instance, error)
}

// HTTPFeed polls a marketplace endpoint returning the full instance catalog
// as JSON: {"services": {"<destination>": [instance, ...], ...}}.
type HTTPFeed struct {
	url    string
	client *http.Client
}

// NewHTTPFeed creates a feed polling the given URL.
func NewHTTPFeed(url string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeed{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

type catalogResponse struct {
	Services map[string][]Instance `json:"services"`
}

// Fetch retrieves the full catalog.
func (f *HTTPFeed) Fetch(ctx context.Context) (map[string][]Instance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketplace query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketplace returned status %d", resp.StatusCode)
	}

	var catalog catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("marketplace response decode failed: %w", err)
	}
	return catalog.Services, nil
}

// toEndpoint converts a feed instance into a registry endpoint.
func toEndpoint(destination string, inst Instance) *registry.Endpoint {
	ep := &registry.Endpoint{
		Destination: destination,
		Host:        inst.Host,
		Port:        inst.Port,
		PathPrefix:  inst.BasePath,
		Weight:      1,
		LastSeen:    inst.LastSeen,
		Metadata:    inst.Metadata,
	}

	switch inst.Status {
	case "healthy", "passing", "up":
		ep.Status = registry.StatusHealthy
		ep.HealthScore = registry.ScoreHealthy
	case "unhealthy", "critical", "down":
		ep.Status = registry.StatusUnhealthy
		ep.HealthScore = registry.ScoreUnhealthy
	}

	if inst.Metadata != nil {
		if w, err := strconv.Atoi(inst.Metadata["weight"]); err == nil && w >= 0 {
			ep.Weight = w
		}
		if p := inst.Metadata["health_check_path"]; p != "" {
			ep.HealthCheckPath = p
		}
		if proto := inst.Metadata["protocol"]; proto != "" {
			ep.Protocol = proto
		}
	}
	return ep
}
