package discovery

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/example/meshgate/internal/config"
)

// ConsulFeed reads the instance catalog from Consul's health API.
type ConsulFeed struct {
	client     *consulapi.Client
	datacenter string
	services   []string // explicit destinations; empty polls the catalog
}

// NewConsulFeed creates a Consul-backed marketplace feed.
func NewConsulFeed(cfg config.ConsulConfig) (*ConsulFeed, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &ConsulFeed{
		client:     client,
		datacenter: cfg.Datacenter,
		services:   cfg.Services,
	}, nil
}

// Fetch queries Consul for every tracked service's instances.
func (f *ConsulFeed) Fetch(ctx context.Context) (map[string][]Instance, error) {
	names := f.services
	if len(names) == 0 {
		catalog, _, err := f.client.Catalog().Services((&consulapi.QueryOptions{
			Datacenter: f.datacenter,
		}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("consul catalog query failed: %w", err)
		}
		for name := range catalog {
			if name == "consul" {
				continue
			}
			names = append(names, name)
		}
	}

	out := make(map[string][]Instance, len(names))
	for _, name := range names {
		entries, _, err := f.client.Health().Service(name, "", false, (&consulapi.QueryOptions{
			Datacenter: f.datacenter,
		}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("consul health query for %s failed: %w", name, err)
		}

		instances := make([]Instance, 0, len(entries))
		for _, entry := range entries {
			addr := entry.Service.Address
			if addr == "" {
				addr = entry.Node.Address
			}
			status := "unknown"
			switch entry.Checks.AggregatedStatus() {
			case consulapi.HealthPassing:
				status = "healthy"
			case consulapi.HealthCritical:
				status = "unhealthy"
			}
			instances = append(instances, Instance{
				Host:     addr,
				Port:     entry.Service.Port,
				Status:   status,
				Metadata: entry.Service.Meta,
				LastSeen: time.Now(),
			})
		}
		out[name] = instances
	}
	return out, nil
}

var _ Feed = (*ConsulFeed)(nil)
var _ Feed = (*HTTPFeed)(nil)
