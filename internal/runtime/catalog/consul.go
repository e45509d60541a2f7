package catalog

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
)

// ConsulConfig points at a Consul agent.
type ConsulConfig struct {
	Address    string
	Token      string
	Datacenter string
}

// ConsulCatalog reads health-annotated registrations from Consul and manages
// the agent registration of the running service.
type ConsulCatalog struct {
	client     *api.Client
	datacenter string
}

var (
	_ Catalog   = (*ConsulCatalog)(nil)
	_ Registrar = (*ConsulCatalog)(nil)
	_ Pinger    = (*ConsulCatalog)(nil)
)

// NewConsulCatalog builds a Consul API client. Empty fields fall back to the
// CONSUL_* environment handled by api.DefaultConfig.
func NewConsulCatalog(cfg ConsulConfig) (*ConsulCatalog, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulCatalog{client: client, datacenter: cfg.Datacenter}, nil
}

func (c *ConsulCatalog) queryOptions(ctx context.Context) *api.QueryOptions {
	q := &api.QueryOptions{Datacenter: c.datacenter}
	return q.WithContext(ctx)
}

// Service lists every instance of name with its aggregated check status.
func (c *ConsulCatalog) Service(ctx context.Context, name string) ([]ServiceInstance, error) {
	entries, _, err := c.client.Health().Service(name, "", false, c.queryOptions(ctx))
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		address := entry.Service.Address
		if address == "" && entry.Node != nil {
			address = entry.Node.Address
		}
		instances = append(instances, ServiceInstance{
			ServiceName: entry.Service.Service,
			ID:          entry.Service.ID,
			Address:     address,
			Port:        entry.Service.Port,
			Healthy:     entry.Checks.AggregatedStatus() == api.HealthPassing,
			Tags:        entry.Service.Tags,
		})
	}
	return instances, nil
}

// Register adds the instance to the local agent with an HTTP health check.
func (c *ConsulCatalog) Register(ctx context.Context, reg Registration) error {
	svc := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Port:    reg.Port,
		Address: reg.Address,
		Meta:    reg.Meta,
	}
	if reg.HealthCheckURL != "" {
		check := &api.AgentServiceCheck{
			CheckID: reg.ID + ":health",
			Name:    reg.Name + " health",
			HTTP:    reg.HealthCheckURL,
			Method:  "GET",
		}
		if reg.CheckInterval > 0 {
			check.Interval = reg.CheckInterval.String()
		}
		if reg.CheckTimeout > 0 {
			check.Timeout = reg.CheckTimeout.String()
		}
		if reg.DeregisterCriticalAfter > 0 {
			check.DeregisterCriticalServiceAfter = reg.DeregisterCriticalAfter.String()
		}
		svc.Check = check
	}
	if err := c.client.Agent().ServiceRegisterOpts(svc, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("register %s: %w", reg.ID, err)
	}
	return nil
}

// Deregister removes the instance from the local agent.
func (c *ConsulCatalog) Deregister(ctx context.Context, id string) error {
	if err := c.client.Agent().ServiceDeregisterOpts(id, c.queryOptions(ctx)); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return nil
}

// Ping asks for the raft leader, which fails when the cluster is unreachable
// or has no quorum.
func (c *ConsulCatalog) Ping(ctx context.Context) error {
	leader, err := c.client.Status().LeaderWithQueryOptions(c.queryOptions(ctx))
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}
