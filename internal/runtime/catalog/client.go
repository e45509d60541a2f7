package catalog

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/logging"
)

const (
	DefaultCacheTTL  = 10 * time.Second
	DefaultCacheSize = 256
)

// ClientOptions tune the lookup cache.
type ClientOptions struct {
	// TTL is the maximum age of a cached instance list.
	TTL time.Duration
	// Size caps the number of cached service names.
	Size int
	// Pick chooses an index in [0, n). Defaults to a uniform random pick.
	Pick func(n int) int
}

// Client resolves service names through a Catalog with a short-lived cache.
type Client struct {
	catalog Catalog
	logger  logging.ServiceLogger
	pick    func(n int) int

	cache *expirable.LRU[string, []ServiceInstance]
	group singleflight.Group
	mu    sync.Mutex
	// generation is bumped by Invalidate so fetches that started earlier
	// neither populate the cache nor get joined by later callers.
	generation atomic.Uint64
}

// NewClient wraps catalog with a TTL cache.
func NewClient(catalog Catalog, logger logging.ServiceLogger, opts ClientOptions) (*Client, error) {
	if catalog == nil {
		return nil, errspkg.ErrCatalogRequired
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}
	return &Client{
		catalog: catalog,
		logger:  logging.OrNop(logger).With(logging.LogFields{"component": "catalog"}),
		pick:    opts.Pick,
		cache:   expirable.NewLRU[string, []ServiceInstance](opts.Size, nil, opts.TTL),
	}, nil
}

// Resolve returns the host:port of a randomly chosen healthy instance.
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	instances, err := c.ListInstances(ctx, name)
	if err != nil {
		return "", err
	}
	healthy := Healthy(instances)
	if len(healthy) == 0 {
		return "", &errspkg.DiscoveryError{Service: name, Kind: errspkg.ErrNoHealthyInstance}
	}
	return healthy[c.pick(len(healthy))].HostPort(), nil
}

// ListInstances returns every registered instance of name, from cache when
// the cached list is younger than the TTL.
func (c *Client) ListInstances(ctx context.Context, name string) ([]ServiceInstance, error) {
	if name == "" {
		return nil, errspkg.ErrServiceNameRequired
	}
	if cached, ok := c.cache.Get(name); ok {
		return cloneInstances(cached), nil
	}

	gen := c.generation.Load()
	key := name + "#" + strconv.FormatUint(gen, 10)
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, name, gen)
	})
	if err != nil {
		return nil, err
	}
	return cloneInstances(result.([]ServiceInstance)), nil
}

func (c *Client) fetch(ctx context.Context, name string, gen uint64) ([]ServiceInstance, error) {
	instances, err := c.catalog.Service(ctx, name)
	if err != nil {
		c.logger.Warn("Catalog lookup failed", logging.LogFields{"service": name, "error": err.Error()})
		return nil, &errspkg.DiscoveryError{Service: name, Kind: errspkg.ErrCatalogUnavailable, Cause: err}
	}
	if len(instances) == 0 {
		return nil, &errspkg.DiscoveryError{Service: name, Kind: errspkg.ErrServiceNotFound}
	}
	c.mu.Lock()
	if c.generation.Load() == gen {
		c.cache.Add(name, instances)
	}
	c.mu.Unlock()
	c.logger.Debug("Catalog lookup", logging.LogFields{
		"service":   name,
		"instances": len(instances),
		"healthy":   len(Healthy(instances)),
	})
	return instances, nil
}

// Invalidate drops the cached lists of names, or of every service when no
// name is given.
func (c *Client) Invalidate(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation.Add(1)
	if len(names) == 0 {
		c.cache.Purge()
		return
	}
	for _, name := range names {
		c.cache.Remove(name)
	}
}

// Healthy filters instances down to the healthy ones.
func Healthy(instances []ServiceInstance) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out
}

func cloneInstances(in []ServiceInstance) []ServiceInstance {
	out := make([]ServiceInstance, len(in))
	copy(out, in)
	return out
}
