// Package catalog resolves logical service names to live instance addresses
// and registers the running service with the catalog.
package catalog

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
)

// ServiceInstance is one registration of a service.
type ServiceInstance struct {
	ServiceName string
	ID          string
	Address     string
	Port        int
	// Healthy is true when every health check of the instance passes.
	Healthy bool
	Tags    []string
}

// HostPort returns the dialable address of the instance.
func (i ServiceInstance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// Catalog looks up every registered instance of a service, healthy or not.
// An empty result means the catalog knows no registration for name. Any
// error is treated as the catalog being unreachable.
type Catalog interface {
	Service(ctx context.Context, name string) ([]ServiceInstance, error)
}

// Registrar announces and withdraws the running instance.
type Registrar interface {
	Register(ctx context.Context, reg Registration) error
	Deregister(ctx context.Context, id string) error
}

// Pinger reports whether the catalog itself is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registration describes the running instance and its HTTP health check.
type Registration struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string
	Meta    map[string]string

	HealthCheckURL          string
	CheckInterval           time.Duration
	CheckTimeout            time.Duration
	DeregisterCriticalAfter time.Duration
}

// Backend is a catalog that can also register the running service.
type Backend interface {
	Catalog
	Registrar
	Pinger
}

// Open returns the backend named by system: "consul" or "memory".
func Open(system string, consul ConsulConfig) (Backend, error) {
	switch system {
	case "consul":
		return NewConsulCatalog(consul)
	case "memory":
		return NewMemoryCatalog(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownCatalog, system)
	}
}
