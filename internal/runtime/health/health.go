// Package health serves GET /health. Every registered check runs
// concurrently under a shared deadline; the service is DOWN when any
// critical check fails.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/meshflow/internal/runtime/logging"
)

// DefaultTimeout bounds a whole health run.
const DefaultTimeout = 2 * time.Second

type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// CheckResult is one entry of Report.Checks.
type CheckResult struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the body of GET /health.
type Report struct {
	Status    Status        `json:"status"`
	Service   string        `json:"service"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// CheckFunc probes one dependency. Returned details are reported whether or
// not err is nil.
type CheckFunc func(ctx context.Context) (map[string]any, error)

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Checker holds the registered checks of one service.
type Checker struct {
	service string
	timeout time.Duration
	logger  logging.ServiceLogger
	now     func() time.Time

	mu     sync.RWMutex
	checks []check
}

func NewChecker(service string, timeout time.Duration, logger logging.ServiceLogger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		service: service,
		timeout: timeout,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Register adds a critical check. A check registered twice under the same
// name replaces the earlier one.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.add(check{name: name, fn: fn, critical: true})
}

// RegisterInformational adds a check that is reported but never turns the
// service DOWN.
func (c *Checker) RegisterInformational(name string, fn CheckFunc) {
	c.add(check{name: name, fn: fn})
}

func (c *Checker) add(ch check) {
	if ch.fn == nil || ch.name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == ch.name {
			c.checks[i] = ch
			return
		}
	}
	c.checks = append(c.checks, ch)
}

// Names lists registered checks in name order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for _, ch := range c.checks {
		names = append(names, ch.name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check and builds the report.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, ch := range checks {
		g.Go(func() error {
			results[i] = c.runOne(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusUp,
		Service:   c.service,
		Timestamp: c.now().UTC(),
		Checks:    results,
	}
	for i, ch := range checks {
		if ch.critical && results[i].Status == StatusDown {
			report.Status = StatusDown
		}
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report
}

func (c *Checker) runOne(ctx context.Context, ch check) (result CheckResult) {
	result = CheckResult{Name: ch.name, Status: StatusUp}
	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusDown
			result.Details = map[string]any{"error": fmt.Sprint(r)}
		}
	}()

	details, err := ch.fn(ctx)
	result.Details = details
	if err != nil {
		result.Status = StatusDown
		if result.Details == nil {
			result.Details = map[string]any{}
		}
		result.Details["error"] = err.Error()
		c.logger.Debug("Health check failed", logging.LogFields{"check": ch.name, "error": err.Error()})
	}
	return result
}

// Handler answers 200 when UP and 503 when DOWN.
func (c *Checker) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		report := c.Run(ctx.Request.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, report)
	}
}

// Mount registers GET /health on r.
func (c *Checker) Mount(r gin.IRoutes) {
	r.GET("/health", c.Handler())
}
