package health

import (
	"context"

	"github.com/drblury/meshflow/internal/runtime/resilience"
)

// Pinger is satisfied by transport channels and catalog backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports DOWN when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) (map[string]any, error) {
		if err := p.Ping(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"connected": true}, nil
	}
}

// BreakerCheck lists each downstream dependency with its circuit state.
func BreakerCheck(registry *resilience.BreakerRegistry) CheckFunc {
	return func(ctx context.Context) (map[string]any, error) {
		details := make(map[string]any)
		for name, state := range registry.States() {
			details[name] = string(state)
		}
		return details, nil
	}
}

// RuntimeCheck reports process resource usage.
func RuntimeCheck() CheckFunc {
	tracker := newResourceTracker()
	return func(ctx context.Context) (map[string]any, error) {
		usage := tracker.Snapshot()
		return map[string]any{
			"cpu_percent":  usage.CPUPercent,
			"memory_bytes": usage.MemoryBytes,
			"goroutines":   usage.Goroutines,
		}, nil
	}
}
