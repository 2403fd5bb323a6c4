package input

import (
	"context"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// Input defines the interface that all input sources must implement
type Input interface {
	// Name returns the name of the input
	Name() string

	// Type returns the type of the input
	Type() string

	// Run receives events until ctx is done or Stop is called
	Run(ctx context.Context) error

	// Stop stops the input gracefully
	Stop() error

	// Health returns the health status of the input
	Health() Health
}

// Sink receives finished events from an input
type Sink interface {
	Enqueue(ctx context.Context, event *types.Event) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, event *types.Event) error

// Enqueue calls f(ctx, event)
func (f SinkFunc) Enqueue(ctx context.Context, event *types.Event) error {
	return f(ctx, event)
}

// Health represents the health status of an input
type Health struct {
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthStatus represents the status of health check
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)
