package output

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// ErrOutputClosed is returned by sends after Close
var ErrOutputClosed = errors.New("output is closed")

// Output defines the interface for all output plugins
type Output interface {
	// Send sends a single event to the output destination
	Send(ctx context.Context, event *types.Event) error

	// SendBatch sends a batch of events to the output destination
	SendBatch(ctx context.Context, events []*types.Event) error

	// Close closes the output and releases resources
	Close() error

	// Name returns the name of the output instance
	Name() string

	// Type returns the output type (stdout, kafka, elasticsearch, s3)
	Type() string

	// Metrics returns the current metrics for this output
	Metrics() *OutputMetrics
}

// OutputMetrics tracks performance and health metrics for an output
type OutputMetrics struct {
	EventsSent    int64         `json:"events_sent"`
	EventsFailed  int64         `json:"events_failed"`
	BytesSent     int64         `json:"bytes_sent"`
	BatchesSent   int64         `json:"batches_sent"`
	LastSendTime  time.Time     `json:"last_send_time"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// CompressionType defines the compression algorithm to use
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// BaseConfig contains common configuration for all outputs
type BaseConfig struct {
	// Name is a unique identifier for this output instance
	Name string `yaml:"name,omitempty"`

	// Timeout is the timeout for a single send operation
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultBaseConfig returns a base config with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Timeout: 30 * time.Second,
	}
}

// recorder accumulates OutputMetrics for an output
type recorder struct {
	mu sync.Mutex
	m  OutputMetrics
}

func (r *recorder) success(events int, bytes int64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.EventsSent += int64(events)
	r.m.BytesSent += bytes
	r.m.BatchesSent++
	r.m.LastSendTime = time.Now()
	r.m.AvgBatchSize = float64(r.m.EventsSent) / float64(r.m.BatchesSent)
	if r.m.AvgLatency == 0 {
		r.m.AvgLatency = latency
	} else {
		r.m.AvgLatency = (r.m.AvgLatency + latency) / 2
	}
}

func (r *recorder) failure(events int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.EventsFailed += int64(events)
	if err != nil {
		r.m.LastError = err.Error()
		r.m.LastErrorTime = time.Now()
	}
}

func (r *recorder) snapshot() *OutputMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.m
	return &m
}
