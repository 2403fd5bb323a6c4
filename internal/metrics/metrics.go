package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "gelfstitch"

// Collector provides a central place for all application metrics
type Collector struct {
	// Input metrics
	InputDatagramsReceived *prometheus.CounterVec
	InputBytesReceived     *prometheus.CounterVec
	InputDecodeErrors      *prometheus.CounterVec
	InputChunksPending     *prometheus.GaugeVec
	InputRateLimited       *prometheus.CounterVec
	InputRestarts          *prometheus.CounterVec

	// Parser metrics
	ParserEventsProcessed *prometheus.CounterVec
	ParserEventsFailed    *prometheus.CounterVec
	ParserDuration        *prometheus.HistogramVec

	// Multiline metrics
	MultilinePending   *prometheus.GaugeVec
	MultilineStitched  *prometheus.CounterVec
	MultilineTruncated *prometheus.CounterVec
	MultilineFlushed   *prometheus.CounterVec

	// Queue metrics
	QueueSize        *prometheus.GaugeVec
	QueueUtilization *prometheus.GaugeVec
	QueueDropped     *prometheus.CounterVec
	QueueBlocked     *prometheus.CounterVec

	// Output metrics
	OutputEventsSent   *prometheus.CounterVec
	OutputEventsFailed *prometheus.CounterVec
	OutputBytesSent    *prometheus.CounterVec
	OutputDuration     *prometheus.HistogramVec
	OutputBatchSize    *prometheus.HistogramVec
	OutputRetries      *prometheus.CounterVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initInputMetrics()
	c.initParserMetrics()
	c.initMultilineMetrics()
	c.initQueueMetrics()
	c.initOutputMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initInputMetrics() {
	c.InputDatagramsReceived = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams received by listener",
		},
		[]string{"input_name"},
	)

	c.InputBytesReceived = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "bytes_received_total",
			Help:      "Total bytes received by listener",
		},
		[]string{"input_name"},
	)

	c.InputDecodeErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "decode_errors_total",
			Help:      "Total number of datagrams rejected by the GELF framing decoder",
		},
		[]string{"input_name"},
	)

	c.InputChunksPending = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "chunked_messages_pending",
			Help:      "Chunked messages waiting for their remaining chunks",
		},
		[]string{"input_name"},
	)

	c.InputRateLimited = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "rate_limited_total",
			Help:      "Total number of events dropped by the per-source rate limit",
		},
		[]string{"input_name"},
	)

	c.InputRestarts = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "restarts_total",
			Help:      "Total number of listener restarts after a failure",
		},
		[]string{"input_name"},
	)
}

func (c *Collector) initParserMetrics() {
	c.ParserEventsProcessed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "events_processed_total",
			Help:      "Total number of events successfully parsed",
		},
		[]string{"parser_type"},
	)

	c.ParserEventsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "events_failed_total",
			Help:      "Total number of payloads that failed parsing",
		},
		[]string{"parser_type"},
	)

	c.ParserDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "duration_seconds",
			Help:      "Time taken to parse a payload",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
		[]string{"parser_type"},
	)
}

func (c *Collector) initMultilineMetrics() {
	c.MultilinePending = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "multiline",
			Name:      "pending_sources",
			Help:      "Sources with a partially assembled message",
		},
		[]string{"input_name"},
	)

	c.MultilineStitched = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiline",
			Name:      "stitched_total",
			Help:      "Total number of reassembled messages emitted",
		},
		[]string{"input_name"},
	)

	c.MultilineTruncated = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiline",
			Name:      "truncated_total",
			Help:      "Total number of reassembled messages emitted at the length cap",
		},
		[]string{"input_name"},
	)

	c.MultilineFlushed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiline",
			Name:      "flushed_total",
			Help:      "Total number of pending messages flushed at shutdown",
		},
		[]string{"input_name"},
	)
}

func (c *Collector) initQueueMetrics() {
	c.QueueSize = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "events",
			Help:      "Current number of events in the queue",
		},
		[]string{"queue"},
	)

	c.QueueUtilization = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "utilization_ratio",
			Help:      "Queue utilization ratio (0.0-1.0)",
		},
		[]string{"queue"},
	)

	c.QueueDropped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped due to a full queue",
		},
		[]string{"queue", "backpressure_strategy"},
	)

	c.QueueBlocked = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "blocked_total",
			Help:      "Total number of times a producer blocked on a full queue",
		},
		[]string{"queue"},
	)
}

func (c *Collector) initOutputMetrics() {
	c.OutputEventsSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_sent_total",
			Help:      "Total number of events successfully sent to output",
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputEventsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_failed_total",
			Help:      "Total number of events that failed to send",
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputBytesSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to output",
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "duration_seconds",
			Help:      "Time taken to send a batch to output",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputBatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "batch_size",
			Help:      "Number of events in each batch sent to output",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 4096
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputRetries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "retries_total",
			Help:      "Total number of batch send retries",
		},
		[]string{"output_name", "output_type"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	close(c.stopCh)
	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
