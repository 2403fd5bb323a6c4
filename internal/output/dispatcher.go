package output

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/buffer"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// Source yields queued events. Dequeue returns buffer.ErrBufferClosed once
// the source is closed and drained.
type Source interface {
	Dequeue(ctx context.Context) (*types.Event, error)
}

// DeadLetter receives batches that could not be delivered
type DeadLetter interface {
	Enqueue(events []*types.Event, output string, cause error) error
}

// DispatcherConfig configures batching and retries between queue and output
type DispatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Retry         reliability.RetryConfig
}

// DispatcherOption configures optional dispatcher dependencies
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics records output metrics on c
func WithDispatcherMetrics(c *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithDispatcherTracer emits one span per batch on t
func WithDispatcherTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDeadLetter keeps failed batches in dl instead of dropping them
func WithDeadLetter(dl DeadLetter) DispatcherOption {
	return func(d *Dispatcher) { d.deadLetter = dl }
}

// Dispatcher moves events from a Source to an Output in batches
type Dispatcher struct {
	source  Source
	output  Output
	config  DispatcherConfig
	batcher *Batcher
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	deadLetter DeadLetter

	mu        sync.Mutex
	lastBytes int64
}

// NewDispatcher creates a dispatcher; Run starts moving events
func NewDispatcher(source Source, out Output, config DispatcherConfig, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		source: source,
		output: out,
		config: config,
		logger: logger.WithComponent("dispatcher").WithField("output", out.Name()),
	}

	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("")
	}

	d.config.Retry.OnRetry = func(attempt int, err error) {
		d.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Output send failed, retrying")
		if d.metrics != nil {
			d.metrics.OutputRetries.WithLabelValues(out.Name(), out.Type()).Inc()
		}
	}

	return d
}

// Run dequeues until the source is closed and drained or ctx is cancelled.
// Buffered events are flushed before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize:  d.config.BatchSize,
		FlushInterval: d.config.FlushInterval,
	}, d.send)
	defer d.batcher.Stop()

	d.logger.Info().
		Int("batch_size", d.config.BatchSize).
		Dur("flush_interval", d.config.FlushInterval).
		Msg("Dispatcher started")

	for {
		event, err := d.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, buffer.ErrBufferClosed) {
				d.logger.Info().Msg("Queue drained, dispatcher stopping")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		// Failures are logged and counted in send
		_ = d.batcher.Add(ctx, event)
	}
}

// send delivers one batch with retries
func (d *Dispatcher) send(ctx context.Context, events []*types.Event) error {
	name, typ := d.output.Name(), d.output.Type()

	ctx, span := tracing.TraceOutput(ctx, d.tracer, name, typ, len(events))
	defer span.End()

	start := time.Now()
	err := reliability.Retry(ctx, d.config.Retry, func(ctx context.Context) error {
		return d.output.SendBatch(ctx, events)
	})
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.OutputDuration.WithLabelValues(name, typ).Observe(elapsed.Seconds())
		d.metrics.OutputBatchSize.WithLabelValues(name, typ).Observe(float64(len(events)))
		d.metrics.OutputBytesSent.WithLabelValues(name, typ).Add(float64(d.bytesDelta()))
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		if d.metrics != nil {
			d.metrics.OutputEventsFailed.WithLabelValues(name, typ).Add(float64(len(events)))
		}

		if d.deadLetter == nil {
			d.logger.Error().
				Err(err).
				Int("events", len(events)).
				Msg("Dropping batch after send failure")
			return err
		}

		if dlErr := d.deadLetter.Enqueue(events, name, err); dlErr != nil {
			d.logger.Error().
				Err(dlErr).
				AnErr("send_error", err).
				Int("events", len(events)).
				Msg("Failed to store batch in dead letter queue")
		} else {
			d.logger.Warn().
				Err(err).
				Int("events", len(events)).
				Msg("Batch moved to dead letter queue")
		}
		return err
	}

	if d.metrics != nil {
		d.metrics.OutputEventsSent.WithLabelValues(name, typ).Add(float64(len(events)))
	}
	d.logger.Debug().
		Int("events", len(events)).
		Dur("duration", elapsed).
		Msg("Batch sent")

	return nil
}

// bytesDelta returns bytes written by the output since the previous call
func (d *Dispatcher) bytesDelta() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := d.output.Metrics().BytesSent
	delta := total - d.lastBytes
	d.lastBytes = total
	if delta < 0 {
		return 0
	}
	return delta
}
