package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

var (
	ErrBufferFull   = errors.New("buffer is full")
	ErrBufferClosed = errors.New("buffer is closed")
)

// BackpressureStrategy defines how to handle backpressure
type BackpressureStrategy string

const (
	// BackpressureBlock blocks the producer when buffer is full
	BackpressureBlock BackpressureStrategy = "block"
	// BackpressureDrop drops the oldest event when buffer is full
	BackpressureDrop BackpressureStrategy = "drop"
)

// RingBufferConfig holds configuration for the ring buffer
type RingBufferConfig struct {
	Name                 string
	Size                 int
	BackpressureStrategy BackpressureStrategy
	BlockTimeout         time.Duration
	Metrics              *metrics.Collector
}

// RingBuffer is a bounded circular queue of events between the listeners
// and the output dispatcher. Safe for concurrent producers and consumers.
type RingBuffer struct {
	mu       sync.Mutex
	buffer   []*types.Event
	mask     uint64
	writePos uint64
	readPos  uint64

	config RingBufferConfig

	enqueued uint64
	dequeued uint64
	dropped  uint64

	closed   bool
	done     chan struct{}
	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewRingBuffer creates a new ring buffer with the given configuration
func NewRingBuffer(config RingBufferConfig) (*RingBuffer, error) {
	if config.Size <= 0 {
		config.Size = 1024
	}

	// Power of 2 so positions can be masked
	size := nextPowerOfTwo(uint64(config.Size))

	if config.BackpressureStrategy == "" {
		config.BackpressureStrategy = BackpressureBlock
	}
	if config.BackpressureStrategy != BackpressureBlock && config.BackpressureStrategy != BackpressureDrop {
		return nil, errors.New("unknown backpressure strategy: " + string(config.BackpressureStrategy))
	}

	if config.BlockTimeout == 0 {
		config.BlockTimeout = 5 * time.Second
	}

	if config.Name == "" {
		config.Name = "events"
	}

	return &RingBuffer{
		buffer:   make([]*types.Event, size),
		mask:     size - 1,
		config:   config,
		done:     make(chan struct{}),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}, nil
}

// Enqueue adds an event to the buffer
func (rb *RingBuffer) Enqueue(ctx context.Context, event *types.Event) error {
	if rb.config.BackpressureStrategy == BackpressureDrop {
		return rb.enqueueDrop(event)
	}
	return rb.enqueueBlocking(ctx, event)
}

// enqueueBlocking waits for space until BlockTimeout
func (rb *RingBuffer) enqueueBlocking(ctx context.Context, event *types.Event) error {
	var timeout <-chan time.Time
	blocked := false

	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return ErrBufferClosed
		}
		if !rb.fullLocked() {
			rb.pushLocked(event)
			rb.mu.Unlock()
			rb.signal(rb.notEmpty)
			rb.observe()
			return nil
		}
		rb.mu.Unlock()

		if !blocked {
			blocked = true
			timer := time.NewTimer(rb.config.BlockTimeout)
			defer timer.Stop()
			timeout = timer.C
			if rb.config.Metrics != nil {
				rb.config.Metrics.QueueBlocked.WithLabelValues(rb.config.Name).Inc()
			}
		}

		select {
		case <-rb.notFull:
		case <-rb.done:
			return ErrBufferClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return ErrBufferFull
		}
	}
}

// enqueueDrop evicts the oldest event when buffer is full
func (rb *RingBuffer) enqueueDrop(event *types.Event) error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return ErrBufferClosed
	}

	evicted := false
	if rb.fullLocked() {
		rb.buffer[rb.readPos&rb.mask] = nil
		rb.readPos++
		rb.dropped++
		evicted = true
	}
	rb.pushLocked(event)
	rb.mu.Unlock()

	if evicted && rb.config.Metrics != nil {
		rb.config.Metrics.QueueDropped.WithLabelValues(rb.config.Name, string(BackpressureDrop)).Inc()
	}

	rb.signal(rb.notEmpty)
	rb.observe()
	return nil
}

// Dequeue removes and returns an event, waiting until one is available.
// After Close it keeps draining and returns ErrBufferClosed once empty.
func (rb *RingBuffer) Dequeue(ctx context.Context) (*types.Event, error) {
	for {
		if event, ok := rb.TryDequeue(); ok {
			return event, nil
		}

		rb.mu.Lock()
		closed := rb.closed
		rb.mu.Unlock()
		if closed {
			return nil, ErrBufferClosed
		}

		select {
		case <-rb.notEmpty:
		case <-rb.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDequeue attempts to dequeue without blocking
func (rb *RingBuffer) TryDequeue() (*types.Event, bool) {
	rb.mu.Lock()
	if rb.readPos >= rb.writePos {
		rb.mu.Unlock()
		return nil, false
	}

	event := rb.buffer[rb.readPos&rb.mask]
	rb.buffer[rb.readPos&rb.mask] = nil // Clear reference for GC
	rb.readPos++
	rb.dequeued++
	rb.mu.Unlock()

	rb.signal(rb.notFull)
	rb.observe()
	return event, true
}

// DequeueBatch waits for at least one event and returns up to max events
func (rb *RingBuffer) DequeueBatch(ctx context.Context, max int) ([]*types.Event, error) {
	first, err := rb.Dequeue(ctx)
	if err != nil {
		return nil, err
	}

	batch := []*types.Event{first}
	for len(batch) < max {
		event, ok := rb.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, event)
	}
	return batch, nil
}

func (rb *RingBuffer) pushLocked(event *types.Event) {
	rb.buffer[rb.writePos&rb.mask] = event
	rb.writePos++
	rb.enqueued++
}

func (rb *RingBuffer) fullLocked() bool {
	return rb.writePos-rb.readPos >= uint64(len(rb.buffer))
}

func (rb *RingBuffer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (rb *RingBuffer) observe() {
	if rb.config.Metrics == nil {
		return
	}
	rb.config.Metrics.QueueSize.WithLabelValues(rb.config.Name).Set(float64(rb.Size()))
	rb.config.Metrics.QueueUtilization.WithLabelValues(rb.config.Name).Set(rb.Utilization())
}

// Empty checks if buffer is empty
func (rb *RingBuffer) Empty() bool {
	return rb.Size() == 0
}

// Full checks if buffer is full
func (rb *RingBuffer) Full() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.fullLocked()
}

// Size returns the current number of events in the buffer
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.writePos - rb.readPos)
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer) Capacity() int {
	return len(rb.buffer)
}

// Utilization returns the buffer utilization ratio (0.0-1.0)
func (rb *RingBuffer) Utilization() float64 {
	return float64(rb.Size()) / float64(rb.Capacity())
}

// Metrics returns buffer statistics
func (rb *RingBuffer) Metrics() BufferMetrics {
	rb.mu.Lock()
	m := BufferMetrics{
		Enqueued:    rb.enqueued,
		Dequeued:    rb.dequeued,
		Dropped:     rb.dropped,
		CurrentSize: int(rb.writePos - rb.readPos),
		Capacity:    len(rb.buffer),
	}
	rb.mu.Unlock()

	m.Utilization = float64(m.CurrentSize) / float64(m.Capacity)
	return m
}

// Close stops accepting events. Buffered events can still be dequeued.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrBufferClosed
	}
	rb.closed = true
	close(rb.done)
	return nil
}

// BufferMetrics holds buffer statistics
type BufferMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	Capacity    int
	Utilization float64
}

// nextPowerOfTwo returns the next power of 2 greater than or equal to n
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
