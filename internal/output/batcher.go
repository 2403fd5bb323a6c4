package output

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	FlushInterval time.Duration
}

// FlushFunc receives each completed batch
type FlushFunc func(ctx context.Context, events []*types.Event) error

// Batcher accumulates events and flushes them in batches
type Batcher struct {
	config  BatcherConfig
	events  []*types.Event
	size    int
	mu      sync.Mutex
	flushMu sync.Mutex // keeps batches in order
	flushFn FlushFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewBatcher creates a new batcher and starts its flush ticker
func NewBatcher(config BatcherConfig, flushFn FlushFunc) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = 5 * 1024 * 1024
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	b := &Batcher{
		config:  config,
		events:  make([]*types.Event, 0, config.MaxBatchSize),
		flushFn: flushFn,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Add adds an event to the batch, flushing when a size limit is reached
func (b *Batcher) Add(ctx context.Context, event *types.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.size += estimateSize(event)
	full := len(b.events) >= b.config.MaxBatchSize || b.size >= b.config.MaxBatchBytes
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush forces a flush of the current batch
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	toFlush := make([]*types.Event, len(b.events))
	copy(toFlush, b.events)
	b.events = b.events[:0]
	b.size = 0
	b.mu.Unlock()

	return b.flushFn(ctx, toFlush)
}

// flushLoop periodically flushes the batch
func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()
	defer close(b.doneCh)

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.stopCh:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop stops the batcher and flushes remaining events
func (b *Batcher) Stop() error {
	b.once.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return nil
}

// Size returns the current number of events in the batch
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func estimateSize(event *types.Event) int {
	// attribute overhead is not counted; the message dominates for stitched traces
	msg, _ := event.Message()
	return len(msg) + 64
}
