package output

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

func newTestEvent(msg string) *types.Event {
	event := types.NewEvent()
	event.SetMessage(msg)
	return event
}

func TestBatcherBasic(t *testing.T) {
	var flushedCount int64

	flushFn := func(ctx context.Context, events []*types.Event) error {
		atomic.AddInt64(&flushedCount, int64(len(events)))
		return nil
	}

	config := BatcherConfig{
		MaxBatchSize:  5,
		MaxBatchBytes: 10000,
		FlushInterval: 100 * time.Millisecond,
	}

	batcher := NewBatcher(config, flushFn)
	defer batcher.Stop()

	for i := 0; i < 12; i++ {
		if err := batcher.Add(context.Background(), newTestEvent("test event")); err != nil {
			t.Fatalf("failed to add event: %v", err)
		}
	}

	// Two size flushes happen inline; the remaining 2 go out on the ticker
	if count := atomic.LoadInt64(&flushedCount); count != 10 {
		t.Errorf("expected 10 events flushed inline, got %d", count)
	}

	time.Sleep(250 * time.Millisecond)

	if count := atomic.LoadInt64(&flushedCount); count != 12 {
		t.Errorf("expected 12 events flushed, got %d", count)
	}
}

func TestBatcherFlushOnBytes(t *testing.T) {
	var batches int64

	flushFn := func(ctx context.Context, events []*types.Event) error {
		atomic.AddInt64(&batches, 1)
		return nil
	}

	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  100,
		MaxBatchBytes: 1000,
		FlushInterval: 10 * time.Second,
	}, flushFn)
	defer batcher.Stop()

	if err := batcher.Add(context.Background(), newTestEvent(strings.Repeat("x", 2000))); err != nil {
		t.Fatalf("failed to add event: %v", err)
	}

	if got := atomic.LoadInt64(&batches); got != 1 {
		t.Errorf("expected 1 batch flushed, got %d", got)
	}
	if batcher.Size() != 0 {
		t.Errorf("expected empty batch after flush, got %d", batcher.Size())
	}
}

func TestBatcherPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string

	flushFn := func(ctx context.Context, events []*types.Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			msg, _ := e.Message()
			got = append(got, msg)
		}
		return nil
	}

	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  3,
		FlushInterval: 5 * time.Millisecond,
	}, flushFn)

	for i := 0; i < 20; i++ {
		if err := batcher.Add(context.Background(), newTestEvent(fmt.Sprintf("event-%02d", i))); err != nil {
			t.Fatalf("failed to add event: %v", err)
		}
	}
	batcher.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("expected 20 events, got %d", len(got))
	}
	for i, msg := range got {
		if want := fmt.Sprintf("event-%02d", i); msg != want {
			t.Errorf("position %d: got %q, want %q", i, msg, want)
		}
	}
}

func TestBatcherManualFlush(t *testing.T) {
	var flushedCount int64

	flushFn := func(ctx context.Context, events []*types.Event) error {
		atomic.AddInt64(&flushedCount, int64(len(events)))
		return nil
	}

	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize:  100,
		MaxBatchBytes: 10000,
		FlushInterval: 10 * time.Second,
	}, flushFn)
	defer batcher.Stop()

	for i := 0; i < 5; i++ {
		if err := batcher.Add(context.Background(), newTestEvent("test event")); err != nil {
			t.Fatalf("failed to add event: %v", err)
		}
	}

	if size := batcher.Size(); size != 5 {
		t.Errorf("expected size 5, got %d", size)
	}

	if err := batcher.Flush(context.Background()); err != nil {
		t.Fatalf("failed to flush: %v", err)
	}

	if count := atomic.LoadInt64(&flushedCount); count != 5 {
		t.Errorf("expected 5 events flushed, got %d", count)
	}
}

func TestBatcherFlushError(t *testing.T) {
	flushErr := errors.New("sink unavailable")
	batcher := NewBatcher(BatcherConfig{MaxBatchSize: 1, FlushInterval: 10 * time.Second},
		func(ctx context.Context, events []*types.Event) error { return flushErr })
	defer batcher.Stop()

	if err := batcher.Add(context.Background(), newTestEvent("x")); !errors.Is(err, flushErr) {
		t.Errorf("expected flush error, got %v", err)
	}
}

func TestBatcherStopFlushesRemaining(t *testing.T) {
	var flushedCount int64

	batcher := NewBatcher(BatcherConfig{MaxBatchSize: 100, FlushInterval: 10 * time.Second},
		func(ctx context.Context, events []*types.Event) error {
			atomic.AddInt64(&flushedCount, int64(len(events)))
			return nil
		})

	for i := 0; i < 3; i++ {
		_ = batcher.Add(context.Background(), newTestEvent("pending"))
	}

	batcher.Stop()
	batcher.Stop()

	if count := atomic.LoadInt64(&flushedCount); count != 3 {
		t.Errorf("expected 3 events flushed on stop, got %d", count)
	}
}
