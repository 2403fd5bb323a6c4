package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// StdoutOutput writes events as JSON lines
type StdoutOutput struct {
	name    string
	mu      sync.Mutex
	w       *bufio.Writer
	metrics recorder
	closed  atomic.Bool
}

// NewStdoutOutput creates an output writing to w, or os.Stdout when w is nil
func NewStdoutOutput(name string, w io.Writer) *StdoutOutput {
	if w == nil {
		w = os.Stdout
	}
	if name == "" {
		name = "stdout"
	}
	return &StdoutOutput{name: name, w: bufio.NewWriter(w)}
}

// Send writes a single event
func (s *StdoutOutput) Send(ctx context.Context, event *types.Event) error {
	return s.SendBatch(ctx, []*types.Event{event})
}

// SendBatch writes one line per event and flushes
func (s *StdoutOutput) SendBatch(ctx context.Context, events []*types.Event) error {
	if s.closed.Load() {
		return ErrOutputClosed
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var written int64
	count := 0
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			s.metrics.failure(1, err)
			continue
		}
		count++
		line = append(line, '\n')
		if _, err := s.w.Write(line); err != nil {
			s.metrics.failure(len(events), err)
			return fmt.Errorf("failed to write event: %w", err)
		}
		written += int64(len(line))
	}

	if err := s.w.Flush(); err != nil {
		s.metrics.failure(len(events), err)
		return fmt.Errorf("failed to flush events: %w", err)
	}

	s.metrics.success(count, written, time.Since(start))
	return nil
}

// Close flushes buffered output
func (s *StdoutOutput) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Name returns the output name
func (s *StdoutOutput) Name() string {
	return s.name
}

// Type returns the output type
func (s *StdoutOutput) Type() string {
	return "stdout"
}

// Metrics returns the current metrics
func (s *StdoutOutput) Metrics() *OutputMetrics {
	return s.metrics.snapshot()
}
