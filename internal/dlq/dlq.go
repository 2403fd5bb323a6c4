package dlq

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.ndjson"

// Config holds configuration for the dead letter queue
type Config struct {
	Dir           string
	MaxSize       int64 // Maximum number of events
	MaxAge        time.Duration
	FlushInterval time.Duration
}

// DeadLetterQueue keeps events an output gave up on so they can be
// inspected or replayed later. Entries survive restarts.
type DeadLetterQueue struct {
	config Config

	mu      sync.RWMutex
	entries []*Entry
	dirty   bool
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	enqueued uint64
	dropped  uint64
}

// Entry is one undeliverable event
type Entry struct {
	Event     json.RawMessage `json:"event"`
	Output    string          `json:"output"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// New opens the queue in config.Dir, loading entries left by a previous run
func New(config Config) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:  config,
		closeCh: make(chan struct{}),
	}

	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	dlq.wg.Add(1)
	go dlq.maintain()

	return dlq, nil
}

// Enqueue records every event of a batch that failed on output with cause.
// Events beyond MaxSize are counted as dropped and ErrDLQFull is returned.
func (dlq *DeadLetterQueue) Enqueue(events []*types.Event, output string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	now := time.Now()
	entries := make([]*Entry, 0, len(events))
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		entries = append(entries, &Entry{
			Event:     data,
			Output:    output,
			Error:     reason,
			Timestamp: now,
		})
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	room := int(dlq.config.MaxSize) - len(dlq.entries)
	if room < 0 {
		room = 0
	}
	if len(entries) > room {
		atomic.AddUint64(&dlq.dropped, uint64(len(entries)-room))
		entries = entries[:room]
	}

	dlq.entries = append(dlq.entries, entries...)
	dlq.dirty = dlq.dirty || len(entries) > 0
	atomic.AddUint64(&dlq.enqueued, uint64(len(entries)))

	if len(entries) < len(events) {
		return ErrDLQFull
	}
	return nil
}

// Entries returns a copy of the queued entries, oldest first
func (dlq *DeadLetterQueue) Entries() []*Entry {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	entries := make([]*Entry, len(dlq.entries))
	copy(entries, dlq.entries)
	return entries
}

// Size returns the number of entries in the DLQ
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return len(dlq.entries)
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Close stops background maintenance and flushes remaining entries
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return ErrDLQClosed
	}
	dlq.closed = true
	close(dlq.closeCh)
	dlq.mu.Unlock()

	dlq.wg.Wait()

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() Metrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return Metrics{
		Enqueued:    atomic.LoadUint64(&dlq.enqueued),
		Dropped:     atomic.LoadUint64(&dlq.dropped),
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

// Utilization returns the fill ratio (0-1)
func (dlq *DeadLetterQueue) Utilization() float64 {
	return dlq.Metrics().Utilization()
}

// flush rewrites the entry file; callers hold the lock
func (dlq *DeadLetterQueue) flush() error {
	if !dlq.dirty {
		return nil
	}

	filename := filepath.Join(dlq.config.Dir, fileName)
	tempFile := filename + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	encoder := json.NewEncoder(w)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	dlq.dirty = false
	return nil
}

func (dlq *DeadLetterQueue) load() error {
	file, err := os.Open(filepath.Join(dlq.config.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.entries = append(dlq.entries, &entry)
	}

	return nil
}

// maintain flushes on an interval and expires entries older than MaxAge
func (dlq *DeadLetterQueue) maintain() {
	defer dlq.wg.Done()

	ticker := time.NewTicker(dlq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.mu.Lock()
			dlq.expire(time.Now())
			_ = dlq.flush()
			dlq.mu.Unlock()
		case <-dlq.closeCh:
			return
		}
	}
}

// expire drops entries older than MaxAge; callers hold the lock
func (dlq *DeadLetterQueue) expire(now time.Time) {
	cutoff := now.Add(-dlq.config.MaxAge)

	kept := dlq.entries[:0]
	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	if len(kept) != len(dlq.entries) {
		for i := len(kept); i < len(dlq.entries); i++ {
			dlq.entries[i] = nil
		}
		dlq.entries = kept
		dlq.dirty = true
	}
}

// Metrics holds DLQ statistics
type Metrics struct {
	Enqueued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the fill ratio (0-1)
func (m Metrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return float64(m.CurrentSize) / float64(m.MaxSize)
}
