package input

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/gelf"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

func testConfig() *GELFConfig {
	return &GELFConfig{
		Address:                "127.0.0.1:0",
		ReconnectBackoff:       50 * time.Millisecond,
		Remap:                  true,
		StripLeadingUnderscore: true,
		Multiline: parser.ReassemblerConfig{
			ContinuationMark: `\`,
			TrackingKey:      "container_id",
			MaxLength:        10000,
		},
	}
}

type listener struct {
	input    *GELFInput
	events   chan *types.Event
	done     chan error
	finished chan struct{}
}

func startListener(t *testing.T, cfg *GELFConfig, opts ...Option) *listener {
	t.Helper()

	events := make(chan *types.Event, 100)
	sink := SinkFunc(func(ctx context.Context, e *types.Event) error {
		events <- e
		return nil
	})

	g, err := NewGELFInput("test", cfg, sink, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- g.Run(context.Background())
		close(finished)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for g.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l := &listener{input: g, events: events, done: done, finished: finished}
	t.Cleanup(func() {
		g.Stop()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
		}
	})
	return l
}

func (l *listener) send(t *testing.T, datagrams ...[]byte) {
	t.Helper()

	conn, err := net.Dial("udp", l.input.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial listener: %v", err)
	}
	defer conn.Close()

	for _, d := range datagrams {
		if _, err := conn.Write(d); err != nil {
			t.Fatalf("failed to send datagram: %v", err)
		}
		// keep arrival order deterministic
		time.Sleep(2 * time.Millisecond)
	}
}

func (l *listener) next(t *testing.T) *types.Event {
	t.Helper()
	select {
	case e := <-l.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func (l *listener) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-l.events:
		msg, _ := e.Message()
		t.Fatalf("unexpected event %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func gelfMessage(msg, container string) []byte {
	return []byte(`{"version":"1.1","host":"web","short_message":"` + msg + `","_container_id":"` + container + `"}`)
}

func TestGELFInput_InterleavedSources(t *testing.T) {
	l := startListener(t, testConfig())

	l.send(t,
		gelfMessage(`A1\\`, "a"),
		gelfMessage(`B1\\`, "b"),
		gelfMessage("A2", "a"),
		gelfMessage("B2", "b"),
	)

	first := l.next(t)
	second := l.next(t)

	if msg, _ := first.Message(); msg != "A1\r\nA2" {
		t.Errorf("expected stitched A message, got %q", msg)
	}
	if msg, _ := second.Message(); msg != "B1\r\nB2" {
		t.Errorf("expected stitched B message, got %q", msg)
	}

	if id, _ := first.GetString("container_id"); id != "a" {
		t.Errorf("expected container_id a, got %q", id)
	}
	if host, _ := first.GetString(types.FieldSourceHost); host != "127.0.0.1" {
		t.Errorf("expected source_host 127.0.0.1, got %q", host)
	}
	if first.Has("short_message") || first.Has("_container_id") {
		t.Errorf("expected normalized attributes, got %v", first.Keys())
	}
	l.expectNone(t)
}

func TestGELFInput_MalformedPayload(t *testing.T) {
	l := startListener(t, testConfig())

	l.send(t, []byte("plain text, not json"))

	e := l.next(t)
	if msg, _ := e.Message(); msg != "plain text, not json" {
		t.Errorf("expected raw message, got %q", msg)
	}
	if !e.HasTag(parser.TagJSONParseFailure) || !e.HasTag("_fromjsonparser") {
		t.Errorf("expected parse failure tags, got %v", e.Tags())
	}
	if host, _ := e.GetString(types.FieldSourceHost); host != "127.0.0.1" {
		t.Errorf("degraded event should still carry source_host, got %q", host)
	}
}

func TestGELFInput_TimestampAndDecoration(t *testing.T) {
	cfg := testConfig()
	cfg.Decorator = &parser.Decorator{Type: "docker", Tags: []string{"gelf"}}
	l := startListener(t, cfg)

	l.send(t, []byte(`{"short_message":"hello","timestamp":946702800.123}`))

	e := l.next(t)
	if got := e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"); got != "2000-01-01T05:00:00.123Z" {
		t.Errorf("unexpected timestamp %s", got)
	}
	if e.Has("timestamp") {
		t.Error("numeric timestamp attribute should be consumed")
	}
	if v, _ := e.GetString("type"); v != "docker" {
		t.Errorf("expected type docker, got %q", v)
	}
	if !e.HasTag("gelf") {
		t.Errorf("expected gelf tag, got %v", e.Tags())
	}
}

func TestGELFInput_ChunkedCompressed(t *testing.T) {
	l := startListener(t, testConfig())

	w := &gelf.Writer{ChunkSize: 20, Compression: gelf.CompressGzip}
	long := strings.Repeat("x", 500)
	datagrams, err := w.Encode([]byte(`{"short_message":"` + long + `","_id":"` + strings.Repeat("y", 300) + `"}`))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(datagrams) < 2 {
		t.Fatalf("expected a chunked message, got %d datagram(s)", len(datagrams))
	}

	l.send(t, datagrams...)

	e := l.next(t)
	if msg, _ := e.Message(); msg != long {
		t.Errorf("unexpected reassembled message length %d", len(msg))
	}
}

func TestGELFInput_DecodeErrorIsCounted(t *testing.T) {
	collector := metrics.NewCollector()
	l := startListener(t, testConfig(), WithMetrics(collector))

	// chunk header with count 0
	l.send(t, []byte{0x1e, 0x0f, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 'x'})
	l.send(t, gelfMessage("after", "c"))

	if msg, _ := l.next(t).Message(); msg != "after" {
		t.Errorf("listener should keep running after a decode error, got %q", msg)
	}

	metric := &dto.Metric{}
	if err := collector.InputDecodeErrors.WithLabelValues("test").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("decode errors = %f, want 1", metric.Counter.GetValue())
	}
}

func TestGELFInput_StopReturnsPromptly(t *testing.T) {
	l := startListener(t, testConfig())

	if h := l.input.Health(); h.Status != HealthStatusHealthy {
		t.Errorf("expected healthy listener, got %s", h.Status)
	}

	if err := l.input.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// a second stop is a no-op
	if err := l.input.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	select {
	case err := <-l.done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if h := l.input.Health(); h.Status != HealthStatusUnhealthy {
		t.Errorf("expected stopped listener to be unhealthy, got %s", h.Status)
	}
}

func TestGELFInput_OpenFragmentsDiscardedOnStop(t *testing.T) {
	l := startListener(t, testConfig())

	l.send(t, gelfMessage(`pending\\`, "a"))
	time.Sleep(20 * time.Millisecond)
	l.input.Stop()
	<-l.done

	l.expectNone(t)
}

func TestGELFInput_FlushOnStop(t *testing.T) {
	cfg := testConfig()
	cfg.FlushOnStop = true
	l := startListener(t, cfg)

	l.send(t, gelfMessage(`pending\\`, "a"))

	deadline := time.Now().Add(2 * time.Second)
	for l.input.pending.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fragment was not buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.input.Stop()
	<-l.done

	if msg, _ := l.next(t).Message(); msg != "pending" {
		t.Errorf("expected flushed fragment, got %q", msg)
	}
}

func TestGELFInput_RestartAfterBindFailure(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer occupied.Close()

	collector := metrics.NewCollector()
	cfg := testConfig()
	cfg.Address = occupied.LocalAddr().String()
	cfg.ReconnectBackoff = time.Hour

	g, err := NewGELFInput("test", cfg, SinkFunc(func(context.Context, *types.Event) error { return nil }), testLogger(), WithMetrics(collector))
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for g.Health().Status != HealthStatusDegraded {
		if time.Now().After(deadline) {
			t.Fatalf("expected degraded health, got %s", g.Health().Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop must interrupt the hour-long backoff
	g.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff was not interrupted by Stop")
	}

	metric := &dto.Metric{}
	if err := collector.InputRestarts.WithLabelValues("test").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() < 1 {
		t.Errorf("restarts = %f, want >= 1", metric.Counter.GetValue())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGELFInput_ResumesAfterBindFailure(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	address := occupied.LocalAddr().String()

	cfg := testConfig()
	cfg.Address = address
	cfg.ReconnectBackoff = 20 * time.Millisecond

	events := make(chan *types.Event, 10)
	g, err := NewGELFInput("test", cfg, SinkFunc(func(ctx context.Context, e *types.Event) error {
		events <- e
		return nil
	}), testLogger())
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	defer func() {
		g.Stop()
		<-done
	}()

	waitFor(t, "degraded health", func() bool { return g.Health().Status == HealthStatusDegraded })

	occupied.Close()
	waitFor(t, "re-bind", func() bool { return g.Addr() != nil })

	if got := g.Addr().String(); got != address {
		t.Errorf("bound %s, want %s", got, address)
	}
	if status := g.Health().Status; status != HealthStatusHealthy {
		t.Errorf("health = %s, want healthy", status)
	}

	conn, err := net.Dial("udp", address)
	if err != nil {
		t.Fatalf("failed to dial listener: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(gelfMessage("after restart", "a")); err != nil {
		t.Fatalf("failed to send datagram: %v", err)
	}

	select {
	case e := <-events:
		if msg, _ := e.Message(); msg != "after restart" {
			t.Errorf("message = %q, want %q", msg, "after restart")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received after re-bind")
	}
}

func TestGELFInput_RestartDiscardsOpenFragments(t *testing.T) {
	collector := metrics.NewCollector()
	cfg := testConfig()
	cfg.ReconnectBackoff = 20 * time.Millisecond
	l := startListener(t, cfg, WithMetrics(collector))

	l.send(t, gelfMessage(`first\\`, "a"))
	waitFor(t, "open fragment", func() bool { return l.input.pending.Load() == 1 })

	// A socket failure that is not a stop request
	l.input.mu.Lock()
	conn := l.input.conn
	l.input.mu.Unlock()
	conn.Close()

	waitFor(t, "restart", func() bool {
		return testutil.ToFloat64(collector.InputRestarts.WithLabelValues("test")) >= 1
	})
	waitFor(t, "re-bind", func() bool { return l.input.Addr() != nil })

	if n := l.input.pending.Load(); n != 0 {
		t.Errorf("pending fragments after restart = %d, want 0", n)
	}

	l.send(t, gelfMessage("second", "a"))
	if msg, _ := l.next(t).Message(); msg != "second" {
		t.Errorf("message = %q, want %q", msg, "second")
	}
	l.expectNone(t)
}

func TestGELFInput_ContextCancel(t *testing.T) {
	g, err := NewGELFInput("test", testConfig(), SinkFunc(func(context.Context, *types.Event) error { return nil }), testLogger())
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestGELFInput_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	g, err := NewGELFInput("test", cfg, SinkFunc(func(context.Context, *types.Event) error { return nil }), testLogger())
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}

	now := time.Now()
	allowed := 0
	for i := 0; i < 5; i++ {
		if g.allow("10.0.0.1", now) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want burst of 2", allowed)
	}

	if !g.allow("10.0.0.2", now) {
		t.Error("limits must be tracked per source")
	}
	if !g.allow("10.0.0.1", now.Add(time.Second)) {
		t.Error("limit should refill after one second")
	}
}

func TestNewGELFInputValidation(t *testing.T) {
	sink := SinkFunc(func(context.Context, *types.Event) error { return nil })

	if _, err := NewGELFInput("x", &GELFConfig{}, sink, testLogger()); err == nil {
		t.Error("expected error for missing address")
	}
	if _, err := NewGELFInput("x", testConfig(), nil, testLogger()); err == nil {
		t.Error("expected error for missing sink")
	}

	g, err := NewGELFInput("x", testConfig(), sink, testLogger())
	if err != nil {
		t.Fatalf("NewGELFInput() error = %v", err)
	}
	if g.Name() != "x" || g.Type() != "gelf" {
		t.Errorf("unexpected identity %s/%s", g.Name(), g.Type())
	}
	if g.Addr() != nil {
		t.Error("unbound listener should have no address")
	}
}
