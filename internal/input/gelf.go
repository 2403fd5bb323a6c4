package input

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/gelf"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

const (
	defaultReadBufferSize   = 8192
	defaultReconnectBackoff = 5 * time.Second
	limiterIdleTimeout      = 5 * time.Minute
	flushTimeout            = time.Second
)

// GELFConfig holds configuration for a GELF UDP listener
type GELFConfig struct {
	// Address to bind to (e.g., "0.0.0.0:12201")
	Address string
	// ReadBufferSize is the receive buffer per datagram
	ReadBufferSize int
	// ReconnectBackoff is the pause before re-binding after a failure
	ReconnectBackoff time.Duration
	// ChunkTimeout bounds how long partial chunked messages are kept
	ChunkTimeout time.Duration
	// RateLimit is events per second per source address, 0 disables it
	RateLimit int

	Remap                  bool
	StripLeadingUnderscore bool

	Multiline   parser.ReassemblerConfig
	FlushOnStop bool

	// Decorator is applied after source_host stamping, nil skips decoration
	Decorator *parser.Decorator
}

// Option customizes a GELFInput
type Option func(*GELFInput)

// WithMetrics records listener metrics on c
func WithMetrics(c *metrics.Collector) Option {
	return func(g *GELFInput) { g.metrics = c }
}

// WithTracer emits one span per datagram on t
func WithTracer(t trace.Tracer) Option {
	return func(g *GELFInput) { g.tracer = t }
}

// WithDecoder replaces the GELF framing decoder
func WithDecoder(d gelf.Decoder) Option {
	return func(g *GELFInput) { g.decoder = d }
}

type listenerState int32

const (
	stateIdle listenerState = iota
	stateListening
	stateBackoff
	stateStopped
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// GELFInput receives GELF datagrams over UDP, normalizes them and stitches
// multi-line fragments before handing finished events to a Sink.
type GELFInput struct {
	name   string
	config *GELFConfig
	sink   Sink
	logger *logging.Logger

	metrics *metrics.Collector
	tracer  trace.Tracer
	decoder gelf.Decoder

	parser     *parser.GELFParser
	normalizer *parser.TransformPipeline

	mu       sync.Mutex
	conn     *net.UDPConn
	lastErr  error
	limiters map[string]*sourceLimiter
	swept    time.Time

	state    atomic.Int32
	pending  atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewGELFInput creates a new GELF listener
func NewGELFInput(name string, config *GELFConfig, sink Sink, logger *logging.Logger, opts ...Option) (*GELFInput, error) {
	if config.Address == "" {
		return nil, errors.New("gelf input requires an address")
	}
	if sink == nil {
		return nil, errors.New("gelf input requires a sink")
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaultReadBufferSize
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = defaultReconnectBackoff
	}

	g := &GELFInput{
		name:     name,
		config:   config,
		sink:     sink,
		logger:   logger.WithComponent("input-gelf").WithField("input", name),
		limiters: make(map[string]*sourceLimiter),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("")
	}
	if g.decoder == nil {
		g.decoder = gelf.NewChunkDecoder(config.ChunkTimeout)
	}

	g.parser = parser.NewGELFParser(nil, logger)
	g.normalizer = parser.NewNormalizer(config.Remap, config.StripLeadingUnderscore)

	return g, nil
}

// Name returns the name of the input
func (g *GELFInput) Name() string {
	return g.name
}

// Type returns the type of the input
func (g *GELFInput) Type() string {
	return "gelf"
}

// Addr returns the bound address, or nil when not listening
func (g *GELFInput) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	return g.conn.LocalAddr()
}

// Run binds the socket and processes datagrams until ctx is done or Stop is
// called. Socket failures are logged and followed by a re-bind after
// ReconnectBackoff.
func (g *GELFInput) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g.logger.Info().
		Str("address", g.config.Address).
		Str("tracking_key", g.config.Multiline.TrackingKey).
		Int("max_message_length", g.config.Multiline.MaxLength).
		Msg("Starting GELF listener")

	err := reliability.RunWithRestart(ctx, reliability.RestartConfig{
		Backoff:   g.config.ReconnectBackoff,
		OnRestart: g.onRestart,
	}, g.listen)

	g.state.Store(int32(stateStopped))
	g.logger.Info().Msg("GELF listener stopped")
	return err
}

func (g *GELFInput) onRestart(err error) {
	g.mu.Lock()
	g.lastErr = err
	g.mu.Unlock()
	g.state.Store(int32(stateBackoff))

	g.logger.Error().
		Err(err).
		Dur("backoff", g.config.ReconnectBackoff).
		Msg("GELF listener failed, restarting after backoff")

	if g.metrics != nil {
		g.metrics.InputRestarts.WithLabelValues(g.name).Inc()
	}
}

// Stop requests shutdown and closes the socket to unblock the receive loop
func (g *GELFInput) Stop() error {
	g.stopOnce.Do(func() { close(g.stopCh) })

	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close gelf socket: %w", err)
	}
	return nil
}

// Health returns the health status
func (g *GELFInput) Health() Health {
	g.mu.Lock()
	details := map[string]interface{}{
		"address":           g.config.Address,
		"active_sources":    len(g.limiters),
		"pending_fragments": g.pending.Load(),
	}
	lastErr := g.lastErr
	g.mu.Unlock()

	switch listenerState(g.state.Load()) {
	case stateListening:
		return Health{Status: HealthStatusHealthy, Message: "GELF listener is receiving", Details: details}
	case stateBackoff:
		if lastErr != nil {
			details["last_error"] = lastErr.Error()
		}
		return Health{Status: HealthStatusDegraded, Message: "GELF listener is waiting to restart", Details: details}
	case stateStopped:
		return Health{Status: HealthStatusUnhealthy, Message: "GELF listener is stopped", Details: details}
	default:
		return Health{Status: HealthStatusUnhealthy, Message: "GELF listener is not bound", Details: details}
	}
}

func (g *GELFInput) stopRequested() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// bind opens the socket; it returns nil when a stop raced the bind
func (g *GELFInput) bind() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", g.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start UDP listener: %w", err)
	}

	g.mu.Lock()
	if g.stopRequested() {
		g.mu.Unlock()
		conn.Close()
		return nil, nil
	}
	g.conn = conn
	g.state.Store(int32(stateListening))
	g.mu.Unlock()

	return conn, nil
}

// listen runs one bind-receive cycle. The incomplete-event table lives for
// the cycle only.
func (g *GELFInput) listen(ctx context.Context) error {
	conn, err := g.bind()
	if err != nil || conn == nil {
		return err
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	g.logger.Info().Str("address", conn.LocalAddr().String()).Msg("GELF listener bound")

	reassembler := parser.NewReassembler(g.config.Multiline)
	g.setPending(0)

	buf := make([]byte, g.config.ReadBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if g.stopRequested() || ctx.Err() != nil {
				g.drain(reassembler)
				return nil
			}
			return fmt.Errorf("failed to read from UDP: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		g.handleDatagram(ctx, datagram, addr, reassembler)
	}
}

// handleDatagram runs decode, parse, normalize, stamp, decorate, rate limit
// and reassembly for one datagram
func (g *GELFInput) handleDatagram(ctx context.Context, datagram []byte, addr *net.UDPAddr, reassembler *parser.Reassembler) {
	receivedAt := time.Now()
	ctx, span := tracing.TraceDatagram(ctx, g.tracer, g.name, len(datagram))
	defer span.End()

	if g.metrics != nil {
		g.metrics.InputDatagramsReceived.WithLabelValues(g.name).Inc()
		g.metrics.InputBytesReceived.WithLabelValues(g.name).Add(float64(len(datagram)))
	}

	payload, err := g.decoder.Decode(datagram)
	g.observeChunks()
	if err != nil {
		tracing.RecordError(ctx, err)
		g.logger.Warn().
			Err(err).
			Str("source", addr.String()).
			Msg("Dropping undecodable GELF datagram")
		if g.metrics != nil {
			g.metrics.InputDecodeErrors.WithLabelValues(g.name).Inc()
		}
		return
	}
	if payload == nil {
		return
	}

	start := time.Now()
	event := g.parser.Parse(payload, receivedAt)
	if g.metrics != nil {
		g.metrics.ParserDuration.WithLabelValues(g.parser.Name()).Observe(time.Since(start).Seconds())
		if event.HasTag(parser.TagJSONParseFailure) {
			g.metrics.ParserEventsFailed.WithLabelValues(g.parser.Name()).Inc()
		} else {
			g.metrics.ParserEventsProcessed.WithLabelValues(g.parser.Name()).Inc()
		}
	}

	g.normalizer.Transform(event)

	source := addr.IP.String()
	event.Set(types.FieldSourceHost, source)

	if g.config.Decorator != nil {
		g.config.Decorator.Transform(event)
	}

	if !g.allow(source, receivedAt) {
		if g.metrics != nil {
			g.metrics.InputRateLimited.WithLabelValues(g.name).Inc()
		}
		return
	}

	out, outcome := reassembler.Process(event)
	g.setPending(reassembler.Pending())
	tracing.SetAttributes(ctx, attribute.String("multiline.outcome", outcome.String()))

	if g.metrics != nil {
		switch outcome {
		case parser.OutcomeCompleted:
			g.metrics.MultilineStitched.WithLabelValues(g.name).Inc()
		case parser.OutcomeTruncated:
			g.metrics.MultilineTruncated.WithLabelValues(g.name).Inc()
		}
	}

	if outcome == parser.OutcomeTruncated {
		g.logger.Warn().
			Int("max_message_length", g.config.Multiline.MaxLength).
			Str("source", source).
			Msg("Multi-line message reached length cap, emitting early")
	}

	if out != nil {
		g.emit(ctx, out)
	}
}

func (g *GELFInput) emit(ctx context.Context, event *types.Event) {
	if err := g.sink.Enqueue(ctx, event); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to enqueue event")
	}
}

// drain flushes open sequences on stop when configured, otherwise discards them
func (g *GELFInput) drain(reassembler *parser.Reassembler) {
	if !g.config.FlushOnStop {
		if n := reassembler.Pending(); n > 0 {
			g.logger.Debug().Int("pending", n).Msg("Discarding incomplete multi-line messages")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	flushed := reassembler.Flush()
	for _, event := range flushed {
		g.emit(ctx, event)
	}
	g.setPending(0)

	if g.metrics != nil && len(flushed) > 0 {
		g.metrics.MultilineFlushed.WithLabelValues(g.name).Add(float64(len(flushed)))
	}
}

// allow applies the per-source rate limit
func (g *GELFInput) allow(source string, now time.Time) bool {
	if g.config.RateLimit <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.swept) > limiterIdleTimeout {
		for addr, l := range g.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTimeout {
				delete(g.limiters, addr)
			}
		}
		g.swept = now
	}

	l, ok := g.limiters[source]
	if !ok {
		// RateLimit events per second, burst of 2x
		l = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(g.config.RateLimit), g.config.RateLimit*2)}
		g.limiters[source] = l
	}
	l.lastSeen = now

	if !l.limiter.AllowN(now, 1) {
		g.logger.Warn().Str("source", source).Msg("Rate limit exceeded")
		return false
	}
	return true
}

func (g *GELFInput) setPending(n int) {
	g.pending.Store(int64(n))
	if g.metrics != nil {
		g.metrics.MultilinePending.WithLabelValues(g.name).Set(float64(n))
	}
}

func (g *GELFInput) observeChunks() {
	if g.metrics == nil {
		return
	}
	if p, ok := g.decoder.(interface{ Pending() int }); ok {
		g.metrics.InputChunksPending.WithLabelValues(g.name).Set(float64(p.Pending()))
	}
}
