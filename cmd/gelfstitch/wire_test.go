package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/config"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/health"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/output"
)

func TestGELFConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
inputs:
  gelf:
    - name: docker
      port: 12201
      continuation_mark: "XA=="
      tracking_key: container_id
      max_message_length: 500
      remap: false
      type: docker
      add_field:
        env: prod
      tags: [gelf]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	gc, err := gelfConfig(&cfg.Inputs.GELF[0])
	if err != nil {
		t.Fatalf("gelfConfig() error = %v", err)
	}

	if gc.Address != "0.0.0.0:12201" {
		t.Errorf("unexpected address %q", gc.Address)
	}
	if gc.Multiline.ContinuationMark != `\` {
		t.Errorf("unexpected continuation mark %q", gc.Multiline.ContinuationMark)
	}
	if gc.Multiline.TrackingKey != "container_id" || gc.Multiline.MaxLength != 500 {
		t.Errorf("unexpected multiline config %+v", gc.Multiline)
	}
	if gc.Remap {
		t.Error("expected remap disabled")
	}
	if !gc.StripLeadingUnderscore {
		t.Error("expected underscore stripping enabled by default")
	}
	if gc.ReconnectBackoff != 5*time.Second || gc.ReadBufferSize != 8192 {
		t.Errorf("unexpected listener defaults %v %d", gc.ReconnectBackoff, gc.ReadBufferSize)
	}
	if gc.Decorator == nil || gc.Decorator.Type != "docker" || gc.Decorator.AddFields["env"] != "prod" {
		t.Errorf("unexpected decorator %+v", gc.Decorator)
	}
}

func TestGELFConfigWithoutDecoration(t *testing.T) {
	cfg := config.DefaultConfig()

	gc, err := gelfConfig(&cfg.Inputs.GELF[0])
	if err != nil {
		t.Fatalf("gelfConfig() error = %v", err)
	}
	if gc.Decorator != nil {
		t.Errorf("expected no decorator, got %+v", gc.Decorator)
	}
}

func TestGELFConfigReassemblyDisabled(t *testing.T) {
	cfg, err := config.Parse([]byte("inputs:\n  gelf:\n    - continuation_mark: ''\n      max_message_length: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	gc, err := gelfConfig(&cfg.Inputs.GELF[0])
	if err != nil {
		t.Fatalf("gelfConfig() error = %v", err)
	}
	if gc.Multiline.ContinuationMark != "" {
		t.Errorf("continuation mark = %q, want empty", gc.Multiline.ContinuationMark)
	}
	if gc.Multiline.MaxLength != 0 {
		t.Errorf("max length = %d, want 0", gc.Multiline.MaxLength)
	}
}

func TestNewOutput(t *testing.T) {
	out, err := newOutput(config.OutputConfig{Type: "stdout"})
	if err != nil {
		t.Fatalf("newOutput(stdout) error = %v", err)
	}
	if out.Type() != "stdout" {
		t.Errorf("unexpected output type %s", out.Type())
	}

	if _, err := newOutput(config.OutputConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown output type")
	}
}

func TestRetryConfig(t *testing.T) {
	if rc := retryConfig(nil); !rc.Jitter {
		t.Error("expected jittered default retry config")
	}

	rc := retryConfig(&config.ReliabilityConfig{Retry: &config.RetryConfig{
		MaxRetries:     7,
		InitialBackoff: time.Second,
	}})
	if rc.MaxRetries != 7 || rc.InitialBackoff != time.Second {
		t.Errorf("unexpected retry config %+v", rc)
	}
}

type failingOutput struct {
	output.Output
	metrics output.OutputMetrics
}

func (f *failingOutput) Metrics() *output.OutputMetrics { return &f.metrics }

func TestDeadLetter(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		for _, cfg := range []*config.ReliabilityConfig{nil, {}, {DeadLetter: &config.DeadLetterConfig{Dir: t.TempDir()}}} {
			dl, err := deadLetter(cfg)
			if err != nil || dl != nil {
				t.Errorf("deadLetter(%+v) = %v, %v; want nil, nil", cfg, dl, err)
			}
		}
	})

	t.Run("enabled", func(t *testing.T) {
		dl, err := deadLetter(&config.ReliabilityConfig{
			DeadLetter: &config.DeadLetterConfig{Enabled: true, Dir: t.TempDir(), MaxSize: 10},
		})
		if err != nil {
			t.Fatalf("deadLetter() error = %v", err)
		}
		defer dl.Close()

		if m := dl.Metrics(); m.MaxSize != 10 {
			t.Errorf("max size = %d, want 10", m.MaxSize)
		}
	})
}

func TestOutputCheck(t *testing.T) {
	now := time.Now()
	out := &failingOutput{metrics: output.OutputMetrics{
		EventsSent:    10,
		LastSendTime:  now.Add(-time.Minute),
		LastError:     "connection refused",
		LastErrorTime: now,
	}}

	result := outputCheck(out)(context.Background())
	if result.Status != health.StatusDegraded {
		t.Errorf("expected degraded, got %s", result.Status)
	}
	if result.Message != "connection refused" {
		t.Errorf("unexpected message %q", result.Message)
	}

	out.metrics.LastSendTime = now.Add(time.Second)
	if result := outputCheck(out)(context.Background()); result.Status != health.StatusHealthy {
		t.Errorf("expected healthy after a later success, got %s", result.Status)
	}
}

func TestWaitGroup(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := waitGroup(ctx, &wg); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	wg.Done()
	if err := waitGroup(context.Background(), &wg); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
