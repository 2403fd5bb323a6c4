package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.registry == nil {
		t.Error("registry is nil")
	}

	if c.InputDatagramsReceived == nil {
		t.Error("InputDatagramsReceived is nil")
	}

	if c.MultilineStitched == nil {
		t.Error("MultilineStitched is nil")
	}

	if c.OutputEventsSent == nil {
		t.Error("OutputEventsSent is nil")
	}
}

func TestInputMetrics(t *testing.T) {
	c := NewCollector()

	c.InputDatagramsReceived.WithLabelValues("gelf").Add(100)
	c.InputDecodeErrors.WithLabelValues("gelf").Inc()
	c.InputChunksPending.WithLabelValues("gelf").Set(3)

	if v := counterValue(t, c.InputDatagramsReceived.WithLabelValues("gelf")); v != 100 {
		t.Errorf("Expected 100, got %f", v)
	}
	if v := counterValue(t, c.InputDecodeErrors.WithLabelValues("gelf")); v != 1 {
		t.Errorf("Expected 1, got %f", v)
	}
	if v := gaugeValue(t, c.InputChunksPending.WithLabelValues("gelf")); v != 3 {
		t.Errorf("Expected 3, got %f", v)
	}
}

func TestMultilineMetrics(t *testing.T) {
	c := NewCollector()

	c.MultilinePending.WithLabelValues("gelf").Set(2)
	c.MultilineStitched.WithLabelValues("gelf").Add(5)
	c.MultilineTruncated.WithLabelValues("gelf").Inc()

	if v := gaugeValue(t, c.MultilinePending.WithLabelValues("gelf")); v != 2 {
		t.Errorf("Expected 2, got %f", v)
	}
	if v := counterValue(t, c.MultilineStitched.WithLabelValues("gelf")); v != 5 {
		t.Errorf("Expected 5, got %f", v)
	}
}

func TestQueueMetrics(t *testing.T) {
	c := NewCollector()

	c.QueueSize.WithLabelValues("events").Set(1024)
	c.QueueUtilization.WithLabelValues("events").Set(0.75)
	c.QueueDropped.WithLabelValues("events", "drop").Add(10)

	if v := gaugeValue(t, c.QueueSize.WithLabelValues("events")); v != 1024 {
		t.Errorf("Expected 1024, got %f", v)
	}
	if v := counterValue(t, c.QueueDropped.WithLabelValues("events", "drop")); v != 10 {
		t.Errorf("Expected 10, got %f", v)
	}
}

func TestOutputMetrics(t *testing.T) {
	c := NewCollector()

	c.OutputEventsSent.WithLabelValues("kafka-out", "kafka").Add(1000)
	c.OutputBytesSent.WithLabelValues("kafka-out", "kafka").Add(50000)
	c.OutputDuration.WithLabelValues("kafka-out", "kafka").Observe(0.050) // 50ms
	c.OutputBatchSize.WithLabelValues("kafka-out", "kafka").Observe(100)

	if v := counterValue(t, c.OutputEventsSent.WithLabelValues("kafka-out", "kafka")); v != 1000 {
		t.Errorf("Expected 1000, got %f", v)
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()

	c.collectSystemMetrics()

	if v := gaugeValue(t, c.SystemGoroutines); v <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", v)
	}
	if v := gaugeValue(t, c.SystemMemAlloc); v <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", v)
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	if c.started {
		t.Error("Collector should not be started initially")
	}

	c.Start()
	c.Start()

	if !c.started {
		t.Error("Collector should be started after Start()")
	}

	time.Sleep(10 * time.Millisecond)

	c.Stop()
	c.Stop()

	if c.started {
		t.Error("Collector should not be started after Stop()")
	}
}

func TestRegistryGather(t *testing.T) {
	c := NewCollector()
	c.HealthStatus.WithLabelValues("input").Set(1)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "gelfstitch_") {
			t.Errorf("metric %s is outside the gelfstitch namespace", mf.GetName())
		}
		if mf.GetName() == "gelfstitch_health_status" {
			found = true
		}
	}
	if !found {
		t.Error("expected gelfstitch_health_status in gathered metrics")
	}
}
