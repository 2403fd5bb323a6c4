package main

import (
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/config"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/health"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/input"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/output"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/server"
)

// gelfConfig maps a configured input onto listener settings
func gelfConfig(in *config.GELFInputConfig) (*input.GELFConfig, error) {
	mark, err := in.DecodedContinuationMark()
	if err != nil {
		return nil, fmt.Errorf("gelf input %s: %w", in.Name, err)
	}

	gc := &input.GELFConfig{
		Address:                in.Address(),
		ReadBufferSize:         in.ReadBufferSize,
		ReconnectBackoff:       in.ReconnectBackoff,
		ChunkTimeout:           in.ChunkTimeout,
		RateLimit:              in.RateLimit,
		Remap:                  in.RemapEnabled(),
		StripLeadingUnderscore: in.StripEnabled(),
		Multiline: parser.ReassemblerConfig{
			ContinuationMark: mark,
			TrackingKey:      in.TrackingKey,
			MaxLength:        in.MaxLength(),
		},
		FlushOnStop: in.FlushOnStop,
	}

	if in.Type != "" || len(in.AddField) > 0 || len(in.Tags) > 0 {
		gc.Decorator = &parser.Decorator{
			Type:      in.Type,
			AddFields: in.AddField,
			Tags:      in.Tags,
		}
	}

	return gc, nil
}

// newOutput builds the configured output
func newOutput(cfg config.OutputConfig) (output.Output, error) {
	switch cfg.Type {
	case "", "stdout":
		return output.NewStdoutOutput("stdout", nil), nil

	case "kafka":
		k := cfg.Kafka
		kc := output.DefaultKafkaConfig()
		kc.Brokers = k.Brokers
		kc.Topic = k.Topic
		if k.PartitionKey != "" {
			kc.PartitionKey = k.PartitionKey
		}
		if k.RequiredAcks != 0 {
			kc.RequiredAcks = k.RequiredAcks
		}
		if k.CompressionCodec != "" {
			kc.CompressionCodec = k.CompressionCodec
		}
		if k.MaxMessageBytes > 0 {
			kc.MaxMessageBytes = k.MaxMessageBytes
		}
		if k.ClientID != "" {
			kc.ClientID = k.ClientID
		}
		if k.Version != "" {
			kc.Version = k.Version
		}
		kc.SASLEnabled = k.SASLEnabled
		kc.SASLMechanism = k.SASLMechanism
		kc.SASLUsername = k.SASLUsername
		kc.SASLPassword = k.SASLPassword
		kc.EnableTLS = k.EnableTLS
		return output.NewKafkaOutput(kc)

	case "elasticsearch":
		e := cfg.Elasticsearch
		ec := output.DefaultElasticsearchConfig()
		ec.Addresses = e.Addresses
		ec.Index = e.Index
		if e.IndexRotation != "" {
			ec.IndexRotation = e.IndexRotation
		}
		ec.Pipeline = e.Pipeline
		ec.Username = e.Username
		ec.Password = e.Password
		ec.CloudID = e.CloudID
		ec.APIKey = e.APIKey
		return output.NewElasticsearchOutput(ec)

	case "s3":
		s := cfg.S3
		sc := output.DefaultS3Config()
		sc.Bucket = s.Bucket
		if s.Region != "" {
			sc.Region = s.Region
		}
		if s.Prefix != "" {
			sc.Prefix = s.Prefix
		}
		if s.KeyTemplate != "" {
			sc.KeyTemplate = s.KeyTemplate
		}
		if s.StorageClass != "" {
			sc.StorageClass = s.StorageClass
		}
		if s.Compression != "" {
			sc.Compression = output.CompressionType(s.Compression)
		}
		sc.ServerSideEncryption = s.ServerSideEncryption
		sc.Endpoint = s.Endpoint
		sc.UsePathStyle = s.UsePathStyle
		return output.NewS3Output(sc)

	default:
		return nil, fmt.Errorf("unknown output type: %s", cfg.Type)
	}
}

func retryConfig(cfg *config.ReliabilityConfig) reliability.RetryConfig {
	if cfg == nil || cfg.Retry == nil {
		return reliability.RetryConfig{Jitter: true}
	}
	return reliability.RetryConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}
}

// deadLetter opens the dead letter queue when enabled; nil otherwise
func deadLetter(cfg *config.ReliabilityConfig) (*dlq.DeadLetterQueue, error) {
	if cfg == nil || cfg.DeadLetter == nil || !cfg.DeadLetter.Enabled {
		return nil, nil
	}
	return dlq.New(dlq.Config{
		Dir:     cfg.DeadLetter.Dir,
		MaxSize: cfg.DeadLetter.MaxSize,
		MaxAge:  cfg.DeadLetter.MaxAge,
	})
}

func serverConfig(cfg *config.Config, collector *metrics.Collector, checker *health.Checker, logger *logging.Logger) server.Config {
	sc := server.Config{
		MetricsRegistry: collector.Registry(),
		HealthChecker:   checker,
		Logger:          logger,
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		sc.MetricsAddress = cfg.Metrics.Address
		sc.MetricsPath = cfg.Metrics.Path
	}
	if cfg.Health != nil && cfg.Health.Enabled {
		sc.HealthAddress = cfg.Health.Address
		sc.LivenessPath = cfg.Health.LivenessPath
		sc.ReadinessPath = cfg.Health.ReadinessPath
	}
	return sc
}

// outputCheck reports degraded while the most recent send failed
func outputCheck(out output.Output) health.HealthCheck {
	return health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		m := out.Metrics()
		meta := map[string]interface{}{
			"events_sent":   m.EventsSent,
			"events_failed": m.EventsFailed,
		}
		if m.LastError != "" && m.LastErrorTime.After(m.LastSendTime) {
			meta["last_error_time"] = m.LastErrorTime.Format(time.RFC3339)
			return health.StatusDegraded, m.LastError, meta
		}
		return health.StatusHealthy, "", meta
	})
}
