package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	BaseConfig `yaml:",inline"`

	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic is the Kafka topic to send messages to
	Topic string `yaml:"topic"`

	// PartitionKey names the event attribute used as message key, normally
	// the tracking key so one source's stitched messages stay ordered
	PartitionKey string `yaml:"partition_key,omitempty"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	// MaxMessageBytes is the maximum size of a single message
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty"`

	// EnableTLS enables TLS for connections
	EnableTLS bool `yaml:"enable_tls,omitempty"`

	// SASL configuration
	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	// ClientID is the client identifier
	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BaseConfig:       DefaultBaseConfig(),
		Brokers:          []string{"localhost:9092"},
		Topic:            "gelf",
		PartitionKey:     "container_id",
		RequiredAcks:     1,
		CompressionCodec: "none",
		MaxMessageBytes:  1000000, // 1MB
		ClientID:         "gelfstitch",
		Version:          "3.0.0",
	}
}

// KafkaOutput sends events to Kafka
type KafkaOutput struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	metrics  recorder
	closed   atomic.Bool
}

// NewKafkaOutput creates a new Kafka output
func NewKafkaOutput(config KafkaConfig) (*KafkaOutput, error) {
	if err := validateKafkaConfig(config); err != nil {
		return nil, err
	}

	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newKafkaOutput(config, producer), nil
}

func newKafkaOutput(config KafkaConfig, producer sarama.SyncProducer) *KafkaOutput {
	return &KafkaOutput{
		config:   config,
		producer: producer,
	}
}

func validateKafkaConfig(config KafkaConfig) error {
	if len(config.Brokers) == 0 {
		return fmt.Errorf("no brokers specified")
	}
	if config.Topic == "" {
		return fmt.Errorf("no topic specified")
	}
	return nil
}

func newSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported Kafka compression codec: %s", config.CompressionCodec)
	}

	if config.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch config.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig, nil
}

// Send sends a single event to Kafka
func (k *KafkaOutput) Send(ctx context.Context, event *types.Event) error {
	return k.SendBatch(ctx, []*types.Event{event})
}

// SendBatch sends a batch of events to Kafka in one produce call
func (k *KafkaOutput) SendBatch(ctx context.Context, events []*types.Event) error {
	if k.closed.Load() {
		return ErrOutputClosed
	}
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	messages := make([]*sarama.ProducerMessage, 0, len(events))
	var totalBytes int64

	for _, event := range events {
		msg, size, err := k.buildMessage(event)
		if err != nil {
			k.metrics.failure(1, err)
			continue
		}
		messages = append(messages, msg)
		totalBytes += int64(size)
	}
	if len(messages) == 0 {
		return nil
	}

	if err := k.producer.SendMessages(messages); err != nil {
		failed := len(messages)
		var produceErrs sarama.ProducerErrors
		if errors.As(err, &produceErrs) {
			failed = len(produceErrs)
		}
		k.metrics.failure(failed, err)
		return fmt.Errorf("failed to send %d of %d messages to Kafka: %w", failed, len(messages), err)
	}

	k.metrics.success(len(messages), totalBytes, time.Since(start))
	return nil
}

// buildMessage creates a Kafka producer message from an event
func (k *KafkaOutput) buildMessage(event *types.Event) (*sarama.ProducerMessage, int, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Value: sarama.ByteEncoder(value),
	}

	if k.config.PartitionKey != "" {
		if key, ok := event.GetString(k.config.PartitionKey); ok && key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
	}

	return msg, len(value), nil
}

// Close closes the Kafka output
func (k *KafkaOutput) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return k.producer.Close()
}

// Name returns the output name
func (k *KafkaOutput) Name() string {
	if k.config.Name != "" {
		return k.config.Name
	}
	return "kafka"
}

// Type returns the output type
func (k *KafkaOutput) Type() string {
	return "kafka"
}

// Metrics returns the current metrics
func (k *KafkaOutput) Metrics() *OutputMetrics {
	return k.metrics.snapshot()
}
