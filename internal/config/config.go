package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Inputs      InputsConfig       `yaml:"inputs"`
	Logging     LoggingConfig      `yaml:"logging"`
	Queue       QueueConfig        `yaml:"queue"`
	Output      OutputConfig       `yaml:"output"`
	Reliability *ReliabilityConfig `yaml:"reliability,omitempty"`
	Metrics     *MetricsConfig     `yaml:"metrics,omitempty"`
	Health      *HealthConfig      `yaml:"health,omitempty"`
	Tracing     *TracingConfig     `yaml:"tracing,omitempty"`
	Shutdown    ShutdownConfig     `yaml:"shutdown"`
}

// InputsConfig defines input sources
type InputsConfig struct {
	GELF []GELFInputConfig `yaml:"gelf"`
}

// GELFInputConfig defines a GELF UDP listener
type GELFInputConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ContinuationMark is base64 encoded so whitespace and backslashes survive
	// YAML. An explicit empty string disables reassembly.
	ContinuationMark *string `yaml:"continuation_mark,omitempty"`
	TrackingKey      string  `yaml:"tracking_key"`
	// MaxMessageLength caps stitched messages in characters; an explicit 0 means no cap
	MaxMessageLength *int `yaml:"max_message_length,omitempty"`
	FlushOnStop      bool `yaml:"flush_on_stop,omitempty"`

	Remap                  *bool `yaml:"remap,omitempty"`
	StripLeadingUnderscore *bool `yaml:"strip_leading_underscore,omitempty"`

	ReadBufferSize   int           `yaml:"read_buffer_size,omitempty"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff,omitempty"`
	ChunkTimeout     time.Duration `yaml:"chunk_timeout,omitempty"`
	RateLimit        int           `yaml:"rate_limit,omitempty"`

	// Decoration
	Type     string            `yaml:"type,omitempty"`
	AddField map[string]string `yaml:"add_field,omitempty"`
	Tags     []string          `yaml:"tags,omitempty"`
}

// Address returns host:port
func (g *GELFInputConfig) Address() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// DecodedContinuationMark returns the continuation mark literal
func (g *GELFInputConfig) DecodedContinuationMark() (string, error) {
	if g.ContinuationMark == nil {
		return "", nil
	}
	mark, err := base64.StdEncoding.DecodeString(*g.ContinuationMark)
	if err != nil {
		return "", fmt.Errorf("continuation_mark is not valid base64: %w", err)
	}
	return string(mark), nil
}

// MaxLength returns the stitched message cap, 0 when uncapped
func (g *GELFInputConfig) MaxLength() int {
	if g.MaxMessageLength == nil {
		return 0
	}
	return *g.MaxMessageLength
}

// RemapEnabled reports whether GELF message fields are remapped
func (g *GELFInputConfig) RemapEnabled() bool {
	return g.Remap == nil || *g.Remap
}

// StripEnabled reports whether leading underscores are stripped
func (g *GELFInputConfig) StripEnabled() bool {
	return g.StripLeadingUnderscore == nil || *g.StripLeadingUnderscore
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// QueueConfig defines the queue between listeners and the output
type QueueConfig struct {
	Size                 int           `yaml:"size"`
	BackpressureStrategy string        `yaml:"backpressure_strategy"` // block, drop
	BlockTimeout         time.Duration `yaml:"block_timeout,omitempty"`
}

// OutputConfig defines output configuration
type OutputConfig struct {
	Type          string                     `yaml:"type"` // stdout, kafka, elasticsearch, s3
	BatchSize     int                        `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration              `yaml:"flush_interval,omitempty"`
	Kafka         *KafkaOutputConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchOutputConfig `yaml:"elasticsearch,omitempty"`
	S3            *S3OutputConfig            `yaml:"s3,omitempty"`
}

// KafkaOutputConfig holds Kafka-specific configuration
type KafkaOutputConfig struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	PartitionKey     string   `yaml:"partition_key,omitempty"`
	RequiredAcks     int16    `yaml:"required_acks,omitempty"`
	CompressionCodec string   `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int      `yaml:"max_message_bytes,omitempty"`
	ClientID         string   `yaml:"client_id,omitempty"`
	Version          string   `yaml:"version,omitempty"`
	SASLEnabled      bool     `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string   `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string   `yaml:"sasl_username,omitempty"`
	SASLPassword     string   `yaml:"sasl_password,omitempty"`
	EnableTLS        bool     `yaml:"enable_tls,omitempty"`
}

// ElasticsearchOutputConfig holds Elasticsearch-specific configuration
type ElasticsearchOutputConfig struct {
	Addresses     []string `yaml:"addresses"`
	Index         string   `yaml:"index"`
	IndexRotation string   `yaml:"index_rotation,omitempty"`
	Pipeline      string   `yaml:"pipeline,omitempty"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	CloudID       string   `yaml:"cloud_id,omitempty"`
	APIKey        string   `yaml:"api_key,omitempty"`
}

// S3OutputConfig holds S3-specific configuration
type S3OutputConfig struct {
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	Prefix               string `yaml:"prefix,omitempty"`
	KeyTemplate          string `yaml:"key_template,omitempty"`
	StorageClass         string `yaml:"storage_class,omitempty"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`
	Compression          string `yaml:"compression,omitempty"`
	Endpoint             string `yaml:"endpoint,omitempty"`
	UsePathStyle         bool   `yaml:"use_path_style,omitempty"`
}

// ReliabilityConfig holds retry and dead letter configuration for outputs
type ReliabilityConfig struct {
	Retry      *RetryConfig      `yaml:"retry,omitempty"`
	DeadLetter *DeadLetterConfig `yaml:"dead_letter,omitempty"`
}

// DeadLetterConfig keeps batches that exhausted their retries on disk
type DeadLetterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	MaxSize int64         `yaml:"max_size,omitempty"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ShutdownConfig holds graceful shutdown configuration
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default values
const (
	DefaultGELFName             = "gelf"
	DefaultGELFHost             = "0.0.0.0"
	DefaultGELFPort             = 12201
	DefaultContinuationMark     = "XA==" // "\"
	DefaultTrackingKey          = "container_id"
	DefaultMaxMessageLength     = 10000
	DefaultReadBufferSize       = 8192
	DefaultReconnectBackoff     = 5 * time.Second
	DefaultChunkTimeout         = 5 * time.Second
	DefaultQueueSize            = 10000
	DefaultBackpressureStrategy = "block"
	DefaultBlockTimeout         = time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Output.Type == "" {
		c.Output.Type = "stdout"
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = DefaultQueueSize
	}
	if c.Queue.BackpressureStrategy == "" {
		c.Queue.BackpressureStrategy = DefaultBackpressureStrategy
	}
	if c.Queue.BlockTimeout == 0 {
		c.Queue.BlockTimeout = DefaultBlockTimeout
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}

	for i := range c.Inputs.GELF {
		c.Inputs.GELF[i].applyDefaults(i)
	}
}

func (g *GELFInputConfig) applyDefaults(index int) {
	if g.Name == "" {
		g.Name = DefaultGELFName
		if index > 0 {
			g.Name = fmt.Sprintf("%s-%d", DefaultGELFName, index)
		}
	}
	if g.Host == "" {
		g.Host = DefaultGELFHost
	}
	if g.Port == 0 {
		g.Port = DefaultGELFPort
	}
	if g.ContinuationMark == nil {
		mark := DefaultContinuationMark
		g.ContinuationMark = &mark
	}
	if g.TrackingKey == "" {
		g.TrackingKey = DefaultTrackingKey
	}
	if g.MaxMessageLength == nil {
		maxLength := DefaultMaxMessageLength
		g.MaxMessageLength = &maxLength
	}
	if g.ReadBufferSize == 0 {
		g.ReadBufferSize = DefaultReadBufferSize
	}
	if g.ReconnectBackoff == 0 {
		g.ReconnectBackoff = DefaultReconnectBackoff
	}
	if g.ChunkTimeout == 0 {
		g.ChunkTimeout = DefaultChunkTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Inputs.GELF) == 0 {
		return fmt.Errorf("at least one gelf input must be configured")
	}

	names := make(map[string]bool)
	for i := range c.Inputs.GELF {
		g := &c.Inputs.GELF[i]
		if names[g.Name] {
			return fmt.Errorf("duplicate gelf input name: %s", g.Name)
		}
		names[g.Name] = true

		if g.Port < 1 || g.Port > 65535 {
			return fmt.Errorf("gelf input %s has invalid port %d", g.Name, g.Port)
		}
		if _, err := g.DecodedContinuationMark(); err != nil {
			return fmt.Errorf("gelf input %s: %w", g.Name, err)
		}
		if g.MaxLength() < 0 {
			return fmt.Errorf("gelf input %s has negative max_message_length", g.Name)
		}
		if g.RateLimit < 0 {
			return fmt.Errorf("gelf input %s has negative rate_limit", g.Name)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.Queue.BackpressureStrategy {
	case "block", "drop":
	default:
		return fmt.Errorf("invalid backpressure strategy: %s", c.Queue.BackpressureStrategy)
	}

	if r := c.Reliability; r != nil && r.DeadLetter != nil && r.DeadLetter.Enabled {
		if r.DeadLetter.Dir == "" {
			return fmt.Errorf("dead_letter requires a dir")
		}
		if r.DeadLetter.MaxSize < 0 {
			return fmt.Errorf("dead_letter has negative max_size")
		}
	}

	return c.validateOutput()
}

func (c *Config) validateOutput() error {
	switch c.Output.Type {
	case "stdout":
	case "kafka":
		if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka output requires brokers")
		}
		if c.Output.Kafka.Topic == "" {
			return fmt.Errorf("kafka output requires a topic")
		}
	case "elasticsearch":
		es := c.Output.Elasticsearch
		if es == nil || (len(es.Addresses) == 0 && es.CloudID == "") {
			return fmt.Errorf("elasticsearch output requires addresses or cloud_id")
		}
		if es.Index == "" {
			return fmt.Errorf("elasticsearch output requires an index")
		}
	case "s3":
		if c.Output.S3 == nil || c.Output.S3.Bucket == "" {
			return fmt.Errorf("s3 output requires a bucket")
		}
	default:
		return fmt.Errorf("invalid output type: %s", c.Output.Type)
	}
	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Inputs: InputsConfig{
			GELF: []GELFInputConfig{{}},
		},
	}
	cfg.applyDefaults()
	return cfg
}
