package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	BaseConfig `yaml:",inline"`

	// Bucket is the S3 bucket name
	Bucket string `yaml:"bucket"`

	// Region is the AWS region
	Region string `yaml:"region"`

	// Prefix is the key prefix for objects
	Prefix string `yaml:"prefix,omitempty"`

	// KeyTemplate is the template for object keys (supports time patterns)
	KeyTemplate string `yaml:"key_template,omitempty"`

	// Compression applied to each object body
	Compression CompressionType `yaml:"compression,omitempty"`

	// StorageClass is the S3 storage class (STANDARD, GLACIER, etc.)
	StorageClass string `yaml:"storage_class,omitempty"`

	// ServerSideEncryption specifies encryption (AES256, aws:kms)
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint string `yaml:"endpoint,omitempty"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `yaml:"use_path_style,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	return S3Config{
		BaseConfig:   DefaultBaseConfig(),
		Region:       "us-east-1",
		Prefix:       "gelf/",
		KeyTemplate:  "{{.Year}}/{{.Month}}/{{.Day}}/{{.Hour}}/{{.UnixNano}}-{{.Seq}}.ndjson",
		Compression:  CompressionGzip,
		StorageClass: "STANDARD",
	}
}

// PutObjectAPI is the part of the S3 client used by S3Output
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Output writes each batch of events as one NDJSON object
type S3Output struct {
	config     S3Config
	client     PutObjectAPI
	compressor Compressor
	metrics    recorder
	seq        atomic.Uint64
	closed     atomic.Bool
}

// NewS3Output creates a new S3 output using the default AWS credential chain
func NewS3Output(s3Config S3Config) (*S3Output, error) {
	if s3Config.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(s3Config.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if s3Config.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
			o.UsePathStyle = s3Config.UsePathStyle
		})
	}

	return NewS3OutputWithClient(s3Config, s3.NewFromConfig(cfg, opts...))
}

// NewS3OutputWithClient creates an S3 output around an existing client
func NewS3OutputWithClient(s3Config S3Config, client PutObjectAPI) (*S3Output, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if s3Config.Compression == "" {
		s3Config.Compression = CompressionNone
	}

	compressor, err := GetCompressor(s3Config.Compression)
	if err != nil {
		return nil, err
	}

	return &S3Output{
		config:     s3Config,
		client:     client,
		compressor: compressor,
	}, nil
}

// Send writes a single event as its own object
func (s *S3Output) Send(ctx context.Context, event *types.Event) error {
	return s.SendBatch(ctx, []*types.Event{event})
}

// SendBatch writes a batch of events as a single object
func (s *S3Output) SendBatch(ctx context.Context, events []*types.Event) error {
	if s.closed.Load() {
		return ErrOutputClosed
	}
	if len(events) == 0 {
		return nil
	}

	start := time.Now()

	var buf bytes.Buffer
	count := 0
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			s.metrics.failure(1, err)
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
		count++
	}
	if count == 0 {
		return nil
	}

	compressed, err := s.compressor.Compress(buf.Bytes())
	if err != nil {
		s.metrics.failure(count, err)
		return fmt.Errorf("failed to compress data: %w", err)
	}

	// The first event's timestamp places the whole batch
	key := s.generateKey(events[0].Timestamp)
	if err := s.uploadObject(ctx, key, compressed); err != nil {
		s.metrics.failure(count, err)
		return err
	}

	s.metrics.success(count, int64(len(compressed)), time.Since(start))
	return nil
}

// uploadObject uploads data to S3
func (s *S3Output) uploadObject(ctx context.Context, key string, data []byte) error {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	}

	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}

	if s.config.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.config.ServerSideEncryption)
	}

	if encoding := ContentEncoding(s.config.Compression); encoding != "" {
		input.ContentEncoding = aws.String(encoding)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// generateKey generates an S3 key from the template and timestamp
func (s *S3Output) generateKey(timestamp time.Time) string {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	timestamp = timestamp.UTC()

	key := s.config.KeyTemplate
	if key == "" {
		key = "{{.UnixNano}}-{{.Seq}}.ndjson"
	}

	replacer := strings.NewReplacer(
		"{{.Year}}", fmt.Sprintf("%04d", timestamp.Year()),
		"{{.Month}}", fmt.Sprintf("%02d", timestamp.Month()),
		"{{.Day}}", fmt.Sprintf("%02d", timestamp.Day()),
		"{{.Hour}}", fmt.Sprintf("%02d", timestamp.Hour()),
		"{{.Minute}}", fmt.Sprintf("%02d", timestamp.Minute()),
		"{{.Second}}", fmt.Sprintf("%02d", timestamp.Second()),
		"{{.Timestamp}}", fmt.Sprintf("%d", timestamp.Unix()),
		"{{.UnixNano}}", fmt.Sprintf("%d", timestamp.UnixNano()),
		"{{.Seq}}", fmt.Sprintf("%06d", s.seq.Add(1)),
	)

	return s.config.Prefix + replacer.Replace(key) + Extension(s.config.Compression)
}

// Close closes the S3 output
func (s *S3Output) Close() error {
	s.closed.Store(true)
	return nil
}

// Name returns the output name
func (s *S3Output) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	return "s3"
}

// Type returns the output type
func (s *S3Output) Type() string {
	return "s3"
}

// Metrics returns the current metrics
func (s *S3Output) Metrics() *OutputMetrics {
	return s.metrics.snapshot()
}
