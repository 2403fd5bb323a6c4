package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	BaseConfig `yaml:",inline"`

	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index is the default index name or pattern (supports time-based patterns)
	Index string `yaml:"index"`

	// IndexRotation specifies how often to rotate indices (daily, weekly, monthly, yearly, none)
	IndexRotation string `yaml:"index_rotation,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	// Username for authentication
	Username string `yaml:"username,omitempty"`

	// Password for authentication
	Password string `yaml:"password,omitempty"`

	// CloudID for Elastic Cloud
	CloudID string `yaml:"cloud_id,omitempty"`

	// APIKey for authentication
	APIKey string `yaml:"api_key,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		BaseConfig:    DefaultBaseConfig(),
		Addresses:     []string{"http://localhost:9200"},
		Index:         "gelf",
		IndexRotation: "daily",
	}
}

// ElasticsearchOutput sends events to Elasticsearch through the bulk API
type ElasticsearchOutput struct {
	config  ElasticsearchConfig
	client  *elasticsearch.Client
	metrics recorder
	closed  atomic.Bool
}

// bulkResponse is the subset of the bulk API response we inspect
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// NewElasticsearchOutput creates a new Elasticsearch output and checks connectivity
func NewElasticsearchOutput(config ElasticsearchConfig) (*ElasticsearchOutput, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	return &ElasticsearchOutput{
		config: config,
		client: client,
	}, nil
}

// Send sends a single event to Elasticsearch
func (e *ElasticsearchOutput) Send(ctx context.Context, event *types.Event) error {
	return e.SendBatch(ctx, []*types.Event{event})
}

// SendBatch indexes a batch of events with one bulk request.
// Transport failures, 429 and 5xx responses are retryable. Rejected
// documents are reported as permanent so a retry cannot duplicate the
// documents that were accepted.
func (e *ElasticsearchOutput) SendBatch(ctx context.Context, events []*types.Event) error {
	if e.closed.Load() {
		return ErrOutputClosed
	}
	if len(events) == 0 {
		return nil
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	body, count, totalBytes := e.buildBulkBody(events)
	if count == 0 {
		return nil
	}

	res, err := e.client.Bulk(bytes.NewReader(body), e.client.Bulk.WithContext(ctx))
	if err != nil {
		e.metrics.failure(count, err)
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("bulk request returned error: %s", res.Status())
		e.metrics.failure(count, err)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return err
		}
		return reliability.Permanent(err)
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		e.metrics.failure(count, err)
		return reliability.Permanent(fmt.Errorf("failed to parse bulk response: %w", err))
	}

	var failedCount int
	var lastReason string
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failedCount++
					lastReason = doc.Error.Type + ": " + doc.Error.Reason
				}
			}
		}
	}

	if succeeded := count - failedCount; succeeded > 0 {
		e.metrics.success(succeeded, totalBytes, time.Since(start))
	}

	if failedCount > 0 {
		err := fmt.Errorf("%d out of %d events failed to index: %s", failedCount, count, lastReason)
		e.metrics.failure(failedCount, err)
		return reliability.Permanent(err)
	}

	return nil
}

// buildBulkBody renders the NDJSON bulk body
func (e *ElasticsearchOutput) buildBulkBody(events []*types.Event) ([]byte, int, int64) {
	var buf bytes.Buffer
	var totalBytes int64
	count := 0

	for _, event := range events {
		action := map[string]interface{}{
			"_index": e.getIndexName(event),
		}
		if e.config.Pipeline != "" {
			action["pipeline"] = e.config.Pipeline
		}

		metaJSON, err := json.Marshal(map[string]interface{}{"index": action})
		if err != nil {
			e.metrics.failure(1, err)
			continue
		}

		docJSON, err := json.Marshal(event)
		if err != nil {
			e.metrics.failure(1, err)
			continue
		}

		buf.Write(metaJSON)
		buf.WriteByte('\n')
		buf.Write(docJSON)
		buf.WriteByte('\n')

		totalBytes += int64(len(docJSON))
		count++
	}

	return buf.Bytes(), count, totalBytes
}

// getIndexName returns the index name for an event, with optional time-based rotation
func (e *ElasticsearchOutput) getIndexName(event *types.Event) string {
	index := e.config.Index

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	timestamp = timestamp.UTC()

	// Explicit patterns win over rotation
	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", timestamp.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", timestamp.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", timestamp.Format("2006"))
		return index
	}

	var suffix string
	switch e.config.IndexRotation {
	case "", "none":
		return index
	case "weekly":
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = timestamp.Format("2006.01")
	case "yearly":
		suffix = timestamp.Format("2006")
	default:
		suffix = timestamp.Format("2006.01.02")
	}

	return fmt.Sprintf("%s-%s", index, suffix)
}

// Close closes the Elasticsearch output
func (e *ElasticsearchOutput) Close() error {
	e.closed.Store(true)
	return nil
}

// Name returns the output name
func (e *ElasticsearchOutput) Name() string {
	if e.config.Name != "" {
		return e.config.Name
	}
	return "elasticsearch"
}

// Type returns the output type
func (e *ElasticsearchOutput) Type() string {
	return "elasticsearch"
}

// Metrics returns the current metrics
func (e *ElasticsearchOutput) Metrics() *OutputMetrics {
	return e.metrics.snapshot()
}
