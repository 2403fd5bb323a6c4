package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/timestamp"
	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

var (
	ErrNotObject    = errors.New("payload is not a JSON object")
	ErrTrailingData = errors.New("unexpected data after JSON object")
)

// Decoder deserializes a payload into an event
type Decoder interface {
	Decode(payload []byte) (*types.Event, error)
	Name() string
}

// JSONDecoder decodes a single JSON object, keeping key order and reading
// numbers as json.Number so decimal timestamps stay exact
type JSONDecoder struct{}

// Decode implements Decoder
func (JSONDecoder) Decode(payload []byte) (*types.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}

	event := types.NewEvent()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		event.Set(key, value)
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}

	return event, nil
}

// Name implements Decoder
func (JSONDecoder) Name() string {
	return "json"
}

// GELFParser parses GELF JSON payloads
type GELFParser struct {
	decoder Decoder
	logger  *logging.Logger
	parsed  int64
	failed  int64
}

// NewGELFParser creates a parser. A nil decoder selects JSONDecoder.
func NewGELFParser(decoder Decoder, logger *logging.Logger) *GELFParser {
	if decoder == nil {
		decoder = JSONDecoder{}
	}
	return &GELFParser{
		decoder: decoder,
		logger:  logger.WithComponent("parser-gelf"),
	}
}

// Parse implements Parser
func (p *GELFParser) Parse(payload []byte, receivedAt time.Time) *types.Event {
	event, err := p.decoder.Decode(payload)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error().
			Err(err).
			Str("data", string(payload)).
			Msg("JSON parse failure, falling back to plain text")
		return p.degraded(payload, receivedAt)
	}

	atomic.AddInt64(&p.parsed, 1)
	event.Timestamp = receivedAt

	if raw, ok := event.Get(FieldTimestamp); ok {
		if ts, ok := timestamp.Coerce(raw); ok {
			event.Timestamp = ts
			event.Delete(FieldTimestamp)
		}
	}

	return event
}

func (p *GELFParser) degraded(payload []byte, receivedAt time.Time) *types.Event {
	event := types.NewEvent()
	event.Timestamp = receivedAt
	event.SetMessage(string(payload))
	event.Set(types.FieldTags, []string{TagJSONParseFailure, fallbackTag(p.decoder.Name())})
	return event
}

// Name implements Parser
func (p *GELFParser) Name() string {
	return "gelf"
}

// Stats returns parse counters
func (p *GELFParser) Stats() types.ParserStats {
	return types.ParserStats{
		Parsed: atomic.LoadInt64(&p.parsed),
		Failed: atomic.LoadInt64(&p.failed),
	}
}
