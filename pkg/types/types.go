package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// Well-known attribute names
const (
	FieldMessage    = "message"
	FieldSourceHost = "source_host"
	FieldTags       = "tags"
	FieldTimestamp  = "@timestamp"

	// FieldTimestampCollision holds an @timestamp attribute carried by the payload
	FieldTimestampCollision = "_@timestamp"
)

// Event is a log record with ordered attributes
type Event struct {
	Timestamp time.Time

	keys   []string
	fields map[string]interface{}
}

// NewEvent creates an empty event
func NewEvent() *Event {
	return &Event{
		fields: make(map[string]interface{}),
	}
}

// Get returns the value of an attribute
func (e *Event) Get(key string) (interface{}, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// GetString returns the attribute value if it is a string
func (e *Event) GetString(key string) (string, bool) {
	v, ok := e.fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether the attribute is present
func (e *Event) Has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

// Set sets an attribute, appending it to the key order if new
func (e *Event) Set(key string, value interface{}) {
	if e.fields == nil {
		e.fields = make(map[string]interface{})
	}
	if _, exists := e.fields[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.fields[key] = value
}

// Delete removes an attribute
func (e *Event) Delete(key string) {
	if _, ok := e.fields[key]; !ok {
		return
	}
	delete(e.fields, key)
	for i, k := range e.keys {
		if k == key {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
}

// Keys returns attribute names in insertion order
func (e *Event) Keys() []string {
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}

// Len returns the number of attributes
func (e *Event) Len() int {
	return len(e.keys)
}

// Message returns the message attribute if it is a string
func (e *Event) Message() (string, bool) {
	return e.GetString(FieldMessage)
}

// SetMessage sets the message attribute
func (e *Event) SetMessage(msg string) {
	e.Set(FieldMessage, msg)
}

// Tags returns the tags attached to the event
func (e *Event) Tags() []string {
	v, ok := e.fields[FieldTags]
	if !ok {
		return nil
	}
	switch tags := v.(type) {
	case []string:
		return tags
	case []interface{}:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{tags}
	}
	return nil
}

// AddTag appends a tag unless already present
func (e *Event) AddTag(tag string) {
	tags := e.Tags()
	for _, t := range tags {
		if t == tag {
			return
		}
	}
	e.Set(FieldTags, append(append([]string(nil), tags...), tag))
}

// HasTag reports whether the tag is attached
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with an independent key order
func (e *Event) Clone() *Event {
	c := &Event{
		Timestamp: e.Timestamp,
		keys:      make([]string, len(e.keys)),
		fields:    make(map[string]interface{}, len(e.fields)),
	}
	copy(c.keys, e.keys)
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return c
}

// Map returns a copy of the attributes
func (e *Event) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(e.fields))
	for k, v := range e.fields {
		m[k] = v
	}
	return m
}

// MarshalJSON encodes @timestamp followed by the attributes in order. An
// attribute named @timestamp is written as _@timestamp.
func (e *Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(`"` + FieldTimestamp + `":`)
	tsJSON, err := json.Marshal(ts.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if err != nil {
		return nil, err
	}
	buf.Write(tsJSON)

	for _, k := range e.keys {
		name := k
		if k == FieldTimestamp {
			name = FieldTimestampCollision
		}
		keyJSON, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.fields[k])
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(valJSON)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParserStats tracks parser counters
type ParserStats struct {
	Parsed int64 `json:"parsed"`
	Failed int64 `json:"failed"`
}
