package parser

import (
	"sort"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// Transformer modifies an event in place
type Transformer interface {
	Transform(event *types.Event)
	Name() string
}

// TransformPipeline applies transformers in order
type TransformPipeline struct {
	transformers []Transformer
}

// NewTransformPipeline creates a pipeline from the given transformers
func NewTransformPipeline(transformers ...Transformer) *TransformPipeline {
	return &TransformPipeline{transformers: transformers}
}

// Transform applies all transformers in the pipeline
func (p *TransformPipeline) Transform(event *types.Event) {
	for _, t := range p.transformers {
		t.Transform(event)
	}
}

// Len returns the number of transformers
func (p *TransformPipeline) Len() int {
	return len(p.transformers)
}

// NewNormalizer builds the GELF field normalization pipeline
func NewNormalizer(remap, stripLeadingUnderscore bool) *TransformPipeline {
	var transformers []Transformer
	if remap {
		transformers = append(transformers, RemapTransformer{})
	}
	if stripLeadingUnderscore {
		transformers = append(transformers, UnderscoreStripper{})
	}
	return NewTransformPipeline(transformers...)
}

// RemapTransformer moves full_message or short_message into message
type RemapTransformer struct{}

// Transform implements Transformer
func (RemapTransformer) Transform(event *types.Event) {
	if full, ok := event.GetString(FieldFullMessage); ok && full != "" {
		event.SetMessage(full)
		event.Delete(FieldFullMessage)
		if short, ok := event.GetString(FieldShortMessage); ok && short == full {
			event.Delete(FieldShortMessage)
		}
		return
	}

	if short, ok := event.GetString(FieldShortMessage); ok && short != "" {
		event.SetMessage(short)
		event.Delete(FieldShortMessage)
	}
}

// Name implements Transformer
func (RemapTransformer) Name() string {
	return "remap"
}

// UnderscoreStripper drops one leading underscore from every attribute name
type UnderscoreStripper struct{}

// Transform implements Transformer
func (UnderscoreStripper) Transform(event *types.Event) {
	// snapshot so renamed keys are not visited again
	for _, key := range event.Keys() {
		if len(key) == 0 || key[0] != '_' {
			continue
		}
		value, _ := event.Get(key)
		event.Delete(key)
		event.Set(key[1:], value)
	}
}

// Name implements Transformer
func (UnderscoreStripper) Name() string {
	return "strip_leading_underscore"
}

// Decorator adds configured type, fields and tags to events
type Decorator struct {
	Type      string
	AddFields map[string]string
	Tags      []string
}

// Transform implements Transformer
func (d *Decorator) Transform(event *types.Event) {
	if d.Type != "" && !event.Has(FieldType) {
		event.Set(FieldType, d.Type)
	}
	keys := make([]string, 0, len(d.AddFields))
	for k := range d.AddFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !event.Has(k) {
			event.Set(k, d.AddFields[k])
		}
	}
	for _, tag := range d.Tags {
		event.AddTag(tag)
	}
}

// Name implements Transformer
func (d *Decorator) Name() string {
	return "decorate"
}
