package parser

import (
	"testing"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

func eventFrom(pairs ...interface{}) *types.Event {
	e := types.NewEvent()
	for i := 0; i+1 < len(pairs); i += 2 {
		e.Set(pairs[i].(string), pairs[i+1])
	}
	return e
}

func TestRemapTransformer(t *testing.T) {
	tests := []struct {
		name       string
		event      *types.Event
		wantFields map[string]interface{}
		wantAbsent []string
	}{
		{
			name:       "full message wins and equal short message is dropped",
			event:      eventFrom("full_message", "trace", "short_message", "trace"),
			wantFields: map[string]interface{}{"message": "trace"},
			wantAbsent: []string{"full_message", "short_message"},
		},
		{
			name:       "different short message is kept",
			event:      eventFrom("full_message", "long trace", "short_message", "short"),
			wantFields: map[string]interface{}{"message": "long trace", "short_message": "short"},
			wantAbsent: []string{"full_message"},
		},
		{
			name:       "short message only",
			event:      eventFrom("short_message", "hello"),
			wantFields: map[string]interface{}{"message": "hello"},
			wantAbsent: []string{"short_message"},
		},
		{
			name:       "empty full message falls back to short message",
			event:      eventFrom("full_message", "", "short_message", "hello"),
			wantFields: map[string]interface{}{"message": "hello", "full_message": ""},
			wantAbsent: []string{"short_message"},
		},
		{
			name:       "nothing to remap",
			event:      eventFrom("message", "as is", "short_message", ""),
			wantFields: map[string]interface{}{"message": "as is", "short_message": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RemapTransformer{}.Transform(tt.event)
			for k, want := range tt.wantFields {
				if got, _ := tt.event.Get(k); got != want {
					t.Errorf("field %s: expected %v, got %v", k, want, got)
				}
			}
			for _, k := range tt.wantAbsent {
				if tt.event.Has(k) {
					t.Errorf("field %s should be absent", k)
				}
			}
		})
	}
}

func TestUnderscoreStripper(t *testing.T) {
	e := eventFrom("_container_id", "abc", "__double", 1, "plain", "p", "_", "empty")
	UnderscoreStripper{}.Transform(e)

	want := map[string]interface{}{
		"container_id": "abc",
		"_double":      1,
		"plain":        "p",
		"":             "empty",
	}
	for k, v := range want {
		if got, ok := e.Get(k); !ok || got != v {
			t.Errorf("field %q: expected %v, got %v", k, v, got)
		}
	}
	for _, k := range []string{"_container_id", "__double", "_"} {
		if e.Has(k) {
			t.Errorf("field %q should have been renamed", k)
		}
	}
}

func TestNormalizer(t *testing.T) {
	e := eventFrom("short_message", "hi", "_container_id", "c1")
	NewNormalizer(true, true).Transform(e)

	if msg, _ := e.Message(); msg != "hi" {
		t.Errorf("expected message 'hi', got %q", msg)
	}
	if id, _ := e.GetString("container_id"); id != "c1" {
		t.Errorf("expected container_id 'c1', got %q", id)
	}

	disabled := eventFrom("short_message", "hi", "_container_id", "c1")
	n := NewNormalizer(false, false)
	if n.Len() != 0 {
		t.Errorf("expected empty pipeline, got %d transformers", n.Len())
	}
	n.Transform(disabled)
	if !disabled.Has("short_message") || !disabled.Has("_container_id") {
		t.Error("disabled normalizer must not modify the event")
	}
}

func TestDecorator(t *testing.T) {
	d := &Decorator{
		Type:      "gelf",
		AddFields: map[string]string{"env": "prod", "region": "eu"},
		Tags:      []string{"ingested"},
	}

	e := eventFrom("region", "us")
	d.Transform(e)

	if v, _ := e.GetString("type"); v != "gelf" {
		t.Errorf("expected type 'gelf', got %q", v)
	}
	if v, _ := e.GetString("env"); v != "prod" {
		t.Errorf("expected env 'prod', got %q", v)
	}
	if v, _ := e.GetString("region"); v != "us" {
		t.Errorf("existing field must not be overwritten, got %q", v)
	}
	if !e.HasTag("ingested") {
		t.Errorf("expected tag 'ingested', got %v", e.Tags())
	}
}
