package parser

import (
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// Parser turns a decoded payload into an event. Implementations never fail:
// unparseable input becomes a degraded event carrying diagnostic tags.
type Parser interface {
	// Parse builds an event from a payload received at receivedAt
	Parse(payload []byte, receivedAt time.Time) *types.Event

	// Name returns the parser name
	Name() string
}

// Tags attached to degraded events
const (
	TagJSONParseFailure = "_jsonparsefailure"
)

// Attribute names used by GELF payloads
const (
	FieldFullMessage  = "full_message"
	FieldShortMessage = "short_message"
	FieldTimestamp    = "timestamp"
	FieldType         = "type"
)

// fallbackTag identifies which decoder produced a degraded event
func fallbackTag(decoderName string) string {
	return "_from" + decoderName + "parser"
}
