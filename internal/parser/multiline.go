package parser

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/gelfstitch/pkg/types"
)

// lineSeparator joins stitched fragments
const lineSeparator = "\r\n"

// trailingSpace is trimmed from a fragment before the continuation check
const trailingSpace = " \t\n\v\f\r\x00"

// Outcome describes what Process did with an event
type Outcome int

const (
	// OutcomePassthrough: the event bypassed reassembly or was a single line
	OutcomePassthrough Outcome = iota
	// OutcomeBuffered: the event was held as part of an open sequence
	OutcomeBuffered
	// OutcomeCompleted: a terminal line closed an open sequence
	OutcomeCompleted
	// OutcomeTruncated: an open sequence exceeded the length cap
	OutcomeTruncated
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeCompleted:
		return "completed"
	case OutcomeTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// ReassemblerConfig configures multi-line stitching
type ReassemblerConfig struct {
	// ContinuationMark is the suffix marking a fragment as continued. Empty
	// disables reassembly.
	ContinuationMark string
	// TrackingKey names the attribute that groups fragments
	TrackingKey string
	// MaxLength caps the stitched message in characters; 0 means no cap
	MaxLength int
}

// Reassembler stitches fragments sharing a tracking key into one event.
// It is not safe for concurrent use.
type Reassembler struct {
	mark        string
	trackingKey string
	maxLength   int
	incomplete  map[string]*types.Event
}

// NewReassembler creates a reassembler with an empty incomplete-event table
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	return &Reassembler{
		mark:        cfg.ContinuationMark,
		trackingKey: cfg.TrackingKey,
		maxLength:   cfg.MaxLength,
		incomplete:  make(map[string]*types.Event),
	}
}

// Process feeds one event through the state machine and returns the event to
// emit, or nil while a sequence is still open.
func (r *Reassembler) Process(event *types.Event) (*types.Event, Outcome) {
	if r.mark == "" {
		return event, OutcomePassthrough
	}

	key, ok := event.GetString(r.trackingKey)
	if !ok {
		return event, OutcomePassthrough
	}
	msg, ok := event.Message()
	if !ok {
		return event, OutcomePassthrough
	}

	line := strings.TrimRight(msg, trailingSpace)
	buffered, open := r.incomplete[key]

	if strings.HasSuffix(line, r.mark) {
		line = strings.TrimSuffix(line, r.mark)

		if !open {
			event.SetMessage(line)
			r.incomplete[key] = event
			return nil, OutcomeBuffered
		}

		stitched := r.append(buffered, line)
		if r.maxLength > 0 && utf8.RuneCountInString(stitched) > r.maxLength {
			delete(r.incomplete, key)
			return buffered, OutcomeTruncated
		}
		return nil, OutcomeBuffered
	}

	if !open {
		return event, OutcomePassthrough
	}

	r.append(buffered, line)
	delete(r.incomplete, key)
	return buffered, OutcomeCompleted
}

func (r *Reassembler) append(buffered *types.Event, line string) string {
	prev, _ := buffered.Message()
	stitched := prev + lineSeparator + line
	buffered.SetMessage(stitched)
	return stitched
}

// Pending returns the number of open sequences
func (r *Reassembler) Pending() int {
	return len(r.incomplete)
}

// Flush removes and returns all open sequences ordered by tracking key
func (r *Reassembler) Flush() []*types.Event {
	if len(r.incomplete) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.incomplete))
	for k := range r.incomplete {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	events := make([]*types.Event, 0, len(keys))
	for _, k := range keys {
		events = append(events, r.incomplete[k])
		delete(r.incomplete, k)
	}
	return events
}
