package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformedEvent marks payloads that cannot be interpreted as progress.
var ErrMalformedEvent = errors.New("malformed progress event")

// Action is the optional lifecycle hint attached to an Event.
type Action string

// Supported actions.
const (
	ActionNone       Action = ""
	ActionProcessing Action = "processing"
	ActionCompleted  Action = "completed"
)

// Event is a single progress message. Every field is optional; the zero
// value is a valid heartbeat with an empty message.
type Event struct {
	// Phase is the reporting phase id; empty when absent.
	Phase string `json:"phase,omitempty"`
	// PhaseProgress is the fraction complete within Phase.
	PhaseProgress *float64 `json:"phase_progress,omitempty"`
	// OverallProgress is the authoritative fraction of the whole job.
	OverallProgress *float64 `json:"overall_progress,omitempty"`
	// PreviewData is a phase-scoped partial result for early display.
	PreviewData map[string]any `json:"preview_data,omitempty"`
	// Action signals whether Phase is still running or has completed.
	Action Action `json:"action,omitempty"`
	// Message is the human-readable status line.
	Message string `json:"message"`
	// Timestamp is when the backend produced the event.
	Timestamp time.Time `json:"timestamp"`
}

// Float returns a pointer to v. Handy for building events.
func Float(v float64) *float64 {
	return &v
}

// Validate performs coarse validation of the event payload.
func (e Event) Validate() error {
	switch e.Action {
	case ActionNone, ActionProcessing, ActionCompleted:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, e.Action)
	}
	if !finite(e.PhaseProgress) {
		return fmt.Errorf("%w: phase_progress is not a finite number", ErrMalformedEvent)
	}
	if !finite(e.OverallProgress) {
		return fmt.Errorf("%w: overall_progress is not a finite number", ErrMalformedEvent)
	}
	return nil
}

// IsHeartbeat reports whether the event carries nothing but a message.
func (e Event) IsHeartbeat() bool {
	return e.Phase == "" &&
		e.PhaseProgress == nil &&
		e.OverallProgress == nil &&
		e.PreviewData == nil &&
		e.Action == ActionNone
}

func finite(v *float64) bool {
	return v == nil || (!math.IsNaN(*v) && !math.IsInf(*v, 0))
}

// Message is one decoded push or poll payload. It carries an Event, a task
// status report, or both.
type Message struct {
	Event  *Event
	Status *StatusReport
}

type wireMessage struct {
	Phase           *string        `json:"phase"`
	PhaseProgress   *float64       `json:"phase_progress"`
	OverallProgress *float64       `json:"overall_progress"`
	PreviewData     map[string]any `json:"preview_data"`
	Action          *string        `json:"action"`
	Message         *string        `json:"message"`
	Timestamp       *string        `json:"timestamp"`
	Status          TaskStatus     `json:"status"`
	Result          map[string]any `json:"result"`
	Error           *ErrorDetail   `json:"error"`
}

func (w wireMessage) hasEventFields() bool {
	return w.Phase != nil || w.PhaseProgress != nil || w.OverallProgress != nil ||
		w.PreviewData != nil || w.Action != nil || w.Message != nil
}

// ParseMessage decodes a raw JSON payload from the push channel. Payloads
// that are not JSON objects, carry invalid field types, or fail validation
// return an error wrapping ErrMalformedEvent.
func ParseMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var msg Message
	if w.Status != "" {
		if !w.Status.Valid() {
			return Message{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, w.Status)
		}
		msg.Status = &StatusReport{Status: w.Status, Result: w.Result, Error: w.Error}
	}
	if w.hasEventFields() || msg.Status == nil {
		evt, err := w.event()
		if err != nil {
			return Message{}, err
		}
		msg.Event = &evt
	}
	return msg, nil
}

// ParseEvent decodes a raw JSON payload that must describe a progress event.
func ParseEvent(data []byte) (Event, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return w.event()
}

func (w wireMessage) event() (Event, error) {
	evt := Event{
		PhaseProgress:   w.PhaseProgress,
		OverallProgress: w.OverallProgress,
		PreviewData:     w.PreviewData,
	}
	if w.Phase != nil {
		evt.Phase = strings.TrimSpace(*w.Phase)
	}
	if w.Action != nil {
		evt.Action = Action(*w.Action)
	}
	if w.Message != nil {
		evt.Message = *w.Message
	}
	if w.Timestamp != nil {
		ts, err := parseTimestamp(*w.Timestamp)
		if err != nil {
			return Event{}, err
		}
		evt.Timestamp = ts
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// timestampLayouts accepts RFC 3339 plus naive ISO-8601 forms, which are
// interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedEvent, raw)
}
