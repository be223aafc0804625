package progress

import (
	"errors"
	"fmt"
	"time"
)

// RecordKind denotes what a Record reports.
type RecordKind string

// Supported record kinds.
const (
	RecordUpdate   RecordKind = "UPDATE"
	RecordTerminal RecordKind = "TERMINAL"
)

// Record is one tracker milestone forwarded to sinks: an applied update or
// the terminal outcome of a task attempt.
type Record struct {
	// TaskID identifies the backend task.
	TaskID string
	// TS is the UTC time the tracker produced the record.
	TS time.Time
	// Kind selects between update and terminal records.
	Kind RecordKind
	// Snapshot is the tracker view at TS.
	Snapshot Snapshot
	// Outcome is set for terminal records.
	Outcome *Outcome
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	if r.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch r.Kind {
	case RecordUpdate:
	case RecordTerminal:
		if r.Outcome == nil {
			return errors.New("terminal record requires outcome")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// Elapsed returns the wall time between the attempt start and the record.
func (r Record) Elapsed() time.Duration {
	if r.Snapshot.StartTime.IsZero() || r.TS.Before(r.Snapshot.StartTime) {
		return 0
	}
	return r.TS.Sub(r.Snapshot.StartTime)
}
