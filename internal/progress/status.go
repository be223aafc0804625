package progress

// TaskStatus is the lifecycle status reported by the status endpoint.
type TaskStatus string

// Task statuses understood by the tracker.
const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends tracking.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorDetail is the error object attached to failed status reports.
type ErrorDetail struct {
	Message string `json:"message"`
}

// StatusReport is the body returned by the status endpoint.
type StatusReport struct {
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty"`
	// Progress optionally piggybacks the latest progress event.
	Progress *Event `json:"progress,omitempty"`
}

// ErrorMessage returns the error text, or "" when none was reported.
func (r StatusReport) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// OutcomeKind separates successful and failed terminal outcomes.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
)

// DefaultFailureMessage is reported when the backend gives no error detail.
const DefaultFailureMessage = "task failed"

// Outcome is the terminal result delivered to callers exactly once.
type Outcome struct {
	Kind   OutcomeKind    `json:"kind"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Completed builds a successful outcome.
func Completed(result map[string]any) Outcome {
	return Outcome{Kind: OutcomeCompleted, Result: result}
}

// Failed builds a failed outcome, defaulting the message when msg is empty.
func Failed(msg string) Outcome {
	if msg == "" {
		msg = DefaultFailureMessage
	}
	return Outcome{Kind: OutcomeFailed, Error: msg}
}
