package progress

import (
	"time"

	"github.com/JakeFAU/genprogress/internal/phase"
)

// completeThreshold is the overall progress treated as done for display.
const completeThreshold = 0.99

// Snapshot is the State plus the values derived from it, as exposed to callers.
type Snapshot struct {
	TaskID    string `json:"task_id"`
	AttemptID string `json:"attempt_id"`
	State
	Previews             PreviewCache `json:"previews"`
	TimeRemainingSeconds float64      `json:"time_remaining_seconds"`
	IsComplete           bool         `json:"is_complete"`
	// MarkerPosition is the cumulative weight of the phases before
	// CurrentPhase. It is a timeline hint, not a second progress value.
	MarkerPosition float64   `json:"marker_position"`
	Degraded       bool      `json:"degraded"`
	Mode           Mode      `json:"mode"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Compose derives a Snapshot from s at now.
func Compose(s State, est Estimator, reg *phase.Registry, now time.Time) Snapshot {
	if reg == nil {
		reg = phase.Default()
	}
	return Snapshot{
		State:                s,
		Previews:             s.Previews(),
		TimeRemainingSeconds: est.Estimate(s.StartTime, s.OverallProgress, now),
		IsComplete:           s.OverallProgress >= completeThreshold,
		MarkerPosition:       reg.MarkerPosition(s.CurrentPhase),
		UpdatedAt:            now,
	}
}

// Phase describes the current phase using reg.
func (s Snapshot) Phase(reg *phase.Registry) phase.Descriptor {
	if reg == nil {
		reg = phase.Default()
	}
	return reg.Describe(s.CurrentPhase)
}
