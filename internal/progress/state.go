package progress

import "time"

// State is the aggregated view of one task attempt. States are values:
// Reduce never mutates the State it receives, so a State may be shared with
// readers without copying.
type State struct {
	CurrentPhase    string    `json:"current_phase"`
	PhaseProgress   float64   `json:"phase_progress"`
	OverallProgress float64   `json:"overall_progress"`
	CompletedPhases []string  `json:"completed_phases"`
	ActivePhases    []string  `json:"active_phases"`
	StartTime       time.Time `json:"start_time"`
	LastMessage     string    `json:"last_message"`

	previews map[string]map[string]any
}

// NewState creates the initial state of an attempt that begins in initialPhase.
func NewState(start time.Time, initialPhase string) State {
	return State{
		CurrentPhase:    initialPhase,
		CompletedPhases: []string{},
		ActivePhases:    []string{initialPhase},
		StartTime:       start,
	}
}

// Previews exposes the preview payloads recorded so far.
func (s State) Previews() PreviewCache {
	return PreviewCache{byPhase: s.previews}
}

// HasCompleted reports whether phaseID is in CompletedPhases.
func (s State) HasCompleted(phaseID string) bool {
	return contains(s.CompletedPhases, phaseID)
}

func contains(set []string, id string) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}

// withMember returns set with id appended, always into a fresh backing array
// so earlier States never observe the append.
func withMember(set []string, id string) []string {
	if contains(set, id) {
		return set
	}
	out := make([]string, len(set), len(set)+1)
	copy(out, set)
	return append(out, id)
}
