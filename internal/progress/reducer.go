package progress

import (
	"math"
	"time"

	"github.com/JakeFAU/genprogress/internal/phase"
)

// Reducer folds Events into a State. It performs no I/O and reads no clock.
type Reducer struct {
	registry *phase.Registry
}

// NewReducer builds a Reducer over reg, defaulting to phase.Default().
func NewReducer(reg *phase.Registry) Reducer {
	if reg == nil {
		reg = phase.Default()
	}
	return Reducer{registry: reg}
}

// Registry returns the phase catalog used by the reducer.
func (r Reducer) Registry() *phase.Registry {
	return r.registry
}

// Initial returns the starting State of an attempt beginning at start.
func (r Reducer) Initial(start time.Time) State {
	return NewState(start, r.registry.First())
}

// Reduce applies evt to s and returns the next State.
//
// A phase change marks the previous phase completed unless it is terminal.
// OverallProgress never decreases, which absorbs out-of-order delivery.
// An event without a phase never changes CurrentPhase; a preview it carries
// is filed under phase.Unknown.
func (r Reducer) Reduce(s State, evt Event) State {
	next := s
	hasPhase := evt.Phase != ""

	if hasPhase && evt.Phase != s.CurrentPhase {
		if s.CurrentPhase != "" && !r.registry.IsTerminal(s.CurrentPhase) {
			next.CompletedPhases = withMember(next.CompletedPhases, s.CurrentPhase)
		}
		next.CurrentPhase = evt.Phase
		next.ActivePhases = withMember(next.ActivePhases, evt.Phase)
		next.PhaseProgress = 0
	}

	if v, ok := fraction(evt.PhaseProgress); ok {
		next.PhaseProgress = v
	}
	if v, ok := fraction(evt.OverallProgress); ok && v > next.OverallProgress {
		next.OverallProgress = v
	}

	if evt.Action == ActionCompleted && hasPhase {
		next.CompletedPhases = withMember(next.CompletedPhases, evt.Phase)
	}

	if evt.PreviewData != nil {
		key := evt.Phase
		if !hasPhase {
			key = phase.Unknown
		}
		previews := make(map[string]map[string]any, len(s.previews)+1)
		for k, v := range s.previews {
			previews[k] = v
		}
		previews[key] = evt.PreviewData
		next.previews = previews
	}

	next.LastMessage = evt.Message
	return next
}

// fraction clamps v into [0,1]; NaN and nil are treated as absent.
func fraction(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return math.Max(0, math.Min(1, *v)), true
}
