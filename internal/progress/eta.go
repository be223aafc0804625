package progress

import "time"

// minSignal is the overall progress below which extrapolation is not trusted.
const minSignal = 0.01

// Estimator derives time remaining by linear extrapolation of overall
// progress. It keeps no state, so equal inputs always give equal outputs.
type Estimator struct {
	// EstimatedTotal is reported while progress is too small to extrapolate.
	EstimatedTotal time.Duration
}

// Estimate returns the seconds remaining for a task that started at start and
// has reached overall progress at now.
func (e Estimator) Estimate(start time.Time, overall float64, now time.Time) float64 {
	if overall <= minSignal {
		return e.EstimatedTotal.Seconds()
	}
	elapsed := now.Sub(start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	projected := elapsed / overall
	remaining := projected - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
