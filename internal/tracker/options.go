package tracker

import (
	"context"
	"time"

	"github.com/JakeFAU/genprogress/internal/progress"
)

const (
	// DefaultPollInterval is the status polling period.
	DefaultPollInterval = 5 * time.Second
	// DefaultEstimatedTotalTime seeds the ETA before progress is meaningful.
	DefaultEstimatedTotalTime = 5 * time.Minute
)

// Config holds the per-subscription settings.
type Config struct {
	// EstimatedTotalTime is reported as time remaining until overall progress
	// exceeds one percent. Zero uses the tracker default.
	EstimatedTotalTime time.Duration
	// PollInterval overrides the tracker poll interval when positive.
	PollInterval time.Duration
}

// Options holds tracker-wide defaults applied to every subscription.
type Options struct {
	PollInterval       time.Duration
	PollWhileStreaming bool
	EstimatedTotalTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.EstimatedTotalTime <= 0 {
		o.EstimatedTotalTime = DefaultEstimatedTotalTime
	}
	return o
}

func (o Options) resolve(cfg Config) Config {
	if cfg.EstimatedTotalTime <= 0 {
		cfg.EstimatedTotalTime = o.EstimatedTotalTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = o.PollInterval
	}
	return cfg
}

// ResultSource fetches the final artifact or error detail of a task that has
// reached a terminal status.
type ResultSource interface {
	Result(ctx context.Context, taskID string) (progress.StatusReport, error)
}

// ResultFunc adapts a function to ResultSource.
type ResultFunc func(ctx context.Context, taskID string) (progress.StatusReport, error)

// Result implements ResultSource.
func (f ResultFunc) Result(ctx context.Context, taskID string) (progress.StatusReport, error) {
	return f(ctx, taskID)
}

// statusResults re-reads the status endpoint to obtain the final payload.
type statusResults struct {
	src progress.StatusSource
}

func (s statusResults) Result(ctx context.Context, taskID string) (progress.StatusReport, error) {
	return s.src.Status(ctx, taskID)
}

// IDGenerator issues attempt identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
