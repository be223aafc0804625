package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/clock/system"
	"github.com/JakeFAU/genprogress/internal/id/uuid"
	"github.com/JakeFAU/genprogress/internal/phase"
	"github.com/JakeFAU/genprogress/internal/progress"
)

var (
	// ErrAlreadyTracking is returned when a task already has an active coordinator.
	ErrAlreadyTracking = errors.New("task is already being tracked")
	// ErrNotTracking is returned for task ids the tracker does not know.
	ErrNotTracking = errors.New("task is not being tracked")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("tracker is closed")
)

// Deps bundles the collaborators of a Tracker. Status is required; Push may be
// nil for poll-only tracking.
type Deps struct {
	Push     progress.PushSource
	Status   progress.StatusSource
	Results  ResultSource
	Registry *phase.Registry
	Clock    progress.Clock
	IDs      IDGenerator
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Tracker owns one coordinator per task id. Finished coordinators are kept
// so their final state stays readable until the task is tracked again.
type Tracker struct {
	deps    Deps
	opts    Options
	reducer progress.Reducer

	mu     sync.RWMutex
	tasks  map[string]*Coordinator
	closed bool
}

// New validates deps and builds a Tracker.
func New(deps Deps, opts Options) (*Tracker, error) {
	if deps.Status == nil {
		return nil, errors.New("tracker requires a status source")
	}
	if deps.Results == nil {
		deps.Results = statusResults{src: deps.Status}
	}
	if deps.Registry == nil {
		deps.Registry = phase.Default()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Tracker{
		deps:    deps,
		opts:    opts.withDefaults(),
		reducer: progress.NewReducer(deps.Registry),
		tasks:   make(map[string]*Coordinator),
	}, nil
}

// Registry returns the phase catalog used by every coordinator.
func (t *Tracker) Registry() *phase.Registry {
	return t.deps.Registry
}

// Subscribe starts tracking taskID. Cancelling ctx abandons the attempt.
func (t *Tracker) Subscribe(ctx context.Context, taskID string, cfg Config) (*Coordinator, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	attemptID, err := t.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("attempt id: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := t.tasks[taskID]; ok && existing.Mode().IsActive() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracking, taskID)
	}
	c := newCoordinator(ctx, taskID, attemptID, t.opts.resolve(cfg), coordinatorDeps{
		push:               t.deps.Push,
		status:             t.deps.Status,
		results:            t.deps.Results,
		reducer:            t.reducer,
		clock:              t.deps.Clock,
		emitter:            t.deps.Emitter,
		logger:             t.deps.Logger,
		pollWhileStreaming: t.opts.PollWhileStreaming,
	})
	t.tasks[taskID] = c
	t.mu.Unlock()

	c.start()
	return c, nil
}

// Get returns the coordinator for taskID, active or finished.
func (t *Tracker) Get(taskID string) (*Coordinator, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.tasks[taskID]
	return c, ok
}

// Abandon stops tracking taskID.
func (t *Tracker) Abandon(taskID string) error {
	c, ok := t.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracking, taskID)
	}
	c.Abandon()
	return nil
}

// Forget drops a finished coordinator. Active coordinators are kept.
func (t *Tracker) Forget(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.tasks[taskID]
	if !ok || c.Mode().IsActive() {
		return false
	}
	delete(t.tasks, taskID)
	return true
}

// Tasks lists the tracked task ids in sorted order.
func (t *Tracker) Tasks() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the number of coordinators still tracking.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.tasks {
		if c.Mode().IsActive() {
			n++
		}
	}
	return n
}

// Close abandons every active coordinator and waits for their goroutines,
// bounded by ctx.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	coords := make([]*Coordinator, 0, len(t.tasks))
	for _, c := range t.tasks {
		coords = append(coords, c)
	}
	t.mu.Unlock()

	for _, c := range coords {
		c.Abandon()
	}
	waited := make(chan struct{})
	go func() {
		for _, c := range coords {
			c.Wait()
		}
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracker close wait: %w", ctx.Err())
	}
}
