package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/metrics"
	"github.com/JakeFAU/genprogress/internal/progress"
)

// Coordinator tracks a single task attempt. All reductions happen under one
// mutex so stream and poll inputs are applied to the same State in arrival
// order. Callbacks run on the goroutine that produced the update and must not
// block for long.
type Coordinator struct {
	taskID    string
	attemptID string
	cfg       Config

	push      progress.PushSource
	status    progress.StatusSource
	results   ResultSource
	reducer   progress.Reducer
	estimator progress.Estimator
	clock     progress.Clock
	emitter   progress.Emitter
	logger    *zap.Logger

	pollWhileStreaming bool

	// ctx spans the attempt; transportCtx ends as soon as reconciliation starts.
	ctx             context.Context
	cancel          context.CancelFunc
	transportCtx    context.Context
	transportCancel context.CancelFunc
	stopWatch       func() bool

	mu          sync.Mutex
	state       progress.State
	snap        progress.Snapshot
	seq         uint64
	mode        progress.Mode
	streamLost  bool
	pollFailing bool
	stream      progress.Stream
	polling     bool
	pollTimer   *time.Timer
	outcome     *progress.Outcome
	onUpdate    []updateListener
	listenerSeq uint64
	onTerminal  []func(progress.Outcome)

	deliverMu sync.Mutex
	delivered uint64

	abandoned atomic.Bool
	pollNow   chan struct{}
	wg        sync.WaitGroup
	doneOnce  sync.Once
	done      chan struct{}
}

type coordinatorDeps struct {
	push               progress.PushSource
	status             progress.StatusSource
	results            ResultSource
	reducer            progress.Reducer
	clock              progress.Clock
	emitter            progress.Emitter
	logger             *zap.Logger
	pollWhileStreaming bool
}

func newCoordinator(ctx context.Context, taskID, attemptID string, cfg Config, deps coordinatorDeps) *Coordinator {
	c := &Coordinator{
		taskID:             taskID,
		attemptID:          attemptID,
		cfg:                cfg,
		push:               deps.push,
		status:             deps.status,
		results:            deps.results,
		reducer:            deps.reducer,
		estimator:          progress.Estimator{EstimatedTotal: cfg.EstimatedTotalTime},
		clock:              deps.clock,
		emitter:            deps.emitter,
		logger:             deps.logger.With(zap.String("task_id", taskID), zap.String("attempt_id", attemptID)),
		pollWhileStreaming: deps.pollWhileStreaming,
		mode:               progress.ModeIdle,
		pollNow:            make(chan struct{}, 1),
		done:               make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.transportCtx, c.transportCancel = context.WithCancel(c.ctx)
	c.state = c.reducer.Initial(c.clock.Now())
	c.stopWatch = context.AfterFunc(ctx, c.Abandon)
	return c
}

// TaskID returns the tracked task id.
func (c *Coordinator) TaskID() string { return c.taskID }

// AttemptID returns the id of this tracking attempt.
func (c *Coordinator) AttemptID() string { return c.attemptID }

// start moves the coordinator out of Idle and launches its goroutines.
func (c *Coordinator) start() {
	c.mu.Lock()
	if c.mode != progress.ModeIdle {
		c.mu.Unlock()
		return
	}
	if c.push != nil {
		c.mode = progress.ModeStreaming
		c.wg.Add(1)
		go c.readStream()
		if c.pollWhileStreaming {
			c.startPollingLocked(c.cfg.PollInterval)
		}
	} else {
		c.mode = progress.ModePolling
		c.startPollingLocked(0)
	}
	u := c.composeLocked()
	c.mu.Unlock()

	c.logger.Info("tracking started", zap.String("mode", string(u.snap.Mode)))
	c.publish(u)
}

type updateListener struct {
	id uint64
	fn func(progress.Snapshot)
}

// OnUpdate registers fn for every applied update. The latest delivered
// snapshot is replayed to fn immediately. The returned func unregisters fn.
// fn must not call OnUpdate or Abandon.
func (c *Coordinator) OnUpdate(fn func(progress.Snapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	// Registering under deliverMu orders the replay before any newer publish.
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.onUpdate = append(c.onUpdate, updateListener{id: id, fn: fn})
	snap, seq := c.snap, c.seq
	c.mu.Unlock()
	// When seq is ahead of delivered its publish is still pending and will
	// reach fn, so replaying now would only duplicate it.
	if seq > 0 && seq == c.delivered && !c.abandoned.Load() {
		fn(snap)
	}
	return func() { c.removeListener(id) }
}

func (c *Coordinator) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.onUpdate {
		if l.id == id {
			c.onUpdate = append(c.onUpdate[:i:i], c.onUpdate[i+1:]...)
			return
		}
	}
}

// OnTerminal registers fn for the terminal outcome. When the outcome is
// already known fn is called immediately. Each fn runs at most once.
func (c *Coordinator) OnTerminal(fn func(progress.Outcome)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.outcome != nil {
		out := *c.outcome
		c.mu.Unlock()
		fn(out)
		return
	}
	c.onTerminal = append(c.onTerminal, fn)
	c.mu.Unlock()
}

// Snapshot returns the latest view with the ETA evaluated now.
func (c *Coordinator) Snapshot() progress.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Mode returns the current transport state.
func (c *Coordinator) Mode() progress.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Outcome returns the terminal outcome once known.
func (c *Coordinator) Outcome() (progress.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return progress.Outcome{}, false
	}
	return *c.outcome, true
}

// Done is closed once the coordinator completes, fails, or is abandoned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until every goroutine owned by the coordinator has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Abandon stops tracking. The stream is closed and the poll timer stopped
// before Abandon returns; no later message is applied or delivered. Calling
// Abandon on a finished coordinator is a no-op.
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	if c.mode.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.abandoned.Store(true)
	c.mode = progress.ModeAbandoned
	stream := c.detachStreamLocked()
	c.stopPollLocked()
	c.transportCancel()
	c.cancel()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.closeStream(stream)
	c.stopWatch()
	c.logger.Info("tracking abandoned")
	// Any publish that passed the abandoned check has already emitted.
	c.deliverMu.Lock()
	c.emit(progress.Record{
		TaskID:   c.taskID,
		TS:       snap.UpdatedAt,
		Kind:     progress.RecordUpdate,
		Snapshot: snap,
	})
	c.deliverMu.Unlock()
	c.closeDone()
}

type update struct {
	seq  uint64
	snap progress.Snapshot
}

func (c *Coordinator) snapshotLocked() progress.Snapshot {
	snap := progress.Compose(c.state, c.estimator, c.reducer.Registry(), c.clock.Now())
	snap.TaskID = c.taskID
	snap.AttemptID = c.attemptID
	snap.Mode = c.mode
	snap.Degraded = c.streamLost || c.pollFailing
	return snap
}

func (c *Coordinator) composeLocked() update {
	c.seq++
	c.snap = c.snapshotLocked()
	return update{seq: c.seq, snap: c.snap}
}

// publish emits the update as a record and hands it to callbacks. Updates
// older than one already delivered, or composed before Abandon, are skipped
// by both.
func (c *Coordinator) publish(u update) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if u.seq <= c.delivered || c.abandoned.Load() {
		return
	}
	c.delivered = u.seq
	c.emit(progress.Record{
		TaskID:   c.taskID,
		TS:       u.snap.UpdatedAt,
		Kind:     progress.RecordUpdate,
		Snapshot: u.snap,
	})
	c.mu.Lock()
	listeners := append([]updateListener(nil), c.onUpdate...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.fn(u.snap)
	}
}

func (c *Coordinator) emit(rec progress.Record) {
	if c.emitter != nil {
		c.emitter.Emit(rec)
	}
}

// apply folds msg into the state. It reports a terminal status that the
// caller must reconcile, and false when the coordinator no longer accepts
// input.
func (c *Coordinator) apply(msg progress.Message) (*progress.StatusReport, bool) {
	c.mu.Lock()
	if c.mode.IsTerminal() || c.mode == progress.ModeReconciling {
		c.mu.Unlock()
		return nil, false
	}
	var (
		u       update
		changed bool
		report  *progress.StatusReport
		stream  progress.Stream
	)
	if msg.Event != nil {
		c.state = c.reducer.Reduce(c.state, *msg.Event)
		changed = true
	}
	if msg.Status != nil && msg.Status.Status.IsTerminal() {
		c.mode = progress.ModeReconciling
		stream = c.detachStreamLocked()
		c.stopPollLocked()
		c.transportCancel()
		report = msg.Status
		changed = true
	}
	if changed {
		u = c.composeLocked()
	}
	c.mu.Unlock()

	c.closeStream(stream)
	if changed {
		c.publish(u)
	}
	return report, true
}

// handle applies msg and, for a terminal status, reconciles the outcome on
// the calling goroutine. It returns false when input should stop.
func (c *Coordinator) handle(msg progress.Message) bool {
	report, ok := c.apply(msg)
	if !ok {
		return false
	}
	if report != nil {
		c.reconcile(*report)
		return false
	}
	return true
}

func (c *Coordinator) readStream() {
	defer c.wg.Done()

	stream, err := c.push.Open(c.transportCtx, c.taskID)
	if err != nil {
		c.streamFailed(fmt.Errorf("open stream: %w", err))
		return
	}
	c.mu.Lock()
	if c.mode != progress.ModeStreaming {
		c.mu.Unlock()
		_ = stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	for {
		data, err := stream.Recv(c.transportCtx)
		if err != nil {
			c.streamFailed(err)
			return
		}
		msg, err := progress.ParseMessage(data)
		if err != nil {
			metrics.ObserveStreamMessage(metrics.MessageMalformed)
			c.logger.Warn("dropping malformed progress message", zap.Error(err), zap.ByteString("payload", truncate(data)))
			continue
		}
		metrics.ObserveStreamMessage(metrics.MessageApplied)
		if !c.handle(msg) {
			return
		}
	}
}

// streamFailed switches to polling unless the coordinator already stopped
// listening to the stream.
func (c *Coordinator) streamFailed(err error) {
	c.mu.Lock()
	if c.mode != progress.ModeStreaming {
		c.mu.Unlock()
		return
	}
	stream := c.detachStreamLocked()
	c.mode = progress.ModePolling
	c.streamLost = true
	c.startPollingLocked(0)
	u := c.composeLocked()
	c.mu.Unlock()

	c.closeStream(stream)
	metrics.ObserveFallback()
	if errors.Is(err, io.EOF) {
		c.logger.Info("progress stream closed before terminal status, polling")
	} else {
		c.logger.Warn("progress stream failed, polling", zap.Error(err))
	}
	c.publish(u)
}

// startPollingLocked starts the poller after delay, or asks a running poller
// to check immediately.
func (c *Coordinator) startPollingLocked(delay time.Duration) {
	if c.polling {
		if delay == 0 {
			select {
			case c.pollNow <- struct{}{}:
			default:
			}
		}
		return
	}
	c.polling = true
	c.pollTimer = time.NewTimer(delay)
	c.wg.Add(1)
	go c.pollLoop(c.pollTimer)
}

func (c *Coordinator) pollLoop(timer *time.Timer) {
	defer c.wg.Done()
	for {
		select {
		case <-c.transportCtx.Done():
			return
		case <-c.pollNow:
			c.mu.Lock()
			timer.Stop()
			c.mu.Unlock()
		case <-timer.C:
		}
		if !c.pollOnce() {
			return
		}
		c.mu.Lock()
		if c.mode.IsTerminal() || c.mode == progress.ModeReconciling {
			c.mu.Unlock()
			return
		}
		timer.Reset(c.cfg.PollInterval)
		c.mu.Unlock()
	}
}

// pollOnce performs one status request. Errors are retried on the next tick.
func (c *Coordinator) pollOnce() bool {
	report, err := c.status.Status(c.transportCtx, c.taskID)
	if err != nil {
		if c.transportCtx.Err() != nil {
			return false
		}
		metrics.ObservePoll(metrics.PollError)
		c.logger.Warn("status poll failed", zap.Error(err))
		c.setPollFailing(true)
		return true
	}
	metrics.ObservePoll(metrics.PollOK)
	c.setPollFailing(false)
	return c.handle(progress.Message{Event: report.Progress, Status: &report})
}

func (c *Coordinator) setPollFailing(failing bool) {
	c.mu.Lock()
	if c.pollFailing == failing || c.mode.IsTerminal() || c.mode == progress.ModeReconciling {
		c.mu.Unlock()
		return
	}
	c.pollFailing = failing
	u := c.composeLocked()
	c.mu.Unlock()
	c.publish(u)
}

// reconcile resolves the terminal outcome, fetching the result at most once.
func (c *Coordinator) reconcile(report progress.StatusReport) {
	c.logger.Info("terminal status observed", zap.String("status", string(report.Status)))
	outcome := c.resolve(report)
	c.finish(outcome)
}

func (c *Coordinator) resolve(report progress.StatusReport) progress.Outcome {
	switch report.Status {
	case progress.StatusCompleted:
		if report.Result != nil {
			return progress.Completed(report.Result)
		}
		final, err := c.results.Result(c.ctx, c.taskID)
		metrics.ObserveResultFetch(err == nil)
		if err != nil {
			return progress.Failed(fmt.Errorf("fetch result: %w", err).Error())
		}
		if final.Status == progress.StatusFailed {
			return progress.Failed(final.ErrorMessage())
		}
		return progress.Completed(final.Result)
	default:
		if msg := report.ErrorMessage(); msg != "" {
			return progress.Failed(msg)
		}
		final, err := c.results.Result(c.ctx, c.taskID)
		metrics.ObserveResultFetch(err == nil)
		if err != nil {
			c.logger.Warn("fetch error detail failed", zap.Error(err))
			return progress.Failed("")
		}
		return progress.Failed(final.ErrorMessage())
	}
}

func (c *Coordinator) finish(outcome progress.Outcome) {
	c.mu.Lock()
	if c.mode != progress.ModeReconciling {
		c.mu.Unlock()
		return
	}
	if outcome.Kind == progress.OutcomeCompleted {
		c.mode = progress.ModeCompleted
	} else {
		c.mode = progress.ModeFailed
	}
	c.outcome = &outcome
	u := c.composeLocked()
	fns := c.onTerminal
	c.onTerminal = nil
	c.cancel()
	c.mu.Unlock()

	c.stopWatch()
	if outcome.Kind == progress.OutcomeCompleted {
		c.logger.Info("task completed")
	} else {
		c.logger.Warn("task failed", zap.String("error", outcome.Error))
	}
	c.publish(u)
	c.emit(progress.Record{
		TaskID:   c.taskID,
		TS:       u.snap.UpdatedAt,
		Kind:     progress.RecordTerminal,
		Snapshot: u.snap,
		Outcome:  &outcome,
	})
	for _, fn := range fns {
		fn(outcome)
	}
	c.closeDone()
}

// detachStreamLocked hands the open stream to the caller, who closes it after
// releasing mu. Close may wait on the network.
func (c *Coordinator) detachStreamLocked() progress.Stream {
	s := c.stream
	c.stream = nil
	return s
}

func (c *Coordinator) closeStream(s progress.Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Debug("close progress stream", zap.Error(err))
	}
}

func (c *Coordinator) stopPollLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
}

func (c *Coordinator) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

const maxLoggedPayload = 256

func truncate(data []byte) []byte {
	if len(data) > maxLoggedPayload {
		return data[:maxLoggedPayload]
	}
	return data
}
