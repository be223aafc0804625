package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/genprogress/internal/phase"
	"github.com/JakeFAU/genprogress/internal/progress"
)

func newTestTracker(t *testing.T, deps Deps, opts Options) *Tracker {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = testPoll
	}
	tr, err := New(deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, tr.Close(ctx))
	})
	return tr
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatalf("coordinator did not finish, mode=%s", c.Mode())
	}
	c.Wait()
}

// TestCoordinatorStreamCloseFallsBackToPolling covers a stream that ends with
// no terminal status: the coordinator polls until completion and reports the
// outcome exactly once.
func TestCoordinatorStreamCloseFallsBackToPolling(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	status := newFakeStatus(
		inProgress(),
		statusReply{report: progress.StatusReport{
			Status: progress.StatusCompleted,
			Result: map[string]any{"id": "path-1"},
		}},
	)
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: status}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-1", Config{EstimatedTotalTime: time.Minute})
	require.NoError(t, err)

	var terminals atomic.Int32
	var got progress.Outcome
	c.OnTerminal(func(o progress.Outcome) {
		terminals.Add(1)
		got = o
	})
	seen := &updates{}
	c.OnUpdate(seen.add)

	stream.Send(`{"phase":"modules","action":"processing","overall_progress":0.4}`)
	require.Eventually(t, func() bool {
		return seen.Last().CurrentPhase == phase.Modules
	}, waitFor, tick)
	stream.End()

	waitDone(t, c)
	time.Sleep(3 * testPoll)

	require.EqualValues(t, 1, terminals.Load())
	require.Equal(t, progress.OutcomeCompleted, got.Kind)
	require.Equal(t, "path-1", got.Result["id"])
	require.Equal(t, progress.ModeCompleted, c.Mode())
	require.True(t, seen.Any(func(s progress.Snapshot) bool { return s.Mode == progress.ModePolling && s.Degraded }))
	require.GreaterOrEqual(t, status.calls.Load(), int32(2))

	snap := c.Snapshot()
	require.Equal(t, phase.Modules, snap.CurrentPhase)
	require.InDelta(t, 0.4, snap.OverallProgress, 1e-12)
}

// TestCoordinatorAbandonBlocksBufferedMessages verifies nothing is applied
// or delivered after Abandon returns.
func TestCoordinatorAbandonBlocksBufferedMessages(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	status := newFakeStatus()
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: status}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-2", Config{})
	require.NoError(t, err)
	seen := &updates{}
	c.OnUpdate(seen.add)
	var terminals atomic.Int32
	c.OnTerminal(func(progress.Outcome) { terminals.Add(1) })

	stream.Send(`{"phase":"search_queries","message":"first"}`)
	require.Eventually(t, func() bool { return seen.Last().LastMessage == "first" }, waitFor, tick)

	c.Abandon()
	require.True(t, stream.IsClosed())
	require.Equal(t, progress.ModeAbandoned, c.Mode())

	stream.Send(`{"phase":"modules","message":"late"}`)
	c.Abandon()
	waitDone(t, c)

	require.False(t, seen.Any(func(s progress.Snapshot) bool { return s.LastMessage == "late" }))
	require.Equal(t, "first", c.Snapshot().LastMessage)
	require.Zero(t, terminals.Load())
	_, ok := c.Outcome()
	require.False(t, ok)
	require.EqualValues(t, 1, stream.closes.Load())

	calls := status.calls.Load()
	time.Sleep(5 * testPoll)
	require.Equal(t, calls, status.calls.Load())
}

// TestCoordinatorFailedWithoutDetail falls back to the generic message.
func TestCoordinatorFailedWithoutDetail(t *testing.T) {
	t.Parallel()

	status := newFakeStatus(statusReply{report: progress.StatusReport{Status: progress.StatusFailed}})
	results := &fakeResults{report: progress.StatusReport{Status: progress.StatusFailed}}
	tr := newTestTracker(t, Deps{Status: status, Results: results}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-3", Config{})
	require.NoError(t, err)
	waitDone(t, c)

	out, ok := c.Outcome()
	require.True(t, ok)
	require.Equal(t, progress.OutcomeFailed, out.Kind)
	require.Equal(t, progress.DefaultFailureMessage, out.Error)
	require.Equal(t, progress.ModeFailed, c.Mode())
	require.EqualValues(t, 1, results.calls.Load())
}

// TestCoordinatorFailedWithDetailSkipsFetch uses the error carried by the status.
func TestCoordinatorFailedWithDetailSkipsFetch(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	results := &fakeResults{}
	tr := newTestTracker(t, Deps{
		Push:    &fakePush{stream: stream},
		Status:  newFakeStatus(),
		Results: results,
	}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-4", Config{})
	require.NoError(t, err)
	stream.Send(`{"status":"failed","error":{"message":"model quota exceeded"}}`)
	waitDone(t, c)

	out, _ := c.Outcome()
	require.Equal(t, "model quota exceeded", out.Error)
	require.Zero(t, results.calls.Load())
	require.True(t, stream.IsClosed())
}

// TestCoordinatorCompletedFetchesResultOnce issues a single result request.
func TestCoordinatorCompletedFetchesResultOnce(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	results := &fakeResults{report: progress.StatusReport{
		Status: progress.StatusCompleted,
		Result: map[string]any{"title": "Go concurrency"},
	}}
	emitter := &recordingEmitter{}
	tr := newTestTracker(t, Deps{
		Push:    &fakePush{stream: stream},
		Status:  newFakeStatus(),
		Results: results,
		Emitter: emitter,
	}, Options{PollWhileStreaming: true})

	c, err := tr.Subscribe(context.Background(), "task-5", Config{})
	require.NoError(t, err)
	stream.Send(`{"phase":"final_assembly","overall_progress":0.95}`)
	stream.Send(`{"status":"completed","phase":"completion","overall_progress":1}`)
	waitDone(t, c)

	out, ok := c.Outcome()
	require.True(t, ok)
	require.Equal(t, "Go concurrency", out.Result["title"])
	require.EqualValues(t, 1, results.calls.Load())

	snap := c.Snapshot()
	require.True(t, snap.IsComplete)
	require.Equal(t, phase.Completion, snap.CurrentPhase)
	require.True(t, snap.HasCompleted(phase.FinalAssembly))

	recs := emitter.Records()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	require.Equal(t, progress.RecordTerminal, last.Kind)
	require.Equal(t, "task-5", last.TaskID)
	require.Equal(t, progress.OutcomeCompleted, last.Outcome.Kind)
	terminal := 0
	for _, r := range recs {
		if r.Kind == progress.RecordTerminal {
			terminal++
		}
	}
	require.Equal(t, 1, terminal)
}

// TestCoordinatorResultFetchFailure reports the fetch error as a failure.
func TestCoordinatorResultFetchFailure(t *testing.T) {
	t.Parallel()

	status := newFakeStatus(statusReply{report: progress.StatusReport{Status: progress.StatusCompleted}})
	results := &fakeResults{err: errors.New("connection reset")}
	tr := newTestTracker(t, Deps{Status: status, Results: results}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-6", Config{})
	require.NoError(t, err)
	waitDone(t, c)

	out, _ := c.Outcome()
	require.Equal(t, progress.OutcomeFailed, out.Kind)
	require.Contains(t, out.Error, "connection reset")
	require.Equal(t, progress.ModeFailed, c.Mode())
}

// TestCoordinatorPollErrorsRetried keeps polling through transient errors.
func TestCoordinatorPollErrorsRetried(t *testing.T) {
	t.Parallel()

	status := newFakeStatus(
		statusReply{err: errors.New("dial tcp: timeout")},
		statusReply{err: errors.New("dial tcp: timeout")},
		statusReply{report: progress.StatusReport{
			Status:   progress.StatusInProgress,
			Progress: &progress.Event{Phase: phase.WebSearches, OverallProgress: progress.Float(0.2)},
		}},
		statusReply{report: progress.StatusReport{Status: progress.StatusCompleted, Result: map[string]any{}}},
	)
	tr := newTestTracker(t, Deps{Status: status}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-7", Config{})
	require.NoError(t, err)
	seen := &updates{}
	c.OnUpdate(seen.add)
	waitDone(t, c)

	require.EqualValues(t, 4, status.calls.Load())
	out, _ := c.Outcome()
	require.Equal(t, progress.OutcomeCompleted, out.Kind)
	final := c.Snapshot()
	require.False(t, final.Degraded)
	require.Equal(t, phase.WebSearches, final.CurrentPhase)
}

// TestCoordinatorDropsMalformedMessages keeps streaming past bad payloads.
func TestCoordinatorDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: newFakeStatus()}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-8", Config{})
	require.NoError(t, err)
	stream.Send(`not json`)
	stream.Send(`{"overall_progress":"lots"}`)
	stream.Send(`{"phase":"submodules","overall_progress":0.5,"preview_data":{"submodules":3}}`)
	stream.Send(`{"status":"completed","result":{"ok":true}}`)
	waitDone(t, c)

	snap := c.Snapshot()
	require.Equal(t, phase.Submodules, snap.CurrentPhase)
	require.Equal(t, 3.0, snap.Previews.Get(phase.Submodules)["submodules"])
	out, _ := c.Outcome()
	require.Equal(t, true, out.Result["ok"])
}

// TestCoordinatorMergesStreamAndPoll applies inputs from both channels.
func TestCoordinatorMergesStreamAndPoll(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	status := newFakeStatus(
		statusReply{report: progress.StatusReport{
			Status:   progress.StatusInProgress,
			Progress: &progress.Event{Phase: phase.Modules, OverallProgress: progress.Float(0.35)},
		}},
		inProgress(),
	)
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: status}, Options{PollWhileStreaming: true})

	c, err := tr.Subscribe(context.Background(), "task-9", Config{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().CurrentPhase == phase.Modules }, waitFor, tick)

	stream.Send(`{"phase":"web_searches","overall_progress":0.2,"message":"late stream message"}`)
	require.Eventually(t, func() bool {
		return c.Snapshot().LastMessage == "late stream message"
	}, waitFor, tick)

	snap := c.Snapshot()
	require.InDelta(t, 0.35, snap.OverallProgress, 1e-12)
	require.Equal(t, progress.ModeStreaming, snap.Mode)
}

// TestCoordinatorOpenFailurePolls treats a failed connect like a dropped stream.
func TestCoordinatorOpenFailurePolls(t *testing.T) {
	t.Parallel()

	push := &fakePush{err: errors.New("502 bad gateway")}
	status := newFakeStatus(statusReply{report: progress.StatusReport{
		Status: progress.StatusCompleted,
		Result: map[string]any{"n": 1},
	}})
	tr := newTestTracker(t, Deps{Push: push, Status: status}, Options{})

	c, err := tr.Subscribe(context.Background(), "task-10", Config{})
	require.NoError(t, err)
	waitDone(t, c)

	require.EqualValues(t, 1, push.opens.Load())
	require.Equal(t, progress.ModeCompleted, c.Mode())
}

// TestCoordinatorLateRegistrationReplays hands late subscribers the latest values.
func TestCoordinatorLateRegistrationReplays(t *testing.T) {
	t.Parallel()

	status := newFakeStatus(statusReply{report: progress.StatusReport{
		Status: progress.StatusCompleted,
		Result: map[string]any{"done": true},
	}})
	tr := newTestTracker(t, Deps{Status: status}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-11", Config{})
	require.NoError(t, err)
	waitDone(t, c)

	var out progress.Outcome
	c.OnTerminal(func(o progress.Outcome) { out = o })
	require.Equal(t, true, out.Result["done"])

	var snap progress.Snapshot
	c.OnUpdate(func(s progress.Snapshot) { snap = s })
	require.Equal(t, progress.ModeCompleted, snap.Mode)
	require.Equal(t, "task-11", snap.TaskID)
	require.NotEmpty(t, snap.AttemptID)
}

// TestCoordinatorContextCancelAbandons ties the attempt to the subscribe context.
func TestCoordinatorContextCancelAbandons(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: newFakeStatus()}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	c, err := tr.Subscribe(ctx, "task-12", Config{})
	require.NoError(t, err)
	cancel()

	waitDone(t, c)
	require.Equal(t, progress.ModeAbandoned, c.Mode())
}

// TestCoordinatorETAFloor reports the configured estimate before progress accrues.
func TestCoordinatorETAFloor(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, Deps{Status: newFakeStatus()}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-13", Config{EstimatedTotalTime: 90 * time.Second})
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Equal(t, 90.0, snap.TimeRemainingSeconds)
	require.Equal(t, phase.Initialization, snap.CurrentPhase)
	require.Zero(t, snap.MarkerPosition)
}

// TestCoordinatorUnregisterUpdate stops delivery to removed listeners.
func TestCoordinatorUnregisterUpdate(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: newFakeStatus()}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-14", Config{})
	require.NoError(t, err)

	kept, removed := &updates{}, &updates{}
	c.OnUpdate(kept.add)
	cancel := c.OnUpdate(removed.add)
	require.Len(t, removed.All(), 1)
	cancel()
	cancel()

	stream.Send(`{"phase":"web_searches","overall_progress":0.2}`)
	require.Eventually(t, func() bool {
		return kept.Last().CurrentPhase == phase.WebSearches
	}, waitFor, tick)
	require.Len(t, removed.All(), 1)
}

// TestCoordinatorSnapshotDuringStreamClose keeps readers unblocked while Abandon
// waits on a slow stream Close.
func TestCoordinatorSnapshotDuringStreamClose(t *testing.T) {
	t.Parallel()

	stream := newSlowCloseStream()
	push := progressPushFunc(func(context.Context, string) (progress.Stream, error) {
		return stream, nil
	})
	tr := newTestTracker(t, Deps{Push: push, Status: newFakeStatus()}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-15", Config{})
	require.NoError(t, err)

	stream.Send(`{"phase":"web_searches","overall_progress":0.2}`)
	require.Eventually(t, func() bool { return c.Snapshot().CurrentPhase == phase.WebSearches }, waitFor, tick)

	abandoned := make(chan struct{})
	go func() {
		defer close(abandoned)
		c.Abandon()
	}()
	select {
	case <-stream.closing:
	case <-time.After(waitFor):
		t.Fatal("stream was not closed")
	}

	read := make(chan progress.Snapshot, 1)
	go func() { read <- c.Snapshot() }()
	select {
	case snap := <-read:
		require.Equal(t, progress.ModeAbandoned, snap.Mode)
	case <-time.After(waitFor):
		t.Fatal("Snapshot blocked behind stream Close")
	}
	require.Equal(t, progress.ModeAbandoned, c.Mode())

	close(stream.release)
	select {
	case <-abandoned:
	case <-time.After(waitFor):
		t.Fatal("Abandon did not return")
	}
	waitDone(t, c)
	require.True(t, stream.IsClosed())
}

// TestCoordinatorConcurrentListenersSeeMonotonicProgress registers listeners
// while the stream is delivering and checks none of them moves backwards.
func TestCoordinatorConcurrentListenersSeeMonotonicProgress(t *testing.T) {
	t.Parallel()

	const events = 200
	stream := newFakeStream()
	tr := newTestTracker(t, Deps{Push: &fakePush{stream: stream}, Status: newFakeStatus()}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-16", Config{})
	require.NoError(t, err)

	go func() {
		for i := 1; i <= events; i++ {
			stream.Send(fmt.Sprintf(`{"phase":"web_searches","overall_progress":%g,"message":"e%d"}`,
				0.9*float64(i)/events, i))
		}
	}()

	listeners := make([]*updates, 32)
	var wg sync.WaitGroup
	for i := range listeners {
		listeners[i] = &updates{}
		wg.Add(1)
		go func(u *updates) {
			defer wg.Done()
			c.OnUpdate(u.add)
		}(listeners[i])
	}
	wg.Wait()

	last := fmt.Sprintf("e%d", events)
	require.Eventually(t, func() bool { return c.Snapshot().LastMessage == last }, waitFor, tick)

	for i, u := range listeners {
		seen := u.All()
		for j := 1; j < len(seen); j++ {
			require.GreaterOrEqual(t, seen[j].OverallProgress, seen[j-1].OverallProgress,
				"listener %d went backwards at update %d", i, j)
		}
	}
}

// TestCoordinatorAbandonRecordIsLast checks no update record reaches the
// emitter after the abandoned one.
func TestCoordinatorAbandonRecordIsLast(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	emitter := &recordingEmitter{}
	tr := newTestTracker(t, Deps{
		Push:    &fakePush{stream: stream},
		Status:  newFakeStatus(),
		Emitter: emitter,
	}, Options{})
	c, err := tr.Subscribe(context.Background(), "task-17", Config{})
	require.NoError(t, err)

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 1; i <= 100; i++ {
			select {
			case stream.msgs <- []byte(fmt.Sprintf(`{"phase":"web_searches","message":"m%d"}`, i)):
			case <-stream.closed:
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return len(emitter.Records()) > 5 }, waitFor, tick)

	c.Abandon()
	select {
	case <-sent:
	case <-time.After(waitFor):
		t.Fatal("sender did not stop")
	}
	waitDone(t, c)

	recs := emitter.Records()
	require.NotEmpty(t, recs)
	require.Equal(t, progress.ModeAbandoned, recs[len(recs)-1].Snapshot.Mode)
	for _, r := range recs[:len(recs)-1] {
		require.NotEqual(t, progress.ModeAbandoned, r.Snapshot.Mode)
	}
}
