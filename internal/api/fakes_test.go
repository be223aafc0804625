package api

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/genprogress/internal/config"
	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/tracker"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// chanStream is a push stream fed by tests.
type chanStream struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *chanStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.msgs:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// pushByTask hands out one stream per task id.
type pushByTask struct {
	mu      sync.Mutex
	streams map[string]*chanStream
}

func (p *pushByTask) stream(taskID string) *chanStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streams == nil {
		p.streams = make(map[string]*chanStream)
	}
	s, ok := p.streams[taskID]
	if !ok {
		s = newChanStream()
		p.streams[taskID] = s
	}
	return s
}

func (p *pushByTask) Open(_ context.Context, taskID string) (progress.Stream, error) {
	return p.stream(taskID), nil
}

// switchStatus reports in_progress until finish is called.
type switchStatus struct {
	done   atomic.Bool
	result map[string]any
}

func (s *switchStatus) Status(ctx context.Context, _ string) (progress.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return progress.StatusReport{}, err
	}
	if s.done.Load() {
		return progress.StatusReport{Status: progress.StatusCompleted, Result: s.result}, nil
	}
	return progress.StatusReport{Status: progress.StatusInProgress}, nil
}

func (s *switchStatus) finish(result map[string]any) {
	s.result = result
	s.done.Store(true)
}

type testEnv struct {
	server *Server
	tr     *tracker.Tracker
	push   *pushByTask
	status *switchStatus
}

func newTestEnv(t *testing.T, cfg config.Config, opts ...Option) *testEnv {
	t.Helper()
	push := &pushByTask{}
	status := &switchStatus{}
	tr, err := tracker.New(tracker.Deps{Push: push, Status: status}, tracker.Options{
		PollInterval:       10 * time.Millisecond,
		PollWhileStreaming: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, tr.Close(ctx))
	})
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 50 * time.Millisecond
	}
	return &testEnv{
		server: NewServer(tr, cfg, nil, opts...),
		tr:     tr,
		push:   push,
		status: status,
	}
}
