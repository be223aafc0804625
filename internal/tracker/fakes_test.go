package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/genprogress/internal/progress"
)

var errStreamClosed = errors.New("stream closed")

type fakeStream struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Send(payload string) {
	s.msgs <- []byte(payload)
}

// End simulates the server closing the stream.
func (s *fakeStream) End() {
	close(s.msgs)
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.msgs:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-s.closed:
		return nil, errStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// slowCloseStream holds Close until release is closed.
type slowCloseStream struct {
	*fakeStream
	closing     chan struct{}
	closingOnce sync.Once
	release     chan struct{}
}

func newSlowCloseStream() *slowCloseStream {
	return &slowCloseStream{
		fakeStream: newFakeStream(),
		closing:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *slowCloseStream) Close() error {
	s.closingOnce.Do(func() { close(s.closing) })
	<-s.release
	return s.fakeStream.Close()
}

type fakePush struct {
	stream *fakeStream
	err    error
	opens  atomic.Int32
}

func (p *fakePush) Open(context.Context, string) (progress.Stream, error) {
	p.opens.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

type statusReply struct {
	report progress.StatusReport
	err    error
}

// fakeStatus replays scripted replies and repeats the last one forever.
type fakeStatus struct {
	mu      sync.Mutex
	replies []statusReply
	calls   atomic.Int32
}

func newFakeStatus(replies ...statusReply) *fakeStatus {
	return &fakeStatus{replies: replies}
}

func (s *fakeStatus) Status(ctx context.Context, _ string) (progress.StatusReport, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return progress.StatusReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return progress.StatusReport{Status: progress.StatusInProgress}, nil
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r.report, r.err
}

func inProgress() statusReply {
	return statusReply{report: progress.StatusReport{Status: progress.StatusInProgress}}
}

type fakeResults struct {
	report progress.StatusReport
	err    error
	calls  atomic.Int32
}

func (r *fakeResults) Result(context.Context, string) (progress.StatusReport, error) {
	r.calls.Add(1)
	return r.report, r.err
}

type recordingEmitter struct {
	mu   sync.Mutex
	recs []progress.Record
}

func (e *recordingEmitter) Emit(rec progress.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, rec)
}

func (e *recordingEmitter) Records() []progress.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Record(nil), e.recs...)
}

// updates collects snapshots delivered to OnUpdate.
type updates struct {
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (u *updates) add(s progress.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snaps = append(u.snaps, s)
}

func (u *updates) All() []progress.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]progress.Snapshot(nil), u.snaps...)
}

func (u *updates) Last() progress.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.snaps) == 0 {
		return progress.Snapshot{}
	}
	return u.snaps[len(u.snaps)-1]
}

func (u *updates) Any(pred func(progress.Snapshot) bool) bool {
	for _, s := range u.All() {
		if pred(s) {
			return true
		}
	}
	return false
}

const (
	testPoll = 10 * time.Millisecond
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)
