package progress

import (
	"context"
	"time"
)

// Stream is an open push channel for one task. Recv blocks until the next
// raw payload arrives and returns io.EOF once the server closes the stream.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// PushSource opens push channels keyed by task id.
type PushSource interface {
	Open(ctx context.Context, taskID string) (Stream, error)
}

// StatusSource fetches the current status report of a task.
type StatusSource interface {
	Status(ctx context.Context, taskID string) (StatusReport, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
