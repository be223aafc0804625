package progress

import "context"

// Sink consumes batches of records. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Record) error
	Close(ctx context.Context) error
}

// Emitter publishes individual records; Hub satisfies this interface so the
// tracker stays agnostic about how records are buffered or persisted.
type Emitter interface {
	Emit(rec Record)
}

// NopEmitter discards every record.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Record) {}
