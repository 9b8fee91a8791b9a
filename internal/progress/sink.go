package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. The orchestrator and the rate limiter
// hook only see this interface.
type Emitter interface {
	Emit(evt Event)
}

// Syncer is an Emitter that can confirm delivery and account for events it
// had to drop. Hub implements it.
type Syncer interface {
	Emitter
	Sync(ctx context.Context) error
	TakeDropped(cycle [16]byte) int64
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
