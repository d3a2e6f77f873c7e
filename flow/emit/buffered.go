package emit

import (
	"context"
	"sync"
)

// BufferedEmitter collects events in memory and forwards them to a target
// emitter in batches. It amortizes backend round-trips for high-volume
// flows; call Flush before shutdown to avoid losing the tail of the buffer.
type BufferedEmitter struct {
	mu       sync.Mutex
	target   Emitter
	buffer   []Event
	capacity int
}

// NewBufferedEmitter wraps target with a buffer of the given capacity.
// When the buffer fills, it is flushed to the target synchronously.
// A capacity below 1 defaults to 64.
func NewBufferedEmitter(target Emitter, capacity int) *BufferedEmitter {
	if capacity < 1 {
		capacity = 64
	}
	return &BufferedEmitter{
		target:   target,
		buffer:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Emit appends the event, flushing to the target when the buffer is full.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.buffer = append(b.buffer, event)
	var pending []Event
	if len(b.buffer) >= b.capacity {
		pending = b.buffer
		b.buffer = make([]Event, 0, b.capacity)
	}
	b.mu.Unlock()

	if pending != nil {
		_ = b.target.EmitBatch(context.Background(), pending)
	}
}

// EmitBatch appends all events, flushing as needed.
func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		b.Emit(event)
	}
	return nil
}

// Flush drains the buffer to the target and flushes the target itself.
func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buffer
	b.buffer = make([]Event, 0, b.capacity)
	b.mu.Unlock()

	if len(pending) > 0 {
		if err := b.target.EmitBatch(ctx, pending); err != nil {
			return err
		}
	}
	return b.target.Flush(ctx)
}

// Len returns the number of buffered events.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
