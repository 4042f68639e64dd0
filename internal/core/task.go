// Package core wires C1-C6 together into the running NAS session-management
// core: one channel-fed task per SAP, serializing that SAP's own work while
// per-UE exclusivity is still provided by internal/nascontext.Store.WithMut.
package core

import (
	"context"

	"go.uber.org/zap"
)

// Task runs a single-consumer work queue: everything submitted to In is
// handled, one at a time, by handle, on Task's own goroutine. This is the
// "one channel-fed task per SAP" shape spec §5 calls for, generalized from
// the teacher's per-request HTTP handler goroutine into a single serialized
// worker.
type Task[T any] struct {
	In     chan T
	handle func(context.Context, T)
	log    *zap.Logger
	name   string
}

// NewTask constructs a task with the given inbound queue depth.
func NewTask[T any](name string, queueDepth int, handle func(context.Context, T), log *zap.Logger) *Task[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Task[T]{
		In:     make(chan T, queueDepth),
		handle: handle,
		log:    log,
		name:   name,
	}
}

// Run drains In until ctx is cancelled.
func (t *Task[T]) Run(ctx context.Context) {
	t.log.Info("task started", zap.String("task", t.name))
	for {
		select {
		case <-ctx.Done():
			t.log.Info("task stopped", zap.String("task", t.name))
			return
		case item := <-t.In:
			t.handle(ctx, item)
		}
	}
}

// Submit enqueues item without blocking on the consumer's processing,
// dropping (with a warning) only if the queue is saturated.
func (t *Task[T]) Submit(item T) bool {
	select {
	case t.In <- item:
		return true
	default:
		t.log.Warn("task queue full, item dropped", zap.String("task", t.name))
		return false
	}
}
