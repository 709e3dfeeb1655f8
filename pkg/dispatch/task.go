package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Options carries per-task overrides. Affinity and Timeout are recognized
// by the Dispatcher itself; Extra is passed through unmodified to the
// worker transport.
type Options struct {
	// Affinity pins a task to workers[Affinity % len(workers)] when set.
	Affinity *int
	// Timeout arms the task's execution deadline. Zero means absent.
	Timeout time.Duration
	// Extra carries transport-level keys the Dispatcher does not
	// interpret (e.g. a priority hint meaningful only to a specific
	// WorkerHandle implementation).
	Extra map[string]interface{}
}

// Task is the immutable envelope created at submit time binding a method
// call to its pending Future. dispatched flips exactly once, from the
// Dispatcher's single run loop, when the task is handed to a worker.
type Task struct {
	ID       string
	Method   string
	Params   []interface{}
	Options  Options
	Resolver *Future

	dispatched         int32 // atomic bool
	hasDeferredTimeout bool
	deferredTimeout    time.Duration

	// submitCtx/submitSpan hold the dispatch.submit span opened at
	// Submit time. advance starts dispatch.exec as its child and ends
	// both spans once the task settles.
	submitCtx  context.Context
	submitSpan trace.Span
}

func (t *Task) markDispatched() {
	atomic.StoreInt32(&t.dispatched, 1)
}

func (t *Task) isDispatched() bool {
	return atomic.LoadInt32(&t.dispatched) == 1
}

// Handle is what submit() returns to the caller: the pending Future plus
// a deferred-timeout override for tasks that haven't been dispatched to a
// worker yet. Callers use it exactly like a Future — Resolve/Reject are
// the Dispatcher's business, but Pending, Cancel, Wait, OnSettle and
// Timeout are the caller-facing surface.
type Handle struct {
	task *Task
	pool *Pool
}

// Pending reports whether the underlying task has not yet settled.
func (h *Handle) Pending() bool { return h.task.Resolver.Pending() }

// Cancel cancels the task. If still queued, advance silently drops it on
// its turn; if already dispatched, cancellation settles the local
// resolver only — the in-flight transport call itself is not interrupted.
func (h *Handle) Cancel() { h.task.Resolver.Cancel() }

// Wait blocks until the task settles and returns its result.
func (h *Handle) Wait() (interface{}, error) { return h.task.Resolver.Wait() }

// OnSettle registers a completion callback, matching Future.OnSettle.
func (h *Handle) OnSettle(cb func(interface{}, error)) { h.task.Resolver.OnSettle(cb) }

// Timeout arms a per-task deadline after submission: while the task is
// still queued, it records the delay for arming at dispatch time; once
// dispatched, it forwards straight to the resolver's native timer.
func (h *Handle) Timeout(d time.Duration) {
	if h.task.isDispatched() {
		h.task.Resolver.Timeout(d)
		return
	}
	h.pool.recordDeferredTimeout(h.task, d)
}
