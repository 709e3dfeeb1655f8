package dispatch

import (
	"sync"
	"time"
)

// Future is the pending-result primitive tasks resolve through. It supports
// resolve/reject/cancel plus a deferred timeout arm, and settlement
// callbacks instead of promise chaining, matching how results flow back
// through the rest of this package (channels and callbacks, not promises).
type Future struct {
	mu        sync.Mutex
	settled   bool
	cancelled bool
	val       interface{}
	err       error
	done      chan struct{}
	onSettle  []func(interface{}, error)
	timer     *time.Timer
}

// NewFuture returns a new pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Pending reports whether the future has not yet settled (resolved,
// rejected, or cancelled).
func (f *Future) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.settled
}

// Resolve settles the future successfully. Idempotent: only the first call
// has an effect.
func (f *Future) Resolve(v interface{}) {
	f.settle(v, nil)
}

// Reject settles the future with an error. Idempotent: only the first call
// has an effect.
func (f *Future) Reject(err error) {
	f.settle(nil, err)
}

// Cancel transitions a pending future to rejected with a cancellation
// error. A no-op once the future has already settled.
func (f *Future) Cancel() {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.cancelled = true
	f.mu.Unlock()
	f.settle(nil, errCancelled())
}

// Cancelled reports whether Cancel caused this future's settlement.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Timeout arms a timer that rejects the future with a timeout error after
// d, unless it has already settled. Dispatch replaces this on queued tasks
// so the timer starts at dispatch time instead of submit time — see
// Handle.Timeout.
func (f *Future) Timeout(d time.Duration) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(d, func() { f.Reject(errTimeout()) })
	f.mu.Unlock()
}

// OnSettle registers a callback invoked exactly once, when the future
// settles (possibly immediately, if it already has). Used by the
// Dispatcher's _advance to chain "always call _advance() again" behavior
// onto a worker's execution future.
func (f *Future) OnSettle(cb func(val interface{}, err error)) {
	f.mu.Lock()
	if f.settled {
		val, err := f.val, f.err
		f.mu.Unlock()
		cb(val, err)
		return
	}
	f.onSettle = append(f.onSettle, cb)
	f.mu.Unlock()
}

// Wait blocks until the future settles and returns its outcome.
func (f *Future) Wait() (interface{}, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

func (f *Future) settle(v interface{}, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.val, f.err = v, err
	if f.timer != nil {
		f.timer.Stop()
	}
	callbacks := f.onSettle
	f.onSettle = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
}
