package dispatch

import (
	"context"
	"time"
)

// WorkerType selects the transport used to realize a WorkerHandle. The
// Dispatcher's only interaction with this value is passing it through to
// the worker factory.
type WorkerType string

const (
	WorkerAuto    WorkerType = "auto"
	WorkerThread  WorkerType = "thread"
	WorkerProcess WorkerType = "process"
	WorkerWeb     WorkerType = "web"
)

// WorkerParams are the merged, factory-facing construction parameters for
// a new worker: pool-level policy plus any per-worker overrides returned
// by OnCreateWorker.
type WorkerParams struct {
	ID                     string
	Script                 string
	WorkerType             WorkerType
	Concurrency            int
	MaxExec                int
	MarkNotReadyAfterExec  bool
	ReadyTimeout           time.Duration
	InitReadyTimeout       time.Duration
	DebugPort              int
	ForkArgs               []string
	ForkOpts               map[string]string
}

// WorkerDescriptor is the read-only view of a worker passed to
// OnCreateWorker/OnTerminateWorker hooks.
type WorkerDescriptor struct {
	ID         string
	Script     string
	WorkerType WorkerType
	DebugPort  int
}

// WorkerHandle is the opaque per-worker controller the Dispatcher core
// treats as an external collaborator. Concrete realizations (goroutine,
// NATS, WebSocket — see pkg/transport/...) live outside this package.
type WorkerHandle interface {
	ID() string
	Descriptor() WorkerDescriptor

	// Exec hands a call to the underlying transport. It settles resolver
	// with the call's outcome and returns a future that completes once
	// the call is fully drained, which the Dispatcher uses to trigger the
	// next _advance.
	Exec(ctx context.Context, method string, params []interface{}, resolver *Future, opts Options) *Future

	// Available reports whether the worker may accept another call now.
	Available() bool
	// Busy reports whether the worker is currently executing >=1 call.
	Busy() bool
	// Terminated reports whether the worker is in a terminal state.
	Terminated() bool

	// Terminate ends the worker. When force is true, running calls are
	// aborted; otherwise the worker drains first. cb is invoked exactly
	// once with the outcome.
	Terminate(force bool, cb func(error))
	// TerminateAndNotify is Terminate plus a hard deadline, returned as a
	// future instead of a callback.
	TerminateAndNotify(force bool, timeout time.Duration) *Future

	// Stats reports the per-worker counters aggregated by wstats().
	Stats() WorkerStats
}

// WorkerStats is the per-worker counter set aggregated by Pool.WStats.
type WorkerStats struct {
	TotalTime   time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
	LastTime    time.Duration
	RequestCount int64
	// ELU is the fraction of wall time this worker spent busy since
	// creation (event-loop-utilization analogue), in [0,1].
	ELU float64
}

// WorkerFactory constructs a new WorkerHandle. onReady and onExit are the
// two signals the Dispatcher consumes: onReady triggers another _advance;
// onExit triggers _removeWorker. A factory calls onExit at most once, when
// the worker stops accepting work on its own (a crash or a lost
// connection). Calling it after a Terminate the Dispatcher initiated is
// harmless but not needed: the Dispatcher has already dropped the worker
// from its set by then, and removal of an unknown worker is a no-op.
type WorkerFactory func(ctx context.Context, params WorkerParams, onReady func(), onExit func()) (WorkerHandle, error)
