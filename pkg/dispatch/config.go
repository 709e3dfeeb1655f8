package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// MinWorkersMax is the sentinel for Config.MinWorkers meaning "equal to
// MaxWorkers".
const MinWorkersMax = -1

// Observer receives best-effort notifications of Dispatcher activity. All
// methods must return promptly — they are called from the Dispatcher's
// single run loop and a slow Observer stalls every task. The default is a
// no-op; pkg/metrics adapts this to Prometheus.
type Observer interface {
	TaskDispatched(method string, workerID string)
	TaskRejected(method string, reason string)
	TaskSettled(method string, d time.Duration, err error)
	WorkerCreated(id string)
	WorkerRemoved(id string, crashed bool)
}

type noopObserver struct{}

func (noopObserver) TaskDispatched(method, workerID string)            {}
func (noopObserver) TaskRejected(method, reason string)                {}
func (noopObserver) TaskSettled(method string, d time.Duration, e error) {}
func (noopObserver) WorkerCreated(id string)                           {}
func (noopObserver) WorkerRemoved(id string, crashed bool)             {}

// Tracer starts the dispatch.submit/dispatch.exec span pair around a
// task's lifecycle: Submit opens dispatch.submit, advance opens
// dispatch.exec as its child when the task is handed to a worker, and
// both end once the execution future settles. Satisfied structurally by
// *tracing.TracerProvider — this package never imports pkg/tracing.
type Tracer interface {
	StartSubmit(ctx context.Context, method, taskID string) (context.Context, trace.Span)
	StartExec(ctx context.Context, method, workerID string, affinity *int) (context.Context, trace.Span)
}

type noopTracer struct{}

func (noopTracer) StartSubmit(ctx context.Context, method, taskID string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (noopTracer) StartExec(ctx context.Context, method, workerID string, affinity *int) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Config configures a Pool. Zero-value fields fall back to the defaults
// documented per-field.
type Config struct {
	// Script identifies the worker-side program; nil/empty is valid when
	// every submitted method is an inline callable. Passed through to
	// the factory unmodified — the Dispatcher never interprets it.
	Script string

	// MaxWorkers is the upper bound on the worker set. Default:
	// max(NumCPU-1, 1). Must be >= 1 after defaulting.
	MaxWorkers int

	// MinWorkers is the lower bound on the worker set, or MinWorkersMax
	// to mean "equal to MaxWorkers". Default: 0. When MinWorkers >
	// MaxWorkers, MaxWorkers is raised to match.
	MinWorkers int

	// MaxQueueSize bounds the pending-task queue. 0 means unbounded.
	MaxQueueSize int

	// GradualScalingMs throttles worker creation via _selectWorker's
	// growth step to at most one per window. 0 disables throttling.
	GradualScalingMs time.Duration

	// RoundRobin enables round-robin worker selection for non-affinity
	// tasks, the second step of the selection chain in selectWorker.
	RoundRobin bool

	WorkerType            WorkerType
	Concurrency           int
	MaxExec               int
	MarkNotReadyAfterExec bool
	ReadyTimeout          time.Duration
	InitReadyTimeout      time.Duration

	// DebugPortStart is the base passed to
	// DebugPortAllocator.NextAvailableStartingAt on every worker spawn.
	DebugPortStart int

	// OnCreateWorker is called immediately before spawning a worker; a
	// non-nil return overrides individual factory parameters for that
	// worker only (never pool-level policy).
	OnCreateWorker func(WorkerParams) *WorkerParams
	// OnTerminateWorker is called after a worker is disposed, exactly
	// once per worker, regardless of whether disposal was clean or a
	// crash.
	OnTerminateWorker func(WorkerDescriptor)

	// Factory constructs worker handles. Required.
	Factory WorkerFactory

	Logger   Logger
	Observer Observer

	// Tracer defaults to a no-op so Submit/advance never need a nil
	// check when tracing is disabled.
	Tracer Tracer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = defaultMaxWorkers()
	}
	if out.MinWorkers != MinWorkersMax && out.MinWorkers < 0 {
		out.MinWorkers = 0
	}
	if out.MinWorkers != MinWorkersMax && out.MinWorkers > out.MaxWorkers {
		out.MaxWorkers = out.MinWorkers
	}
	if out.WorkerType == "" {
		out.WorkerType = WorkerAuto
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.Logger == nil {
		out.Logger = noopLogger{}
	}
	if out.Observer == nil {
		out.Observer = noopObserver{}
	}
	if out.Tracer == nil {
		out.Tracer = noopTracer{}
	}
	return out
}

// resolvedMinWorkers returns MinWorkers with the MinWorkersMax sentinel
// resolved against MaxWorkers.
func (c *Config) resolvedMinWorkers() int {
	if c.MinWorkers == MinWorkersMax {
		return c.MaxWorkers
	}
	return c.MinWorkers
}
