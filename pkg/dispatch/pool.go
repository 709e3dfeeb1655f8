package dispatch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// defaultMaxWorkers mirrors the source's default pool size: one less than
// the machine's CPU count, floored at 1.
func defaultMaxWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// Callable is an inline, unnamed unit of work. Source identifies it to the
// worker transport (a script path, a registered name — the Dispatcher
// never interprets it). Unlike the source this package is modeled on, Go
// has no function-to-source serialization, so the caller supplies its own
// identifier instead of the Dispatcher deriving one.
type Callable interface {
	Source() string
}

// Pool is the Dispatcher: a bounded, lazily-grown set of WorkerHandles
// draining a FIFO task queue. All mutable state below the "run-loop-owned"
// marker is owned exclusively by the goroutine started in New — every public
// method reaches it only by posting a closure onto cmds, never by taking a
// lock, keeping every mutation single-threaded without ad hoc mutexes.
type Pool struct {
	cfg       Config
	portAlloc *DebugPortAllocator

	cmds chan func()
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// run-loop-owned; touched only inside run() and the closures it executes.
	workers         []WorkerHandle
	descByID        map[string]WorkerDescriptor
	tasks           []*Task
	lastChosen      int
	canCreateWorker bool
	terminated      bool
}

// New constructs a Pool and immediately spawns workers up to
// Config.MinWorkers, then grows lazily on demand up to Config.MaxWorkers.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Config.Factory is required"}
	}
	resolved := cfg.withDefaults()
	if resolved.MaxWorkers < 1 {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "MaxWorkers must resolve to >= 1"}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:             resolved,
		portAlloc:       NewDebugPortAllocator(),
		cmds:            make(chan func(), 256),
		ctx:             runCtx,
		stop:            cancel,
		descByID:        make(map[string]WorkerDescriptor),
		lastChosen:      -1,
		canCreateWorker: true,
	}

	p.wg.Add(1)
	go p.run()

	done := make(chan struct{})
	p.cmds <- func() {
		p.ensureMinWorkers()
		close(done)
	}
	<-done

	return p, nil
}

// Close stops the internal run loop. Call it only after Terminate's
// returned future has settled; it does not itself terminate workers.
func (p *Pool) Close() {
	p.stop()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case cmd := <-p.cmds:
			cmd()
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues method(params) and returns immediately with a Handle on
// its eventual result, or a synchronous error if the pool is terminated or
// the queue is already at MaxQueueSize.
func (p *Pool) Submit(method string, params []interface{}, opts Options) (*Handle, error) {
	if method == "" {
		return nil, errInvalidMethod()
	}

	taskID := uuid.NewString()
	submitCtx, submitSpan := p.cfg.Tracer.StartSubmit(context.Background(), method, taskID)

	task := &Task{
		ID:         taskID,
		Method:     method,
		Params:     params,
		Options:    opts,
		Resolver:   NewFuture(),
		submitCtx:  submitCtx,
		submitSpan: submitSpan,
	}

	var acceptErr error
	done := make(chan struct{})
	p.cmds <- func() {
		defer close(done)
		if p.terminated {
			acceptErr = errPoolTerminated()
			submitSpan.SetStatus(codes.Error, acceptErr.Error())
			submitSpan.End()
			return
		}
		if p.cfg.MaxQueueSize > 0 && len(p.tasks) >= p.cfg.MaxQueueSize {
			acceptErr = errQueueOverflow(p.cfg.MaxQueueSize)
			p.cfg.Observer.TaskRejected(method, "queue_overflow")
			submitSpan.SetStatus(codes.Error, acceptErr.Error())
			submitSpan.End()
			return
		}
		if opts.Timeout > 0 {
			task.hasDeferredTimeout = true
			task.deferredTimeout = opts.Timeout
		}
		p.tasks = append(p.tasks, task)
		p.advance()
	}
	<-done
	if acceptErr != nil {
		return nil, acceptErr
	}

	return &Handle{task: task, pool: p}, nil
}

// SubmitCallable rewrites an inline Callable to submit("run", [source,
// params], opts) — every callable call is secretly a call to a fixed
// "run" method that a worker transport resolves by source.
func (p *Pool) SubmitCallable(c Callable, params []interface{}, opts Options) (*Handle, error) {
	return p.Submit("run", []interface{}{c.Source(), params}, opts)
}

// recordDeferredTimeout backs Handle.Timeout for a still-queued task. It
// re-checks dispatched state inside the run loop to close the race between
// the caller's check and the task being handed to a worker in the
// meantime — see Task and Handle.
func (p *Pool) recordDeferredTimeout(t *Task, d time.Duration) {
	p.cmds <- func() {
		if t.isDispatched() {
			t.Resolver.Timeout(d)
			return
		}
		t.hasDeferredTimeout = true
		t.deferredTimeout = d
	}
}

// Proxy resolves to a map from method name to a thin submit-shaped
// callable, built from a "methods" introspection call.
func (p *Pool) Proxy() *Future {
	out := NewFuture()
	handle, err := p.Submit("methods", nil, Options{})
	if err != nil {
		out.Reject(err)
		return out
	}
	handle.OnSettle(func(val interface{}, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		names, ok := val.([]string)
		if !ok {
			out.Reject(&Error{Code: ErrCodeInvalidParams, Message: "methods call returned an unexpected type"})
			return
		}
		m := make(map[string]func([]interface{}, Options) (*Handle, error), len(names))
		for _, n := range names {
			n := n
			m[n] = func(params []interface{}, opts Options) (*Handle, error) { return p.Submit(n, params, opts) }
		}
		out.Resolve(m)
	})
	return out
}

// Terminate rejects every queued task, tells every worker to terminate
// (force skips draining), and resolves its returned future once all of
// them have. A second call on an already-terminated Pool resolves
// immediately without touching OnTerminateWorker again — termination is
// idempotent.
func (p *Pool) Terminate(force bool, timeout time.Duration) *Future {
	result := NewFuture()
	p.cmds <- func() {
		if p.terminated {
			result.Resolve(nil)
			return
		}
		p.terminated = true

		for _, t := range p.tasks {
			t.Resolver.Reject(errPoolTerminated())
			t.submitSpan.SetStatus(codes.Error, "pool terminated")
			t.submitSpan.End()
		}
		p.tasks = nil

		snapshot := p.workers
		descs := p.descByID
		p.workers = nil
		p.descByID = make(map[string]WorkerDescriptor)

		if len(snapshot) == 0 {
			result.Resolve(nil)
			return
		}

		var wg sync.WaitGroup
		wg.Add(len(snapshot))
		for _, w := range snapshot {
			w := w
			desc := descs[w.ID()]
			p.portAlloc.ReleasePort(desc.DebugPort)
			tf := w.TerminateAndNotify(force, timeout)
			tf.OnSettle(func(_ interface{}, _ error) {
				if p.cfg.OnTerminateWorker != nil {
					p.cfg.OnTerminateWorker(desc)
				}
				wg.Done()
			})
		}
		go func() {
			wg.Wait()
			result.Resolve(nil)
		}()
	}
	return result
}

// advance performs one dispatch step: select a worker for the head task,
// pop and hand it off if one is available, and chain itself onto the
// execution future so the next task gets its own turn once this one
// drains. Cancelled queued tasks are silently dropped rather than
// dispatched.
func (p *Pool) advance() {
	if p.terminated || len(p.tasks) == 0 {
		return
	}
	head := p.tasks[0]

	worker := p.selectWorker(head.Options.Affinity)
	if worker == nil {
		return
	}
	p.tasks = p.tasks[1:]

	if !head.Resolver.Pending() {
		head.submitSpan.End()
		p.advance()
		return
	}

	head.markDispatched()
	p.cfg.Observer.TaskDispatched(head.Method, worker.ID())
	start := time.Now()

	execCtx, execSpan := p.cfg.Tracer.StartExec(head.submitCtx, head.Method, worker.ID(), head.Options.Affinity)

	execFuture := worker.Exec(execCtx, head.Method, head.Params, head.Resolver, head.Options)
	if head.hasDeferredTimeout {
		execFuture.Timeout(head.deferredTimeout)
	}
	execFuture.OnSettle(func(_ interface{}, err error) {
		p.cmds <- func() {
			if err != nil {
				execSpan.RecordError(err)
				execSpan.SetStatus(codes.Error, err.Error())
			}
			execSpan.End()
			head.submitSpan.End()
			p.cfg.Observer.TaskSettled(head.Method, time.Since(start), err)
			if err != nil && worker.Terminated() {
				p.removeWorkerByID(worker.ID(), true)
			}
			p.advance()
		}
	})
}

// selectWorker implements the selection priority chain: affinity, then
// round-robin, then first-available, with gradual-scaling-gated growth
// applied afterward regardless of which branch picked a worker.
func (p *Pool) selectWorker(affinity *int) WorkerHandle {
	var chosen WorkerHandle

	switch {
	case affinity != nil && len(p.workers) > 0:
		idx := ((*affinity % len(p.workers)) + len(p.workers)) % len(p.workers)
		chosen = p.workers[idx]
	case p.cfg.RoundRobin && len(p.workers) > 0:
		p.lastChosen = (p.lastChosen + 1) % len(p.workers)
		chosen = p.workers[p.lastChosen]
	default:
		for _, w := range p.workers {
			if w.Available() {
				chosen = w
				break
			}
		}
	}

	if len(p.workers) >= p.cfg.MaxWorkers {
		return chosen
	}
	if p.cfg.GradualScalingMs > 0 {
		if !p.canCreateWorker {
			return chosen
		}
		p.canCreateWorker = false
		time.AfterFunc(p.cfg.GradualScalingMs, func() {
			p.cmds <- func() { p.canCreateWorker = true; p.advance() }
		})
	}

	w := p.createWorker()
	if w == nil {
		return chosen
	}
	p.workers = append(p.workers, w)
	if chosen == nil {
		chosen = w
	}
	return chosen
}

func (p *Pool) ensureMinWorkers() {
	min := p.cfg.resolvedMinWorkers()
	for len(p.workers) < min {
		w := p.createWorker()
		if w == nil {
			return
		}
		p.workers = append(p.workers, w)
	}
}

func (p *Pool) createWorker() WorkerHandle {
	id := uuid.NewString()
	params := WorkerParams{
		ID:                    id,
		Script:                p.cfg.Script,
		WorkerType:            p.cfg.WorkerType,
		Concurrency:           p.cfg.Concurrency,
		MaxExec:               p.cfg.MaxExec,
		MarkNotReadyAfterExec: p.cfg.MarkNotReadyAfterExec,
		ReadyTimeout:          p.cfg.ReadyTimeout,
		InitReadyTimeout:      p.cfg.InitReadyTimeout,
	}
	if p.cfg.OnCreateWorker != nil {
		if override := p.cfg.OnCreateWorker(params); override != nil {
			params = *override
			params.ID = id
		}
	}
	params.DebugPort = p.portAlloc.NextAvailableStartingAt(p.cfg.DebugPortStart)

	onReady := func() { p.cmds <- func() { p.advance() } }
	onExit := func() { p.cmds <- func() { p.removeWorkerByID(id, true) } }

	w, err := p.cfg.Factory(p.ctx, params, onReady, onExit)
	if err != nil {
		p.portAlloc.ReleasePort(params.DebugPort)
		p.cfg.Logger.Errorf("create worker %s: %v", id, err)
		return nil
	}
	p.descByID[id] = WorkerDescriptor{ID: id, Script: params.Script, WorkerType: params.WorkerType, DebugPort: params.DebugPort}
	p.cfg.Observer.WorkerCreated(id)
	return w
}

// removeWorkerByID releases the debug port, drops the worker from the
// live set, backfills MinWorkers, then terminates the handle and fires
// OnTerminateWorker. Idempotent — a worker already removed (e.g. by a
// prior onExit racing a Terminate call) is a no-op.
func (p *Pool) removeWorkerByID(id string, crashed bool) {
	idx := -1
	for i, w := range p.workers {
		if w.ID() == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	w := p.workers[idx]
	desc := p.descByID[id]

	p.portAlloc.ReleasePort(desc.DebugPort)
	p.workers = append(p.workers[:idx], p.workers[idx+1:]...)
	delete(p.descByID, id)

	p.ensureMinWorkers()
	p.cfg.Observer.WorkerRemoved(id, crashed)

	w.Terminate(false, func(_ error) {
		p.cmds <- func() {
			if p.cfg.OnTerminateWorker != nil {
				p.cfg.OnTerminateWorker(desc)
			}
		}
	})
	p.advance()
}

// Stats returns a pool-level snapshot.
func (p *Pool) Stats() Stats {
	var out Stats
	done := make(chan struct{})
	p.cmds <- func() {
		defer close(done)
		busy := 0
		avail := 0
		for _, w := range p.workers {
			if w.Busy() {
				busy++
			}
			if w.Available() {
				avail++
			}
		}
		out = Stats{
			TotalWorkers:     len(p.workers),
			BusyWorkers:      busy,
			IdleWorkers:      len(p.workers) - busy,
			AvailableWorkers: avail,
			PendingTasks:     len(p.tasks),
			ActiveTasks:      busy,
		}
	}
	<-done
	return out
}

// WStats returns the aggregated per-worker counters, including the
// MinTime seeding deviation documented on WStats.
func (p *Pool) WStats() WStats {
	var out WStats
	done := make(chan struct{})
	p.cmds <- func() {
		out = aggregateWStats(p.workers)
		close(done)
	}
	<-done
	return out
}

// GetNumberAvailableWorkers reports how many workers could accept a call
// right now.
func (p *Pool) GetNumberAvailableWorkers() int {
	var n int
	done := make(chan struct{})
	p.cmds <- func() {
		for _, w := range p.workers {
			if w.Available() {
				n++
			}
		}
		close(done)
	}
	<-done
	return n
}
