// Package goroutine realizes dispatch.WorkerHandle in-process: a worker
// is a bounded job channel drained by its own goroutines, not a separate
// OS process or browser tab. It follows a job/result-over-channel pattern,
// with one instance per dispatch.Pool worker slot.
package goroutine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// Handler is a registered unit of work a goroutine worker can run. Params
// are passed through from Task.Params unmodified.
type Handler func(ctx context.Context, params []interface{}) (interface{}, error)

// Config supplies the method table every worker built by NewFactory
// shares. "methods" and "run" are reserved: "methods" lists the
// registered names, "run" dispatches an inline Callable's rewritten call
// (source, args) — see dispatch.Pool.SubmitCallable.
type Config struct {
	Handlers map[string]Handler
}

type job struct {
	method   string
	params   []interface{}
	resolver *dispatch.Future
}

// NewFactory returns a dispatch.WorkerFactory whose workers run cfg's
// handler table with params.Concurrency goroutines each, bounded by a
// queue sized params.MaxExec (or 64 if unset).
func NewFactory(cfg Config) dispatch.WorkerFactory {
	return func(ctx context.Context, params dispatch.WorkerParams, onReady func(), onExit func()) (dispatch.WorkerHandle, error) {
		concurrency := params.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		queueSize := params.MaxExec
		if queueSize <= 0 {
			queueSize = 64
		}

		w := &worker{
			id:         params.ID,
			desc:       dispatch.WorkerDescriptor{ID: params.ID, Script: params.Script, WorkerType: params.WorkerType, DebugPort: params.DebugPort},
			handlers:   cfg.Handlers,
			jobs:       make(chan job, queueSize),
			stop:       make(chan struct{}),
			maxConc:    int32(concurrency),
		}
		for i := 0; i < concurrency; i++ {
			go w.run(ctx)
		}
		onReady()
		return w, nil
	}
}

type worker struct {
	id       string
	desc     dispatch.WorkerDescriptor
	handlers map[string]Handler

	jobs chan job
	stop chan struct{}

	maxConc    int32
	inFlight   int32
	terminated int32

	statsMu sync.Mutex
	stats   dispatch.WorkerStats
}

func (w *worker) ID() string                            { return w.id }
func (w *worker) Descriptor() dispatch.WorkerDescriptor { return w.desc }

func (w *worker) Available() bool {
	return atomic.LoadInt32(&w.terminated) == 0 && len(w.jobs) < cap(w.jobs)
}

func (w *worker) Busy() bool {
	return atomic.LoadInt32(&w.inFlight) > 0
}

func (w *worker) Terminated() bool {
	return atomic.LoadInt32(&w.terminated) == 1
}

func (w *worker) Exec(ctx context.Context, method string, params []interface{}, resolver *dispatch.Future, opts dispatch.Options) *dispatch.Future {
	select {
	case w.jobs <- job{method: method, params: params, resolver: resolver}:
	default:
		resolver.Reject(fmt.Errorf("goroutine worker %s: job queue full", w.id))
	}
	return resolver
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case j := <-w.jobs:
			atomic.AddInt32(&w.inFlight, 1)
			start := time.Now()
			val, err := w.invoke(ctx, j.method, j.params)
			elapsed := time.Since(start)
			atomic.AddInt32(&w.inFlight, -1)
			w.recordStats(elapsed)
			if err != nil {
				j.resolver.Reject(err)
			} else {
				j.resolver.Resolve(val)
			}
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) invoke(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	switch method {
	case "methods":
		names := make([]string, 0, len(w.handlers))
		for name := range w.handlers {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	case "run":
		if len(params) != 2 {
			return nil, fmt.Errorf("run: expected [source, args], got %d params", len(params))
		}
		source, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("run: source must be a string")
		}
		args, _ := params[1].([]interface{})
		return w.invoke(ctx, source, args)
	default:
		h, ok := w.handlers[method]
		if !ok {
			return nil, fmt.Errorf("goroutine worker %s: unknown method %q", w.id, method)
		}
		return h(ctx, params)
	}
}

func (w *worker) Terminate(force bool, cb func(error)) {
	if atomic.CompareAndSwapInt32(&w.terminated, 0, 1) {
		close(w.stop)
	}
	cb(nil)
}

func (w *worker) TerminateAndNotify(force bool, timeout time.Duration) *dispatch.Future {
	f := dispatch.NewFuture()
	w.Terminate(force, func(err error) {
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(nil)
		}
	})
	return f
}

func (w *worker) recordStats(elapsed time.Duration) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if w.stats.RequestCount == 0 || elapsed < w.stats.MinTime {
		w.stats.MinTime = elapsed
	}
	if elapsed > w.stats.MaxTime {
		w.stats.MaxTime = elapsed
	}
	w.stats.LastTime = elapsed
	w.stats.TotalTime += elapsed
	w.stats.RequestCount++
}

func (w *worker) Stats() dispatch.WorkerStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}
