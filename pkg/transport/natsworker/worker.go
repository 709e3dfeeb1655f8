// Package natsworker realizes dispatch.WorkerHandle over NATS
// request/reply, for workerType=process: the actual worker program runs
// as a separate process and is addressed by subject rather than an
// in-process channel. Uses nc.Request with a subject-per-worker naming
// scheme and queue groups for point-to-point delivery.
package natsworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// call is one queued request awaiting a free concurrency slot.
type call struct {
	method   string
	params   []interface{}
	resolver *dispatch.Future
	timeout  time.Duration
}

// Config configures the shared NATS connection every worker built by
// NewFactory talks through.
type Config struct {
	URL string
	// Prefix namespaces subjects: "<prefix>.call.<workerID>". Default
	// "dispatch".
	Prefix string
	// RequestTimeout is used when a task carries no per-call timeout.
	RequestTimeout time.Duration
}

type wireCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type wireResult struct {
	Value interface{} `json:"value,omitempty"`
	Err   string      `json:"err,omitempty"`
}

// NewFactory connects to cfg.URL once and returns a dispatch.WorkerFactory
// whose workers are thin subject-addressed handles over that connection.
// Each worker assumes an external process is already queue-subscribed on
// its subject — spawning that process is outside this package's and the
// Dispatcher's concern.
func NewFactory(cfg Config) (dispatch.WorkerFactory, func() error, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dispatch"
	}
	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 30 * time.Second
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, err
	}

	factory := func(ctx context.Context, params dispatch.WorkerParams, onReady func(), onExit func()) (dispatch.WorkerHandle, error) {
		concurrency := params.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		queueSize := params.MaxExec
		if queueSize <= 0 {
			queueSize = 64
		}
		w := &worker{
			id:        params.ID,
			desc:      dispatch.WorkerDescriptor{ID: params.ID, Script: params.Script, WorkerType: params.WorkerType, DebugPort: params.DebugPort},
			nc:        nc,
			subject:   fmt.Sprintf("%s.call.%s", prefix, params.ID),
			defaultTO: reqTimeout,
			calls:     make(chan call, queueSize),
			stop:      make(chan struct{}),
			onExit:    onExit,
		}
		for i := 0; i < concurrency; i++ {
			go w.run()
		}
		onReady()
		return w, nil
	}
	return factory, nc.Drain, nil
}

type worker struct {
	id        string
	desc      dispatch.WorkerDescriptor
	nc        *nats.Conn
	subject   string
	defaultTO time.Duration

	calls  chan call
	stop   chan struct{}
	active int32

	terminated int32
	exitOnce   sync.Once
	onExit     func()
}

func (w *worker) ID() string                            { return w.id }
func (w *worker) Descriptor() dispatch.WorkerDescriptor { return w.desc }

func (w *worker) Available() bool {
	return atomic.LoadInt32(&w.terminated) == 0 && len(w.calls) < cap(w.calls)
}

func (w *worker) Busy() bool {
	return atomic.LoadInt32(&w.active) > 0
}

func (w *worker) Terminated() bool {
	return atomic.LoadInt32(&w.terminated) == 1
}

// Exec enqueues the call and returns immediately; it never blocks the
// caller on a free concurrency slot. The Dispatcher invokes Exec
// synchronously from its single run loop, so waiting here for
// nc.Request's round trip (or for another in-flight call on this worker
// to drain) would stall every other task's dispatch, completion
// callback, and timeout re-arm. A full queue rejects the call the same
// way the goroutine transport does.
func (w *worker) Exec(ctx context.Context, method string, params []interface{}, resolver *dispatch.Future, opts dispatch.Options) *dispatch.Future {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.defaultTO
	}

	select {
	case w.calls <- call{method: method, params: params, resolver: resolver, timeout: timeout}:
	default:
		resolver.Reject(fmt.Errorf("nats worker %s: call queue full", w.id))
	}
	return resolver
}

// run drains queued calls onto nc.Request, one at a time, for the
// lifetime of the worker. Concurrency is the number of run goroutines
// started by the factory, mirroring the goroutine transport's fixed
// worker-goroutine pool.
func (w *worker) run() {
	for {
		select {
		case c := <-w.calls:
			atomic.AddInt32(&w.active, 1)
			w.deliver(c)
			atomic.AddInt32(&w.active, -1)
		case <-w.stop:
			return
		}
	}
}

func (w *worker) deliver(c call) {
	payload, err := json.Marshal(wireCall{Method: c.method, Params: c.params})
	if err != nil {
		c.resolver.Reject(err)
		return
	}
	msg, err := w.nc.Request(w.subject, payload, c.timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			w.markCrashed()
		}
		c.resolver.Reject(err)
		return
	}
	var res wireResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		c.resolver.Reject(err)
		return
	}
	if res.Err != "" {
		c.resolver.Reject(errors.New(res.Err))
		return
	}
	c.resolver.Resolve(res.Value)
}

func (w *worker) markCrashed() {
	if !atomic.CompareAndSwapInt32(&w.terminated, 0, 1) {
		return
	}
	close(w.stop)
	w.exitOnce.Do(func() {
		if w.onExit != nil {
			w.onExit()
		}
	})
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

func (w *worker) Stats() dispatch.WorkerStats {
	return dispatch.WorkerStats{}
}
