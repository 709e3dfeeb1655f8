package goroutine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

func newTestFactory(t *testing.T, handlers map[string]Handler) dispatch.WorkerHandle {
	t.Helper()
	factory := NewFactory(Config{Handlers: handlers})
	ready := make(chan struct{})
	handle, err := factory(context.Background(), dispatch.WorkerParams{ID: "w1", Concurrency: 2}, func() { close(ready) }, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("onReady never fired")
	}
	return handle
}

func TestExecRunsRegisteredHandler(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{
		"double": func(ctx context.Context, params []interface{}) (interface{}, error) {
			n := params[0].(int)
			return n * 2, nil
		},
	})

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "double", []interface{}{21}, resolver, dispatch.Options{})
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if val.(int) != 42 {
		t.Fatalf("got %v, want 42", val)
	}
}

func TestExecUnknownMethodRejects(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{})

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "nope", nil, resolver, dispatch.Options{})
	if _, err := fut.Wait(); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestExecHandlerErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	handle := newTestFactory(t, map[string]Handler{
		"fail": func(ctx context.Context, params []interface{}) (interface{}, error) {
			return nil, wantErr
		},
	})

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "fail", nil, resolver, dispatch.Options{})
	_, err := fut.Wait()
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestMethodsListsRegisteredHandlers(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{
		"a": func(ctx context.Context, params []interface{}) (interface{}, error) { return nil, nil },
		"b": func(ctx context.Context, params []interface{}) (interface{}, error) { return nil, nil },
	})

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "methods", nil, resolver, dispatch.Options{})
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	names := val.([]string)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected methods list: %v", names)
	}
}

func TestRunDispatchesToNamedHandler(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{
		"sum": func(ctx context.Context, params []interface{}) (interface{}, error) {
			return params[0].(int) + params[1].(int), nil
		},
	})

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "run", []interface{}{"sum", []interface{}{2, 3}}, resolver, dispatch.Options{})
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if val.(int) != 5 {
		t.Fatalf("got %v, want 5", val)
	}
}

func TestTerminateStopsAcceptingWork(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{
		"noop": func(ctx context.Context, params []interface{}) (interface{}, error) { return nil, nil },
	})

	done := make(chan error, 1)
	handle.Terminate(false, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !handle.Terminated() {
		t.Fatal("expected Terminated() to report true after Terminate")
	}
	if handle.Available() {
		t.Fatal("expected Available() to report false after Terminate")
	}
}

func TestStatsAccumulateAcrossCalls(t *testing.T) {
	handle := newTestFactory(t, map[string]Handler{
		"noop": func(ctx context.Context, params []interface{}) (interface{}, error) { return nil, nil },
	})

	for i := 0; i < 3; i++ {
		resolver := dispatch.NewFuture()
		fut := handle.Exec(context.Background(), "noop", nil, resolver, dispatch.Options{})
		if _, err := fut.Wait(); err != nil {
			t.Fatalf("Exec: %v", err)
		}
	}

	stats := handle.Stats()
	if stats.RequestCount != 3 {
		t.Fatalf("got RequestCount %d, want 3", stats.RequestCount)
	}
}
