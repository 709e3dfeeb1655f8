package natsworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()
	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

// runEchoResponder simulates the external worker process: it queue-
// subscribes on subject and echoes params back as the result value.
func runEchoResponder(t *testing.T, url, subject string) {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("responder connect: %v", err)
	}
	t.Cleanup(conn.Close)

	sub, err := conn.QueueSubscribe(subject, subject, func(msg *nats.Msg) {
		var call wireCall
		if err := json.Unmarshal(msg.Data, &call); err != nil {
			return
		}
		var result wireResult
		if call.Method == "boom" {
			result.Err = "deliberate failure"
		} else {
			result.Value = call.Params
		}
		payload, _ := json.Marshal(result)
		_ = msg.Respond(payload)
	})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestNATSWorkerExecRoundTrip(t *testing.T) {
	s := runTestNATSServer(t)

	factory, closeFn, err := NewFactory(Config{URL: s.ClientURL(), Prefix: "dispatch.test"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	params := dispatch.WorkerParams{ID: "w1", Concurrency: 2}
	ready := make(chan struct{})
	handle, err := factory(context.Background(), params, func() { close(ready) }, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	<-ready

	runEchoResponder(t, s.ClientURL(), "dispatch.test.call.w1")

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "echo", []interface{}{"hi"}, resolver, dispatch.Options{Timeout: 2 * time.Second})
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	got, ok := val.([]interface{})
	if !ok || len(got) != 1 || got[0] != "hi" {
		t.Fatalf("unexpected echo result: %#v", val)
	}
}

func TestNATSWorkerExecSurfacesRemoteError(t *testing.T) {
	s := runTestNATSServer(t)

	factory, closeFn, err := NewFactory(Config{URL: s.ClientURL(), Prefix: "dispatch.test"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	params := dispatch.WorkerParams{ID: "w2"}
	handle, err := factory(context.Background(), params, func() {}, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	runEchoResponder(t, s.ClientURL(), "dispatch.test.call.w2")

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "boom", nil, resolver, dispatch.Options{Timeout: 2 * time.Second})
	if _, err := fut.Wait(); err == nil {
		t.Fatal("expected remote error to surface")
	}
}

func TestNATSWorkerExecDoesNotBlockOnFullQueue(t *testing.T) {
	s := runTestNATSServer(t)

	factory, closeFn, err := NewFactory(Config{URL: s.ClientURL(), Prefix: "dispatch.test", RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	// Subscribe but never respond, so the in-flight call actually blocks
	// on nc.Request for the full RequestTimeout instead of failing fast
	// on ErrNoResponders.
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("responder connect: %v", err)
	}
	t.Cleanup(conn.Close)
	sub, err := conn.QueueSubscribe("dispatch.test.call.w4", "dispatch.test.call.w4", func(*nats.Msg) {})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	// A single worker goroutine and a one-slot queue: the first Exec is
	// picked up and blocks inside nc.Request; the second fills the
	// otherwise-idle queue; the third must be rejected synchronously
	// rather than blocking the caller on a free slot.
	params := dispatch.WorkerParams{ID: "w4", Concurrency: 1, MaxExec: 1}
	handle, err := factory(context.Background(), params, func() {}, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	handle.Exec(context.Background(), "echo", nil, dispatch.NewFuture(), dispatch.Options{})
	time.Sleep(50 * time.Millisecond) // let the worker goroutine dequeue call #1
	handle.Exec(context.Background(), "echo", nil, dispatch.NewFuture(), dispatch.Options{})

	third := dispatch.NewFuture()
	done := make(chan struct{})
	go func() {
		handle.Exec(context.Background(), "echo", nil, third, dispatch.Options{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Exec blocked instead of rejecting immediately on a full queue")
	}

	if _, err := third.Wait(); err == nil {
		t.Fatal("expected the third call to be rejected once the queue filled")
	}
}

func TestNATSWorkerNoRespondersMarksCrashed(t *testing.T) {
	s := runTestNATSServer(t)

	factory, closeFn, err := NewFactory(Config{URL: s.ClientURL(), Prefix: "dispatch.test", RequestTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	exited := make(chan struct{})
	params := dispatch.WorkerParams{ID: "w3"}
	handle, err := factory(context.Background(), params, func() {}, func() { close(exited) })
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	// No responder subscribed on w3's subject.
	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "echo", nil, resolver, dispatch.Options{})
	if _, err := fut.Wait(); err == nil {
		t.Fatal("expected no-responders error")
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onExit to fire after no-responders error")
	}
	if !handle.Terminated() {
		t.Fatal("expected worker to be marked terminated")
	}
}
