package wsworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

func dialWorker(t *testing.T, addr, id, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws://" + addr + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteJSON(helloMessage{Type: "hello", Token: token}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != "welcome" || welcome.Version != protocolVersion {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	return conn
}

func runEchoWorkerConn(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	go func() {
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "boom" {
				_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "deliberate failure"}})
				continue
			}
			payload, _ := json.Marshal(req.Params)
			_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: payload})
		}
	}()
}

func TestWSWorkerExecRoundTrip(t *testing.T) {
	factory, server, err := NewFactory(Config{ListenAddr: "127.0.0.1:0", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	ready := make(chan struct{})
	handle, err := factory(context.Background(), dispatch.WorkerParams{ID: "w1"}, func() { close(ready) }, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	conn := dialWorker(t, server.Addr(), "w1", "")
	runEchoWorkerConn(t, conn)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady never fired")
	}

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "echo", []interface{}{"hi"}, resolver, dispatch.Options{})
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	got, ok := val.([]interface{})
	if !ok || len(got) != 1 || got[0] != "hi" {
		t.Fatalf("unexpected echo result: %#v", val)
	}
}

func TestWSWorkerExecSurfacesRemoteError(t *testing.T) {
	factory, server, err := NewFactory(Config{ListenAddr: "127.0.0.1:0", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	ready := make(chan struct{})
	handle, err := factory(context.Background(), dispatch.WorkerParams{ID: "w2"}, func() { close(ready) }, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	conn := dialWorker(t, server.Addr(), "w2", "")
	runEchoWorkerConn(t, conn)

	// Wait until the worker has stored the connection, so the call reaches
	// the remote side instead of failing as not connected.
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady never fired")
	}

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "boom", nil, resolver, dispatch.Options{})
	if _, err := fut.Wait(); err == nil {
		t.Fatal("expected remote error to surface")
	}
}

func TestWSWorkerRejectsBadToken(t *testing.T) {
	factory, server, err := NewFactory(Config{ListenAddr: "127.0.0.1:0", Token: "expected"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	if _, err := factory(context.Background(), dispatch.WorkerParams{ID: "w3"}, func() {}, func() {}); err != nil {
		t.Fatalf("factory: %v", err)
	}

	wsURL := "ws://" + server.Addr() + "/ws/w3"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteJSON(helloMessage{Type: "hello", Token: "wrong"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err == nil {
		t.Fatal("expected handshake failure, got a welcome")
	}
}

func TestWSWorkerDisconnectMarksCrashed(t *testing.T) {
	factory, server, err := NewFactory(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	exited := make(chan struct{})
	ready := make(chan struct{})
	handle, err := factory(context.Background(), dispatch.WorkerParams{ID: "w4"}, func() { close(ready) }, func() { close(exited) })
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	conn := dialWorker(t, server.Addr(), "w4", "")
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady never fired")
	}

	_ = conn.Close()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onExit to fire after disconnect")
	}
	if !handle.Terminated() {
		t.Fatal("expected worker to be marked terminated")
	}
}

func TestWSWorkerExecWithoutConnectionRejects(t *testing.T) {
	factory, server, err := NewFactory(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	handle, err := factory(context.Background(), dispatch.WorkerParams{ID: "w5"}, func() {}, func() {})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	resolver := dispatch.NewFuture()
	fut := handle.Exec(context.Background(), "echo", nil, resolver, dispatch.Options{})
	if _, err := fut.Wait(); err == nil {
		t.Fatal("expected not-connected error")
	}
}
