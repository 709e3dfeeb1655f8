// Package wsworker realizes dispatch.WorkerHandle over a loopback
// WebSocket connection, for workerType=web: the worker runs as a
// separate process (or browser tab) that dials in and speaks a small
// JSON-RPC-shaped protocol. Grounded on the example pack's Chrome
// extension bridge (hello/welcome handshake, a pending map keyed by a
// correlation ID, one read loop per connection), generalized from a
// single global connection to one connection per dispatch worker slot,
// keyed by worker ID in the URL path.
package wsworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

const protocolVersion = 1

var errNotConnected = errors.New("wsworker: worker is not connected")

// Config configures the shared loopback listener every worker built by
// the returned factory waits on.
type Config struct {
	// ListenAddr must bind to loopback; ":0" picks an ephemeral port.
	// Default "127.0.0.1:0".
	ListenAddr string
	// Token, when set, must match the connecting worker's hello.Token.
	Token string
	// Timeout bounds a single Exec call's round trip. Default 15s.
	Timeout time.Duration
	// HandshakeTimeout bounds how long a worker waits for its process to
	// connect; past it the worker is marked crashed and onExit fires.
	// WorkerParams.InitReadyTimeout overrides it per worker. Default 30s.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.ListenAddr = strings.TrimSpace(out.ListenAddr)
	if out.ListenAddr == "" {
		out.ListenAddr = "127.0.0.1:0"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 30 * time.Second
	}
	return out
}

// Server hosts the loopback WebSocket endpoint workers connect to at
// /ws/<workerID>.
type Server struct {
	cfg Config

	mu      sync.RWMutex
	ln      net.Listener
	httpSrv *http.Server
	addr    string
	workers map[string]*worker
}

// NewFactory starts cfg's listener and returns a dispatch.WorkerFactory
// whose workers wait for a connection on /ws/<workerID>. Spawning the
// external worker process that dials back in is outside this package's
// and the Dispatcher's concern.
func NewFactory(cfg Config) (dispatch.WorkerFactory, *Server, error) {
	cfg = cfg.withDefaults()

	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("wsworker: invalid ListenAddr %q: %w", cfg.ListenAddr, err)
	}
	if host != "" && host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, nil, fmt.Errorf("wsworker: ListenAddr must bind to loopback, got %q", cfg.ListenAddr)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("wsworker: listen %q: %w", cfg.ListenAddr, err)
	}

	s := &Server{
		cfg:     cfg,
		ln:      ln,
		addr:    ln.Addr().String(),
		workers: make(map[string]*worker),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = s.httpSrv.Serve(ln) }()

	factory := func(ctx context.Context, params dispatch.WorkerParams, onReady func(), onExit func()) (dispatch.WorkerHandle, error) {
		w := &worker{
			id:        params.ID,
			desc:      dispatch.WorkerDescriptor{ID: params.ID, Script: params.Script, WorkerType: params.WorkerType, DebugPort: params.DebugPort},
			timeout:   s.cfg.Timeout,
			pending:   make(map[string]chan callResult),
			connected: make(chan struct{}),
			onExit:    onExit,
		}

		s.mu.Lock()
		s.workers[w.id] = w
		s.mu.Unlock()

		handshake := s.cfg.HandshakeTimeout
		if params.InitReadyTimeout > 0 {
			handshake = params.InitReadyTimeout
		}
		go func() {
			select {
			case <-w.connected:
				onReady()
			case <-time.After(handshake):
				w.markCrashed()
			case <-ctx.Done():
			}
		}()

		return w, nil
	}
	return factory, s, nil
}

// Addr is the loopback address workers dial, e.g. "127.0.0.1:54321".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Close shuts down the listener and every connected worker.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	for _, w := range s.workers {
		w.closeConn()
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/")
	if id == "" {
		http.Error(w, "missing worker id", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	target, ok := s.workers[id]
	cfg := s.cfg
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown worker id", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := target.accept(conn, cfg.Token); err != nil {
		_ = conn.Close()
	}
}

type helloMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type welcomeMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	Result json.RawMessage
	Err    error
}

type worker struct {
	id   string
	desc dispatch.WorkerDescriptor

	timeout time.Duration
	onExit  func()

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected chan struct{}
	connOnce  sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan callResult
	nextID    atomic.Uint64

	terminated int32
	exitOnce   sync.Once

	active int32
}

func (w *worker) ID() string                            { return w.id }
func (w *worker) Descriptor() dispatch.WorkerDescriptor { return w.desc }

func (w *worker) Available() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return atomic.LoadInt32(&w.terminated) == 0 && w.conn != nil
}

func (w *worker) Busy() bool {
	return atomic.LoadInt32(&w.active) > 0
}

func (w *worker) Terminated() bool {
	return atomic.LoadInt32(&w.terminated) == 1
}

func (w *worker) accept(conn *websocket.Conn, token string) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return fmt.Errorf("wsworker: parse hello: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(hello.Type)) != "hello" {
		return fmt.Errorf("wsworker: expected hello, got %q", hello.Type)
	}
	if token != "" && hello.Token != token {
		return errors.New("wsworker: unauthorized")
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := w.writeJSON(conn, welcomeMessage{Type: "welcome", Version: protocolVersion}); err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connOnce.Do(func() { close(w.connected) })

	go w.readLoop(conn)
	return nil
}

func (w *worker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		w.handleMessage(data)
	}

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	w.failAllPending(errNotConnected)
	w.markCrashed()
}

func (w *worker) handleMessage(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if strings.TrimSpace(resp.JSONRPC) != "2.0" || resp.ID == "" {
		return
	}

	w.pendingMu.Lock()
	ch := w.pending[resp.ID]
	delete(w.pending, resp.ID)
	w.pendingMu.Unlock()
	if ch == nil {
		return
	}

	var out callResult
	out.Result = resp.Result
	if resp.Error != nil {
		out.Err = fmt.Errorf("wsworker: remote error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	ch <- out
}

func (w *worker) Exec(ctx context.Context, method string, params []interface{}, resolver *dispatch.Future, opts dispatch.Options) *dispatch.Future {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		resolver.Reject(errNotConnected)
		return resolver
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}

	id := fmt.Sprintf("%d", w.nextID.Add(1))
	ch := make(chan callResult, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()

	atomic.AddInt32(&w.active, 1)
	go func() {
		defer atomic.AddInt32(&w.active, -1)

		req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
		if err := w.writeJSON(conn, req); err != nil {
			w.pendingMu.Lock()
			delete(w.pending, id)
			w.pendingMu.Unlock()
			resolver.Reject(err)
			return
		}

		select {
		case <-time.After(timeout):
			w.pendingMu.Lock()
			delete(w.pending, id)
			w.pendingMu.Unlock()
			resolver.Reject(fmt.Errorf("wsworker: %s: timed out after %s", method, timeout))
		case <-ctx.Done():
			w.pendingMu.Lock()
			delete(w.pending, id)
			w.pendingMu.Unlock()
			resolver.Reject(ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				resolver.Reject(res.Err)
				return
			}
			var val interface{}
			if len(res.Result) > 0 {
				if err := json.Unmarshal(res.Result, &val); err != nil {
					resolver.Reject(err)
					return
				}
			}
			resolver.Resolve(val)
		}
	}()

	return resolver
}

func (w *worker) writeJSON(conn *websocket.Conn, v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (w *worker) failAllPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		delete(w.pending, id)
		ch <- callResult{Err: err}
	}
}

func (w *worker) closeConn() {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *worker) markCrashed() {
	if !atomic.CompareAndSwapInt32(&w.terminated, 0, 1) {
		return
	}
	w.exitOnce.Do(func() {
		if w.onExit != nil {
			w.onExit()
		}
	})
}

func (w *worker) Terminate(force bool, cb func(error)) {
	w.closeConn()
	w.markCrashed()
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
