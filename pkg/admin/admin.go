// Package admin exposes a Dispatcher over a small fasthttp JSON API:
// point-in-time stats, ad-hoc submission, and graceful termination. Uses a
// plain *fasthttp.Server with a handler func and the
// SetStatusCode/SetContentType/WriteString response shape, plus a bearer
// JWT check modeled on an HS256 Authorization-header lookup, without any
// surrounding request-context framework.
package admin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/Gearlay/workerpool/pkg/core/failfast"
	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// Config configures the admin API server.
type Config struct {
	Addr string
	// JWTSecret, when non-empty, requires a valid Bearer HS256 token on
	// every route except /healthz and /metrics.
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MetricsGatherer, when set, serves /metrics in Prometheus exposition
	// format via promhttp, unauthenticated like /healthz.
	MetricsGatherer prometheus.Gatherer
}

func (c Config) withDefaults() Config {
	out := c
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9090"
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	return out
}

// Server is the admin HTTP API bound to a single dispatch.Pool.
type Server struct {
	cfg     Config
	pool    *dispatch.Pool
	http    *fasthttp.Server
	metrics fasthttp.RequestHandler
}

// New builds a Server over pool. Call ListenAndServe to start it. A nil
// pool is a wiring bug in the caller, not a runtime condition — it fails
// fast rather than surfacing as a nil-pointer panic deep in a handler.
func New(pool *dispatch.Pool, cfg Config) *Server {
	failfast.NotNil(pool, "pool")
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, pool: pool}
	if cfg.MetricsGatherer != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	}
	s.http = &fasthttp.Server{
		Handler:               s.route,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		NoDefaultServerHeader: true,
	}
	return s
}

// ListenAndServe blocks serving the admin API on cfg.Addr.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe(s.cfg.Addr)
}

// Shutdown gracefully stops the admin API.
func (s *Server) Shutdown() error {
	return s.http.Shutdown()
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	if path == "/healthz" {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"status":"ok"}`)
		return
	}

	if path == "/metrics" && s.metrics != nil {
		s.metrics(ctx)
		return
	}

	if s.cfg.JWTSecret != "" {
		if !s.authorized(ctx) {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="dispatcher", error="invalid_token"`)
			ctx.SetContentType("application/json")
			ctx.WriteString(`{"error":"unauthorized","message":"invalid or missing token"}`)
			return
		}
	}

	switch {
	case path == "/stats" && ctx.IsGet():
		s.handleStats(ctx)
	case path == "/wstats" && ctx.IsGet():
		s.handleWStats(ctx)
	case path == "/submit" && ctx.IsPost():
		s.handleSubmit(ctx)
	case path == "/terminate" && ctx.IsPost():
		s.handleTerminate(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"error":"not_found"}`)
	}
}

func (s *Server) authorized(ctx *fasthttp.RequestCtx) bool {
	header := string(ctx.Request.Header.Peek("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"error":"encode_failed"}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.Write(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.pool.Stats())
}

func (s *Server) handleWStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.pool.WStats())
}

type submitRequest struct {
	Method    string        `json:"method"`
	Params    []interface{} `json:"params"`
	Affinity  *int          `json:"affinity,omitempty"`
	TimeoutMS int64         `json:"timeout_ms,omitempty"`
	Wait      bool          `json:"wait"`
}

type submitResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleSubmit(ctx *fasthttp.RequestCtx) {
	var req submitRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "method is required")
		return
	}

	opts := dispatch.Options{Affinity: req.Affinity}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	handle, err := s.pool.Submit(req.Method, req.Params, opts)
	if err != nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}

	if !req.Wait {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"status":"submitted"}`)
		return
	}

	val, err := handle.Wait()
	if err != nil {
		writeJSON(ctx, fasthttp.StatusOK, submitResponse{Error: err.Error()})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, submitResponse{Result: val})
}

type terminateRequest struct {
	Force     bool  `json:"force"`
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

func (s *Server) handleTerminate(ctx *fasthttp.RequestCtx) {
	var req terminateRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid request body")
			return
		}
	}

	timeout := 5 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	if _, err := s.pool.Terminate(req.Force, timeout).Wait(); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.WriteString(`{"status":"terminated"}`)
}
