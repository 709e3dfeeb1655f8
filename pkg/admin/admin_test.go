package admin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/Gearlay/workerpool/pkg/dispatch"
	"github.com/Gearlay/workerpool/pkg/transport/goroutine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	factory := goroutine.NewFactory(goroutine.Config{
		Handlers: map[string]goroutine.Handler{
			"echo": func(ctx context.Context, params []interface{}) (interface{}, error) {
				return params, nil
			},
		},
	})
	pool, err := dispatch.New(context.Background(), dispatch.Config{
		MaxWorkers: 1,
		MinWorkers: 1,
		Factory:    factory,
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool, Config{})
}

func fakeRequest(method, path string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	s.cfg.JWTSecret = "secret"

	ctx := fakeRequest("GET", "/healthz", nil)
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("got status %d, want 200", ctx.Response.StatusCode())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	s.cfg.JWTSecret = "secret"

	ctx := fakeRequest("GET", "/stats", nil)
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", ctx.Response.StatusCode())
	}
}

func TestStatsReturnsPoolSnapshot(t *testing.T) {
	s := newTestServer(t)

	ctx := fakeRequest("GET", "/stats", nil)
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("got status %d, want 200", ctx.Response.StatusCode())
	}
	var stats dispatch.Stats
	if err := json.Unmarshal(ctx.Response.Body(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalWorkers != 1 {
		t.Fatalf("got TotalWorkers %d, want 1", stats.TotalWorkers)
	}
}

func TestSubmitWaitsForResult(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(submitRequest{Method: "echo", Params: []interface{}{"hi"}, Wait: true})
	ctx := fakeRequest("POST", "/submit", body)
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("got status %d, want 200: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var resp submitResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}

func TestSubmitWithoutMethodIsRejected(t *testing.T) {
	s := newTestServer(t)

	ctx := fakeRequest("POST", "/submit", []byte(`{}`))
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("got status %d, want 400", ctx.Response.StatusCode())
	}
}

func TestTerminateSettlesPool(t *testing.T) {
	s := newTestServer(t)

	ctx := fakeRequest("POST", "/terminate", []byte(`{"force":true,"timeout_ms":1000}`))
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("got status %d, want 200: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	s := newTestServer(t)

	ctx := fakeRequest("GET", "/nope", nil)
	s.route(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("got status %d, want 404", ctx.Response.StatusCode())
	}
}
