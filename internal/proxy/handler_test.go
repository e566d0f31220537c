package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/server"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestResolveUpstreamURLMapsScope(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	origin, _ := url.Parse("https://example.github.io/game/")
	cases := []struct {
		uri  string
		want string
	}{
		{uri: "/", want: "https://example.github.io/game/"},
		{uri: "/index.html", want: "https://example.github.io/game/index.html"},
		{uri: "/assets/../app.js?v=3", want: "https://example.github.io/game/app.js?v=3"},
		{uri: "/levels/", want: "https://example.github.io/game/levels/"},
	}
	for _, tc := range cases {
		ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
		ctx.Request().SetRequestURI(tc.uri)
		got := resolveUpstreamURL(origin, ctx).String()
		app.ReleaseCtx(ctx)
		if got != tc.want {
			t.Fatalf("resolve %s = %s, want %s", tc.uri, got, tc.want)
		}
	}
}

func TestBuildFetchRequestDetectsNavigation(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	origin, _ := url.Parse("https://example.github.io/game/")
	route := &server.ScopeRoute{OriginURL: origin}

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/")
	ctx.Request().Header.Set("Accept", "text/html,application/xhtml+xml")
	ctx.Request().Header.Set("Host", "game.pwa.local")

	req := buildFetchRequest(ctx, route)
	if !req.IsNavigation() {
		t.Fatalf("expected navigation mode, got %s", req.Mode)
	}
	if req.Header.Get("Host") != "" {
		t.Fatalf("gateway host must not leak upstream")
	}

	ctx.Request().Header.Set("Sec-Fetch-Mode", "cors")
	if req := buildFetchRequest(ctx, route); req.Mode != fetch.ModeCORS {
		t.Fatalf("expected cors mode, got %s", req.Mode)
	}
}

func TestBuildFetchRequestDropsNetworkHeaders(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	origin, _ := url.Parse("https://example.github.io/game/")
	route := &server.ScopeRoute{OriginURL: origin}

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/icon.png")
	ctx.Request().Header.Set("Accept-Encoding", "gzip, deflate, br")
	ctx.Request().Header.Set("Connection", "keep-alive")
	ctx.Request().Header.Set("Accept-Language", "zh-CN")

	req := buildFetchRequest(ctx, route)
	if req.Header.Get("Accept-Encoding") != "" || req.Header.Get("Connection") != "" {
		t.Fatalf("network headers must not reach the worker: %v", req.Header)
	}
	if req.Header.Get("Accept-Language") != "zh-CN" {
		t.Fatalf("application headers should be kept, got %v", req.Header)
	}
}

type panicWorker struct{}

func (panicWorker) Install(_ context.Context, ctl lifecycle.Controls) error {
	ctl.SkipWaiting()
	return nil
}

func (panicWorker) Activate(_ context.Context, ctl lifecycle.Controls) error {
	ctl.Claim()
	return nil
}

func (panicWorker) Fetch(context.Context, *fetch.Request) (*lifecycle.Result, error) {
	panic("boom")
}

func newRouteApp(t *testing.T, route *server.ScopeRoute) *fiber.App {
	t.Helper()
	handler := NewHandler(quietLogger(), nil)
	app := fiber.New()
	app.All("/*", func(c fiber.Ctx) error {
		return handler.Handle(c, route)
	})
	return app
}

func TestHandlerRecoversWorkerPanic(t *testing.T) {
	origin, _ := url.Parse("https://example.github.io/game/")
	host := lifecycle.NewHost("panic", quietLogger(), nil)
	if err := host.Deploy(context.Background(), "v1", panicWorker{}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	app := newRouteApp(t, &server.ScopeRoute{OriginURL: origin, Host: host})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "worker_panic") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestHandlerWithoutControllerGoesToNetwork(t *testing.T) {
	origin, _ := url.Parse("https://example.github.io/game/")
	var seen string
	fetcher := fetch.FetcherFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		seen = req.URL.String()
		return &fetch.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/css"}, "Connection": []string{"close"}},
			Body:   []byte("body{}"),
			Type:   fetch.ResponseBasic,
		}, nil
	})
	route := &server.ScopeRoute{
		OriginURL: origin,
		Host:      lifecycle.NewHost("idle", quietLogger(), nil),
		Fetcher:   fetcher,
	}
	app := newRouteApp(t, route)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/style.css", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if seen != "https://example.github.io/game/style.css" {
		t.Fatalf("unexpected upstream url %s", seen)
	}
	if resp.Header.Get("X-Pwa-Hub-Source") != "network" || resp.Header.Get("X-Pwa-Hub-Cache") != "miss" {
		t.Fatalf("unexpected source headers: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type should be forwarded, got %s", resp.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{}" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandlerNetworkFailure(t *testing.T) {
	origin, _ := url.Parse("https://example.github.io/game/")
	fetcher := fetch.FetcherFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		return nil, &fetch.NetworkError{URL: req.URL.String(), Err: errors.New("offline")}
	})
	route := &server.ScopeRoute{
		OriginURL: origin,
		Host:      lifecycle.NewHost("idle", quietLogger(), nil),
		Fetcher:   fetcher,
	}
	app := newRouteApp(t, route)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "network_failed") {
		t.Fatalf("unexpected body %s", body)
	}
}
