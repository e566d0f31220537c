package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns an intercepted request into a fetch event for the scope's
// worker host. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *ScopeRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *ScopeRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *ScopeRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// DiagnosticsPrefix 下的路径属于网关自身，不按 Host 映射到 Scope。
const DiagnosticsPrefix = "/-/"

const (
	headerRequestID   = "X-Request-ID"
	headerScope       = "X-Pwa-Hub-Scope"
	headerUnknownHost = "X-Pwa-Hub-Host"
)

type localKey int

const (
	localScopeRoute localKey = iota
	localRequestID
)

// NewApp 构建网关的 Fiber 应用：每个请求先分配请求 ID，再按 Host 解析出 Scope，
// 交给 ProxyHandler 作为 fetch 事件处理。诊断路由由调用方在返回的 app 上注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("scope registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	gw := &gateway{opts: opts}
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(assignRequestID)
	app.Use(gw.resolveScope)
	app.All("/*", gw.dispatch)
	return app, nil
}

type gateway struct {
	opts AppOptions
}

func assignRequestID(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localRequestID, reqID)
	c.Set(headerRequestID, reqID)
	return c.Next()
}

// resolveScope 把 Host/Host:port 映射到 ScopeRoute；未映射的 Host 直接返回 404。
func (g *gateway) resolveScope(c fiber.Ctx) error {
	if isDiagnostics(c) {
		return c.Next()
	}
	host := requestHost(c)
	route, ok := g.opts.Registry.Lookup(host)
	if !ok {
		return g.hostUnmapped(c, host)
	}
	c.Locals(localScopeRoute, route)
	c.Set(headerScope, route.Config().Name)
	return c.Next()
}

// dispatch 是所有 Scope 请求的入口；/-/ 路径交给后注册的诊断路由。
func (g *gateway) dispatch(c fiber.Ctx) error {
	if isDiagnostics(c) {
		return c.Next()
	}
	route, ok := c.Locals(localScopeRoute).(*ScopeRoute)
	if !ok || route == nil {
		return g.hostUnmapped(c, "")
	}
	return g.opts.Proxy.Handle(c, route)
}

func (g *gateway) hostUnmapped(c fiber.Ctx, host string) error {
	g.opts.Logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       g.opts.ListenPort,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(headerUnknownHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

func isDiagnostics(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), DiagnosticsPrefix)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}
