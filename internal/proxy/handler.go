package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/metrics"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// 路由类型，日志/指标中的 route 字段。
const (
	routeNavigate    = "navigate"
	routeSubresource = "subresource"
)

// Handler 把拦截到的请求转换为 fetch 事件交给 Scope 的 Host，再把 Worker 的应答写回客户端。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a proxy handler; metrics may be nil.
func NewHandler(logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{logger: logger, metrics: m}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildFetchRequest(c, route)
	kind := routeSubresource
	if req.IsNavigation() {
		kind = routeNavigate
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("worker panic: %v", r)
			h.logResult(route, req, kind, requestID, "", fiber.StatusInternalServerError, started, panicErr)
			err = writeError(c, fiber.StatusInternalServerError, "worker_panic")
		}
	}()

	result, dispatchErr := route.Host.Dispatch(ctx, req)
	if errors.Is(dispatchErr, lifecycle.ErrNoController) {
		// 没有控制者时请求直接走网络，行为等同于未安装 Worker 的页面。
		resp, fetchErr := route.Fetcher.Fetch(ctx, req)
		result, dispatchErr = &lifecycle.Result{Response: resp, Source: worker.SourceNetwork}, fetchErr
	}

	if dispatchErr != nil {
		status, code := fiber.StatusBadGateway, "network_failed"
		if errors.Is(dispatchErr, worker.ErrShellUnavailable) {
			status, code = fiber.StatusServiceUnavailable, "offline_shell_unavailable"
		}
		h.logResult(route, req, kind, requestID, "", status, started, dispatchErr)
		return writeError(c, status, code)
	}
	if result == nil || result.Response == nil {
		h.logResult(route, req, kind, requestID, "", fiber.StatusBadGateway, started, errors.New("empty worker response"))
		return writeError(c, fiber.StatusBadGateway, "network_failed")
	}

	writeErr := writeResponse(c, result)
	h.logResult(route, req, kind, requestID, result.Source, result.Response.Status, started, writeErr)
	return writeErr
}

// buildFetchRequest 将网关路径映射到 Origin：网关的 "/" 对应 Origin 的注册作用域。
func buildFetchRequest(c fiber.Ctx, route *server.ScopeRoute) *fetch.Request {
	method := strings.ToUpper(c.Method())
	header := fiberHeadersAsHTTP(c)

	return &fetch.Request{
		Method: method,
		URL:    resolveUpstreamURL(route.OriginURL, c),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Mode:   fetch.ModeFromHeaders(method, header),
	}
}

func resolveUpstreamURL(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := requestPath(c)
	target := *origin
	target.Path = strings.TrimSuffix(origin.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return &target
}

func requestPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().Path())
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉目录结尾的 "/"，而 "./" 与 "./index.html" 是不同的缓存键。
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return fetch.RequestHeaders(header)
}

func writeResponse(c fiber.Ctx, result *lifecycle.Result) error {
	resp := result.Response
	for key, values := range resp.Header {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Pwa-Hub-Source", result.Source)
	if result.Source == worker.SourceNetwork {
		c.Set("X-Pwa-Hub-Cache", "miss")
	} else {
		c.Set("X-Pwa-Hub-Cache", "hit")
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.ScopeRoute,
	req *fetch.Request,
	kind string,
	requestID string,
	source string,
	status int,
	started time.Time,
	err error,
) {
	cfg := route.Config()
	elapsed := time.Since(started)
	fields := logging.RequestFields(cfg.Name, cfg.Domain, kind, source, source != "" && source != worker.SourceNetwork)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.metrics.ObserveFetch(cfg.Name, kind, source, outcome, elapsed)

	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
