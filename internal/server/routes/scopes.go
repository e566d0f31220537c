package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/metrics"
	"github.com/any-hub/pwa-hub/internal/server"
)

// RegisterScopeRoutes 暴露 /-/scopes 诊断接口，供运维查询各 Scope 的生命周期状态与缓存内容。
func RegisterScopeRoutes(app *fiber.App, registry *server.ScopeRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/scopes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"scopes": encodeScopes(registry.List()),
		})
	})

	app.Get("/-/scopes/:name", func(c fiber.Ctx) error {
		route, ok := registry.Find(strings.TrimSpace(c.Params("name")))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		detail, detailErr := encodeScopeDetail(requestContext(c), route)
		if detailErr != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(detail)
	})

	// 手动重新部署：用于安装失败后的恢复，版本未变化时为 no-op。
	app.Post("/-/scopes/:name/update", func(c fiber.Ctx) error {
		route, ok := registry.Find(strings.TrimSpace(c.Params("name")))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		version := route.Config().Fingerprint()
		deployErr := route.Deploy(requestContext(c))
		switch {
		case deployErr == nil:
			return c.JSON(fiber.Map{"result": "deployed", "version": version})
		case errors.Is(deployErr, lifecycle.ErrUnchanged):
			return c.JSON(fiber.Map{"result": "unchanged", "version": version})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "deploy_failed",
				"detail": deployErr.Error(),
			})
		}
	})
}

// RegisterMetricsRoute 通过 adaptor 挂载 promhttp handler。
func RegisterMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	if app == nil || m == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
}

type scopePayload struct {
	Name      string             `json:"name"`
	Domain    string             `json:"domain"`
	Origin    string             `json:"origin"`
	CacheName string             `json:"cache_name"`
	Version   string             `json:"version"`
	Port      int                `json:"port"`
	Lifecycle lifecycle.Snapshot `json:"lifecycle"`
}

type scopeDetailPayload struct {
	scopePayload
	Precache []string `json:"precache"`
	ShellURL string   `json:"shell_url"`
	Caches   []string `json:"caches"`
	Entries  []string `json:"entries"`
}

func encodeScopes(routes []*server.ScopeRoute) []scopePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]scopePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeScope(route))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func encodeScope(route *server.ScopeRoute) scopePayload {
	cfg := route.Config()
	return scopePayload{
		Name:      cfg.Name,
		Domain:    cfg.Domain,
		Origin:    cfg.Origin,
		CacheName: cfg.CacheName,
		Version:   cfg.Fingerprint(),
		Port:      route.ListenPort,
		Lifecycle: route.Host.Snapshot(),
	}
}

func encodeScopeDetail(ctx context.Context, route *server.ScopeRoute) (scopeDetailPayload, error) {
	cfg := route.Config()
	detail := scopeDetailPayload{
		scopePayload: encodeScope(route),
		Precache:     cfg.Precache,
		ShellURL:     cfg.ShellURL,
	}

	caches, err := route.Storage.Keys(ctx)
	if err != nil {
		return detail, err
	}
	detail.Caches = caches

	// 只读取已存在的缓存，避免诊断请求创建空缓存。
	exists, err := route.Storage.Has(ctx, cfg.CacheName)
	if err != nil || !exists {
		return detail, err
	}
	store, err := route.Storage.Open(ctx, cfg.CacheName)
	if err != nil {
		return detail, err
	}
	detail.Entries, err = store.Keys(ctx)
	return detail, err
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
