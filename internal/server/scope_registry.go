package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/metrics"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// ScopeRoute 聚合一个 Scope 的配置与运行时依赖，供路由/代理/诊断层直接复用。
type ScopeRoute struct {
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// OriginURL 在构造 Registry 时提前解析完成，也是 Worker 的注册作用域。
	OriginURL *url.URL
	Storage   cache.Storage
	Host      *lifecycle.Host
	Fetcher   fetch.Fetcher

	logger           *logrus.Logger
	metrics          *metrics.Metrics
	registrationPath string

	mu       sync.RWMutex
	config   config.ScopeConfig
	managers []*worker.Manager
}

// Config 返回当前生效的 Scope 配置副本。
func (r *ScopeRoute) Config() config.ScopeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.config
	cfg.Precache = append([]string(nil), r.config.Precache...)
	return cfg
}

// Deploy 以当前配置构造 Worker 并交给 Host 安装/激活；版本未变化时返回 lifecycle.ErrUnchanged。
// Host 还没有控制者时，先按登记文件恢复重启前的 Worker，安装失败时它继续控制请求。
func (r *ScopeRoute) Deploy(ctx context.Context) error {
	if r.Host.ActiveVersion() == "" {
		r.restore(ctx)
	}

	cfg := r.Config()
	mgr, err := r.newManager(cfg)
	if err != nil {
		return fmt.Errorf("scope %s: %w", cfg.Name, err)
	}

	err = r.Host.Deploy(ctx, cfg.Fingerprint(), mgr)
	if errors.Is(err, lifecycle.ErrUnchanged) {
		return err
	}
	if r.Host.ActiveVersion() == cfg.Fingerprint() {
		r.retire(mgr)
		if saveErr := saveRegistration(r.registrationPath, newRegistration(cfg)); saveErr != nil {
			r.logger.WithError(saveErr).WithFields(logging.ScopeFields(cfg.Name, cfg.CacheName)).
				WithField("action", "deploy").Warn("registration_save_failed")
		}
	}
	if err != nil {
		return fmt.Errorf("scope %s: %w", cfg.Name, err)
	}
	return nil
}

// restore 仅在登记的缓存完整存在时恢复；任何失败都只记录日志，随后照常联网安装。
func (r *ScopeRoute) restore(ctx context.Context) {
	current := r.Config()
	fields := logging.ScopeFields(current.Name, current.CacheName)
	fields["action"] = "restore"

	reg, err := loadRegistration(r.registrationPath)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("registration_load_failed")
		return
	}
	if reg == nil {
		return
	}
	// Origin 变化后旧版本的指纹对不上，放弃恢复。
	cfg := reg.apply(current)
	if cfg.Fingerprint() != reg.Version {
		r.logger.WithFields(fields).Warn("registration_stale")
		return
	}

	mgr, err := r.newManager(cfg)
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("registration_invalid")
		return
	}
	ok, err := mgr.Restorable(ctx)
	if err != nil || !ok {
		r.logger.WithError(err).WithFields(fields).Warn("registration_cache_incomplete")
		return
	}
	if err := r.Host.Restore(reg.Version, mgr); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("registration_restore_failed")
		return
	}
	r.mu.Lock()
	r.managers = append(r.managers, mgr)
	r.mu.Unlock()

	fields["cache_name"] = reg.CacheName
	fields["version"] = reg.Version
	r.logger.WithFields(fields).Info("worker_restored")
}

func (r *ScopeRoute) newManager(cfg config.ScopeConfig) (*worker.Manager, error) {
	return worker.NewManager(worker.Options{
		ScopeName: cfg.Name,
		Scope:     r.OriginURL,
		CacheName: cfg.CacheName,
		Precache:  cfg.Precache,
		ShellURL:  cfg.ShellURL,
	}, r.Storage, r.Fetcher, r.logger, r.metrics)
}

// retire 把 active 之外的 Manager 移出列表，并等待它们已排队的后台写入完成。
func (r *ScopeRoute) retire(active *worker.Manager) {
	r.mu.Lock()
	previous := r.managers
	r.managers = []*worker.Manager{active}
	r.mu.Unlock()
	for _, mgr := range previous {
		if mgr != active {
			mgr.Drain()
		}
	}
}

// Update 替换配置后重新部署。Origin 与 Domain 变化需要重启进程，这里只接受版本相关字段。
func (r *ScopeRoute) Update(ctx context.Context, next config.ScopeConfig) error {
	r.mu.Lock()
	current := r.config
	if !strings.EqualFold(strings.TrimSuffix(next.Origin, "/"), strings.TrimSuffix(current.Origin, "/")) ||
		!strings.EqualFold(next.Domain, current.Domain) {
		r.mu.Unlock()
		return fmt.Errorf("scope %s: origin/domain changes require a restart", current.Name)
	}
	current.CacheName = next.CacheName
	current.Precache = append([]string(nil), next.Precache...)
	current.ShellURL = next.ShellURL
	r.config = current
	r.mu.Unlock()

	return r.Deploy(ctx)
}

// Drain 等待该 Scope 所有 Worker 的后台缓存写入完成。
func (r *ScopeRoute) Drain() {
	r.mu.RLock()
	managers := append([]*worker.Manager(nil), r.managers...)
	r.mu.RUnlock()
	for _, mgr := range managers {
		mgr.Drain()
	}
}

// RegistryOptions 汇总构建 ScopeRegistry 所需的共享依赖。
type RegistryOptions struct {
	Config  *config.Config
	Client  *http.Client
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// NewFetcher 允许测试替换网络层；为空时使用 fetch.NewHTTPFetcher。
	NewFetcher func(origin *url.URL) fetch.Fetcher
}

// ScopeRegistry 提供 Host/Host:port 到 ScopeRoute 的查询能力，所有 Scope 共享同一个监听端口。
type ScopeRegistry struct {
	routes  map[string]*ScopeRoute
	byName  map[string]*ScopeRoute
	ordered []*ScopeRoute
	logger  *logrus.Logger
}

// NewScopeRegistry 根据配置为每个 Scope 打开独立的缓存存储并创建 Host。
// 调用方应在启动阶段创建一次并复用，退出前调用 Close。
func NewScopeRegistry(opts RegistryOptions) (*ScopeRegistry, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	newFetcher := opts.NewFetcher
	if newFetcher == nil {
		client := opts.Client
		if client == nil {
			client = NewUpstreamClient(cfg)
		}
		newFetcher = func(origin *url.URL) fetch.Fetcher {
			return fetch.NewHTTPFetcher(client, origin)
		}
	}

	registry := &ScopeRegistry{
		routes: make(map[string]*ScopeRoute, len(cfg.Scopes)),
		byName: make(map[string]*ScopeRoute, len(cfg.Scopes)),
		logger: logger,
	}

	for _, scope := range cfg.Scopes {
		normalizedHost := normalizeDomain(scope.Domain)
		if normalizedHost == "" {
			registry.Close()
			return nil, fmt.Errorf("invalid domain for scope %s", scope.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			registry.Close()
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		origin, err := url.Parse(scope.Origin)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("invalid origin for scope %s: %w", scope.Name, err)
		}
		storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath, scope.Name)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("open storage for scope %s: %w", scope.Name, err)
		}

		var observer lifecycle.Observer
		if opts.Metrics != nil {
			observer = opts.Metrics
		}
		route := &ScopeRoute{
			ListenPort: cfg.Global.ListenPort,
			OriginURL:  origin,
			Storage:    storage,
			Host:       lifecycle.NewHost(scope.Name, logger, observer),
			Fetcher:    newFetcher(origin),
			logger:     logger,
			metrics:    opts.Metrics,
			config:     scope,

			registrationPath: registrationFile(cfg.Global.StoragePath, scope.Name),
		}
		registry.routes[normalizedHost] = route
		registry.byName[scope.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 ScopeRoute。
func (r *ScopeRegistry) Lookup(host string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Find 按 Scope 名称查找。
func (r *ScopeRegistry) Find(name string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 ScopeRoute 列表（按配置定义的顺序）。
func (r *ScopeRegistry) List() []*ScopeRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*ScopeRoute(nil), r.ordered...)
}

// DeployAll 依次部署所有 Scope。单个 Scope 安装失败不影响其他 Scope，错误合并返回。
func (r *ScopeRegistry) DeployAll(ctx context.Context) error {
	var errs error
	for _, route := range r.List() {
		if err := route.Deploy(ctx); err != nil && !errors.Is(err, lifecycle.ErrUnchanged) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Apply 把新加载的配置应用到已注册的 Scope：版本变化的 Scope 会重新部署。
// 新增或删除 Scope 需要重启进程，这里只记录告警。
func (r *ScopeRegistry) Apply(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	seen := make(map[string]struct{}, len(cfg.Scopes))
	var errs error
	for _, next := range cfg.Scopes {
		seen[next.Name] = struct{}{}
		route, ok := r.Find(next.Name)
		if !ok {
			r.logger.WithFields(logrus.Fields{
				"action": "config_reload",
				"scope":  next.Name,
			}).Warn("scope_added_requires_restart")
			continue
		}
		if route.Config().Fingerprint() == next.Fingerprint() {
			continue
		}
		if err := route.Update(ctx, next); err != nil && !errors.Is(err, lifecycle.ErrUnchanged) {
			errs = multierr.Append(errs, err)
		}
	}
	for _, route := range r.ordered {
		name := route.Config().Name
		if _, ok := seen[name]; !ok {
			r.logger.WithFields(logrus.Fields{
				"action": "config_reload",
				"scope":  name,
			}).Warn("scope_removed_requires_restart")
		}
	}
	return errs
}

// Drain 等待所有 Scope 的后台写入。
func (r *ScopeRegistry) Drain() {
	for _, route := range r.List() {
		route.Drain()
	}
}

// Close 关闭所有缓存存储。
func (r *ScopeRegistry) Close() error {
	if r == nil {
		return nil
	}
	var errs error
	for _, route := range r.ordered {
		errs = multierr.Append(errs, route.Storage.Close())
	}
	return errs
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
