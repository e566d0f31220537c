package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/logging"
)

// 响应来源，写入响应头、日志与指标。
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceShell   = "shell-fallback"
)

// ErrShellUnavailable 表示导航请求网络失败，且缓存中也没有应用壳。
var ErrShellUnavailable = errors.New("offline shell unavailable")

// Options 在构造时注入，之后不可变。
type Options struct {
	ScopeName string
	// Scope 是注册作用域的基础 URL，清单与 ShellURL 相对它解析。
	Scope     *url.URL
	CacheName string
	Precache  []string
	ShellURL  string
}

// Recorder 接收缓存写入与清理结果，*metrics.Metrics 满足该接口。
type Recorder interface {
	CacheWrite(scope string, err error)
	StaleCacheDeleted(scope string, err error)
}

// Manager 是一个版本的离线缓存 Worker，实现 lifecycle.Worker。
type Manager struct {
	opts     Options
	precache []*url.URL
	shell    *url.URL

	storage  cache.Storage
	fetcher  fetch.Fetcher
	logger   *logrus.Logger
	recorder Recorder

	writes conc.WaitGroup
}

// NewManager 解析清单与应用壳地址；recorder 可为空。
func NewManager(opts Options, storage cache.Storage, fetcher fetch.Fetcher, logger *logrus.Logger, recorder Recorder) (*Manager, error) {
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("absolute scope url required")
	}
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name required")
	}
	if storage == nil || fetcher == nil {
		return nil, errors.New("storage and fetcher required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	precache := make([]*url.URL, 0, len(opts.Precache))
	for _, raw := range opts.Precache {
		resolved, err := opts.Scope.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve precache entry %q: %w", raw, err)
		}
		precache = append(precache, resolved)
	}
	shell, err := opts.Scope.Parse(opts.ShellURL)
	if err != nil {
		return nil, fmt.Errorf("resolve shell url %q: %w", opts.ShellURL, err)
	}

	opts.Precache = append([]string(nil), opts.Precache...)
	return &Manager{
		opts:     opts,
		precache: precache,
		shell:    shell,
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// CacheName 返回当前版本的缓存名称。
func (m *Manager) CacheName() string {
	return m.opts.CacheName
}

// PrecacheURLs 返回解析后的清单地址。
func (m *Manager) PrecacheURLs() []string {
	urls := make([]string, len(m.precache))
	for i, u := range m.precache {
		urls[i] = u.String()
	}
	return urls
}

// Restorable 判断当前版本的缓存是否完整保存在存储中：缓存存在且清单中每一项都能命中。
// 只做读取，不会创建缓存。
func (m *Manager) Restorable(ctx context.Context) (bool, error) {
	ok, err := m.storage.Has(ctx, m.opts.CacheName)
	if err != nil || !ok {
		return false, err
	}
	store, err := m.storage.Open(ctx, m.opts.CacheName)
	if err != nil {
		return false, err
	}
	for _, u := range m.precache {
		if _, err := store.Match(ctx, m.newGet(u)); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Install 打开当前版本缓存并原子地写入整个清单。
func (m *Manager) Install(ctx context.Context, ctl lifecycle.Controls) error {
	// 无论预缓存是否成功都请求跳过等待；安装失败的 Worker 会被 Host 丢弃。
	ctl.SkipWaiting()

	store, err := m.storage.Open(ctx, m.opts.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", m.opts.CacheName, err)
	}

	reqs := make([]*fetch.Request, 0, len(m.precache))
	for _, u := range m.precache {
		reqs = append(reqs, m.newGet(u))
	}
	if err := store.AddAll(ctx, m.fetcher, reqs); err != nil {
		return fmt.Errorf("precache %s: %w", m.opts.CacheName, err)
	}

	fields := m.fields("install")
	fields["entries"] = len(reqs)
	m.logger.WithFields(fields).Info("precache_complete")
	return nil
}

// Activate 删除所有非当前版本的缓存。每个删除独立执行，失败只记录日志，
// 不影响其他删除，也不会让激活失败。
func (m *Manager) Activate(ctx context.Context, ctl lifecycle.Controls) error {
	defer ctl.Claim()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	p := pool.New().WithContext(ctx)
	for _, name := range names {
		if name == m.opts.CacheName {
			continue
		}
		name := name
		p.Go(func(ctx context.Context) error {
			_, err := m.storage.Delete(ctx, name)
			if m.recorder != nil {
				m.recorder.StaleCacheDeleted(m.opts.ScopeName, err)
			}
			if err != nil {
				m.logger.WithError(err).WithFields(logging.ScopeFields(m.opts.ScopeName, name)).WithField("action", "activate").Warn("stale_cache_delete_failed")
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			m.logger.WithFields(logging.ScopeFields(m.opts.ScopeName, name)).WithField("action", "activate").Info("stale_cache_deleted")
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "activate",
			"scope":  m.opts.ScopeName,
		}).Warn("stale_cache_cleanup_incomplete")
	}
	return nil
}

// Fetch 按请求类型路由。
func (m *Manager) Fetch(ctx context.Context, req *fetch.Request) (*lifecycle.Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request required")
	}
	if req.IsNavigation() {
		return m.fetchNavigation(ctx, req)
	}
	return m.fetchSubresource(ctx, req)
}

// Drain 等待所有后台缓存写入完成。
func (m *Manager) Drain() {
	m.writes.Wait()
}

// fetchNavigation 网络优先：任何 HTTP 状态都直接返回，只有网络失败才回退到应用壳。
func (m *Manager) fetchNavigation(ctx context.Context, req *fetch.Request) (*lifecycle.Result, error) {
	resp, netErr := m.fetcher.Fetch(ctx, req)
	if netErr == nil {
		return &lifecycle.Result{Response: resp, Source: SourceNetwork}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shell, err := m.storage.Match(ctx, m.newGet(m.shell))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action": "fetch",
				"scope":  m.opts.ScopeName,
				"shell":  m.shell.String(),
			}).Warn("shell_match_failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrShellUnavailable, netErr)
	}
	return &lifecycle.Result{Response: shell, Source: SourceShell}, nil
}

// fetchSubresource 缓存优先；未命中时回源，仅同源 200 响应会在后台写入当前版本缓存。
func (m *Manager) fetchSubresource(ctx context.Context, req *fetch.Request) (*lifecycle.Result, error) {
	cached, err := m.storage.Match(ctx, req)
	switch {
	case err == nil:
		return &lifecycle.Result{Response: cached, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "fetch",
			"scope":  m.opts.ScopeName,
			"url":    req.URL.String(),
		}).Warn("cache_match_failed")
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !cacheable(req, resp) {
		return &lifecycle.Result{Response: resp, Source: SourceNetwork}, nil
	}

	// 后台写入使用副本；请求取消不影响写入，写入失败也不影响响应。
	reqCopy := req.Clone()
	respCopy := resp.Clone()
	writeCtx := context.WithoutCancel(ctx)
	m.writes.Go(func() {
		m.store(writeCtx, reqCopy, respCopy)
	})
	return &lifecycle.Result{Response: resp, Source: SourceNetwork}, nil
}

func (m *Manager) store(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	store, err := m.storage.Open(ctx, m.opts.CacheName)
	if err == nil {
		err = store.Put(ctx, req, resp)
	}
	if m.recorder != nil {
		m.recorder.CacheWrite(m.opts.ScopeName, err)
	}
	if err != nil {
		fields := m.fields("cache_write")
		fields["url"] = req.URL.String()
		m.logger.WithError(err).WithFields(fields).Warn("cache_write_failed")
	}
}

func (m *Manager) fields(action string) logrus.Fields {
	fields := logging.ScopeFields(m.opts.ScopeName, m.opts.CacheName)
	fields["action"] = action
	return fields
}

func (m *Manager) newGet(u *url.URL) *fetch.Request {
	target := *u
	return &fetch.Request{
		Method: http.MethodGet,
		URL:    &target,
		Header: http.Header{},
		Mode:   fetch.ModeNoCORS,
	}
}

// cacheable 只接受 GET 请求的同源 200 响应。
func cacheable(req *fetch.Request, resp *fetch.Response) bool {
	if resp == nil || req.Method != http.MethodGet {
		return false
	}
	return resp.Status == http.StatusOK && resp.Type == fetch.ResponseBasic
}

var _ lifecycle.Worker = (*Manager)(nil)
