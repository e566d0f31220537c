package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
)

const scopeBase = "https://app.example/game/"

// fakeNetwork 模拟源站：按 URL 返回登记的响应，offline 时所有请求都是网络错误。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*fetch.Response
	offline   bool
	calls     map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*fetch.Response{}, calls: map[string]int{}}
}

func (n *fakeNetwork) serve(rawURL string, status int, typ fetch.ResponseType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = &fetch.Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:       []byte(body),
		Type:       typ,
		URL:        rawURL,
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.URL.String()
	n.calls[key]++
	if n.offline {
		return nil, &fetch.NetworkError{URL: key, Err: errors.New("offline")}
	}
	resp, ok := n.responses[key]
	if !ok {
		return nil, &fetch.NetworkError{URL: key, Err: errors.New("no route to host")}
	}
	return resp.Clone(), nil
}

type nopControls struct {
	skipWaiting bool
	claimed     bool
}

func (c *nopControls) SkipWaiting() { c.skipWaiting = true }
func (c *nopControls) Claim()       { c.claimed = true }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFSStorage(t.TempDir(), "game")
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return storage
}

func newManager(t *testing.T, storage cache.Storage, network fetch.Fetcher, cacheName string) *Manager {
	t.Helper()
	scope, _ := url.Parse(scopeBase)
	m, err := NewManager(Options{
		ScopeName: "game",
		Scope:     scope,
		CacheName: cacheName,
		Precache:  config.DefaultPrecache(),
		ShellURL:  config.DefaultShellURL,
	}, storage, network, quietLogger(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func manifestNetwork() *fakeNetwork {
	network := newFakeNetwork()
	for _, rel := range config.DefaultPrecache() {
		u, _ := url.Parse(scopeBase)
		resolved, _ := u.Parse(rel)
		network.serve(resolved.String(), http.StatusOK, fetch.ResponseBasic, "asset:"+rel)
	}
	return network
}

func request(t *testing.T, rawURL string, mode fetch.Mode) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Mode = mode
	return req
}

func storedKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	return keys
}

func TestInstallIsIdempotent(t *testing.T) {
	storage := newStorage(t)
	m := newManager(t, storage, manifestNetwork(), config.DefaultCacheName)

	ctl := &nopControls{}
	for i := 0; i < 2; i++ {
		if err := m.Install(context.Background(), ctl); err != nil {
			t.Fatalf("install #%d: %v", i+1, err)
		}
	}
	if !ctl.skipWaiting {
		t.Fatalf("install should request skip waiting")
	}

	keys := storedKeys(t, storage, config.DefaultCacheName)
	want := m.PrecacheURLs()
	sort.Strings(want)
	if len(keys) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, keys[i], want[i])
		}
	}

	c, _ := storage.Open(context.Background(), config.DefaultCacheName)
	for _, raw := range want {
		resp, err := c.Match(context.Background(), request(t, raw, fetch.ModeNoCORS))
		if err != nil || resp.Status != http.StatusOK {
			t.Fatalf("entry %s not a success response: %v %v", raw, resp, err)
		}
	}
}

func TestInstallFailsWhenAnyManifestEntryFails(t *testing.T) {
	storage := newStorage(t)
	network := manifestNetwork()
	network.serve("https://app.example/game/icon.png", http.StatusNotFound, fetch.ResponseBasic, "missing")
	m := newManager(t, storage, network, config.DefaultCacheName)

	ctl := &nopControls{}
	err := m.Install(context.Background(), ctl)
	if !errors.Is(err, cache.ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
	if keys := storedKeys(t, storage, config.DefaultCacheName); len(keys) != 0 {
		t.Fatalf("failed install must not keep a partial precache: %v", keys)
	}
	if !ctl.skipWaiting {
		t.Fatalf("skip waiting is requested even when install fails")
	}
}

func TestActivateKeepsOnlyCurrentVersion(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()
	for _, name := range []string{"v1", "v2", "legacy"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	m := newManager(t, storage, newFakeNetwork(), "v2")
	ctl := &nopControls{}
	if err := m.Activate(ctx, ctl); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !ctl.claimed {
		t.Fatalf("activate should claim clients")
	}

	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("expected only v2 to survive, got %v", names)
	}
}

// failingDeleteStorage 让指定缓存删除失败，验证其他删除不受影响。
type failingDeleteStorage struct {
	cache.Storage
	failOn string
}

func (s *failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.failOn {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

type countingRecorder struct {
	mu      sync.Mutex
	deletes map[bool]int
	writes  map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{deletes: map[bool]int{}, writes: map[bool]int{}}
}

func (r *countingRecorder) CacheWrite(_ string, err error) {
	r.mu.Lock()
	r.writes[err == nil]++
	r.mu.Unlock()
}

func (r *countingRecorder) StaleCacheDeleted(_ string, err error) {
	r.mu.Lock()
	r.deletes[err == nil]++
	r.mu.Unlock()
}

func TestActivateDeletionFailuresAreIsolated(t *testing.T) {
	base := newStorage(t)
	ctx := context.Background()
	for _, name := range []string{"v1", "stuck", "v0", "v2"} {
		if _, err := base.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	storage := &failingDeleteStorage{Storage: base, failOn: "stuck"}
	scope, _ := url.Parse(scopeBase)
	recorder := newCountingRecorder()
	m, err := NewManager(Options{ScopeName: "game", Scope: scope, CacheName: "v2", ShellURL: "./index.html"},
		storage, newFakeNetwork(), quietLogger(), recorder)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctl := &nopControls{}
	if err := m.Activate(ctx, ctl); err != nil {
		t.Fatalf("a failed deletion must not fail activation: %v", err)
	}
	if !ctl.claimed {
		t.Fatalf("activate should still claim clients")
	}

	names, _ := base.Keys(ctx)
	sort.Strings(names)
	if len(names) != 2 || names[0] != "stuck" || names[1] != "v2" {
		t.Fatalf("expected stuck and v2 to remain, got %v", names)
	}
	if recorder.deletes[true] != 2 || recorder.deletes[false] != 1 {
		t.Fatalf("unexpected delete outcomes: %v", recorder.deletes)
	}
}

func TestNavigationFallsBackToShell(t *testing.T) {
	storage := newStorage(t)
	network := manifestNetwork()
	m := newManager(t, storage, network, config.DefaultCacheName)
	if err := m.Install(context.Background(), &nopControls{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	c, _ := storage.Open(context.Background(), config.DefaultCacheName)
	shell, err := c.Match(context.Background(), request(t, "https://app.example/game/index.html", fetch.ModeNoCORS))
	if err != nil {
		t.Fatalf("shell should be precached: %v", err)
	}

	network.setOffline(true)
	res, err := m.Fetch(context.Background(), request(t, "https://app.example/game/level/3", fetch.ModeNavigate))
	if err != nil {
		t.Fatalf("navigation should not fail offline: %v", err)
	}
	if res.Source != SourceShell {
		t.Fatalf("expected shell fallback, got %s", res.Source)
	}
	if !bytes.Equal(res.Response.Body, shell.Body) || res.Response.Status != shell.Status {
		t.Fatalf("fallback should equal cached shell, got %q", res.Response.Body)
	}
}

func TestNavigationPrefersNetwork(t *testing.T) {
	storage := newStorage(t)
	network := manifestNetwork()
	network.serve("https://app.example/game/missing", http.StatusNotFound, fetch.ResponseBasic, "not here")
	m := newManager(t, storage, network, config.DefaultCacheName)
	if err := m.Install(context.Background(), &nopControls{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	res, err := m.Fetch(context.Background(), request(t, "https://app.example/game/missing", fetch.ModeNavigate))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != SourceNetwork || res.Response.Status != http.StatusNotFound {
		t.Fatalf("HTTP errors are returned as-is for navigations: %s %d", res.Source, res.Response.Status)
	}
}

func TestNavigationWithoutShellFails(t *testing.T) {
	network := newFakeNetwork()
	network.setOffline(true)
	m := newManager(t, newStorage(t), network, config.DefaultCacheName)

	_, err := m.Fetch(context.Background(), request(t, "https://app.example/game/", fetch.ModeNavigate))
	if !errors.Is(err, ErrShellUnavailable) {
		t.Fatalf("expected ErrShellUnavailable, got %v", err)
	}
}

func TestSubresourceCacheFirst(t *testing.T) {
	storage := newStorage(t)
	network := newFakeNetwork()
	m := newManager(t, storage, network, config.DefaultCacheName)

	target := "https://app.example/game/app.wasm"
	c, _ := storage.Open(context.Background(), config.DefaultCacheName)
	prior := &fetch.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("cached-wasm"), Type: fetch.ResponseBasic}
	if err := c.Put(context.Background(), request(t, target, fetch.ModeNoCORS), prior); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	res, err := m.Fetch(context.Background(), request(t, target, fetch.ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "cached-wasm" {
		t.Fatalf("expected cached entry, got %s %q", res.Source, res.Response.Body)
	}
	if calls := network.callCount(target); calls != 0 {
		t.Fatalf("cache hit must not touch the network, got %d calls", calls)
	}
}

func TestPrecachedAssetsServedOfflineDespiteVary(t *testing.T) {
	storage := newStorage(t)
	network := manifestNetwork()
	for _, resp := range network.responses {
		resp.Header.Set("Vary", "Accept-Encoding")
	}
	m := newManager(t, storage, network, config.DefaultCacheName)
	if err := m.Install(context.Background(), &nopControls{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	network.setOffline(true)

	target := "https://app.example/game/icon.png"
	req := request(t, target, fetch.ModeNoCORS)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	before := network.callCount(target)
	res, err := m.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("precached icon should be served offline: %v", err)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "asset:./icon.png" {
		t.Fatalf("expected cached icon, got %s %q", res.Source, res.Response.Body)
	}
	if calls := network.callCount(target); calls != before {
		t.Fatalf("cache hit must not touch the network, got %d extra calls", calls-before)
	}
}

func TestSubresourceSelectiveCaching(t *testing.T) {
	storage := newStorage(t)
	network := newFakeNetwork()
	recorder := newCountingRecorder()
	scope, _ := url.Parse(scopeBase)
	m, err := NewManager(Options{ScopeName: "game", Scope: scope, CacheName: "v1", ShellURL: "./index.html"},
		storage, network, quietLogger(), recorder)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	opaque := "https://cdn.example/font.woff2"
	network.serve(opaque, http.StatusOK, fetch.ResponseOpaque, "font")
	sameOrigin := "https://app.example/game/app.js"
	network.serve(sameOrigin, http.StatusOK, fetch.ResponseBasic, "console.log('hi')")

	res, err := m.Fetch(context.Background(), request(t, opaque, fetch.ModeNoCORS))
	if err != nil || res.Response.Type != fetch.ResponseOpaque || string(res.Response.Body) != "font" {
		t.Fatalf("opaque response should be returned unchanged: %v %v", res, err)
	}
	res, err = m.Fetch(context.Background(), request(t, sameOrigin, fetch.ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	returned := res.Response.Body
	m.Drain()

	keys := storedKeys(t, storage, "v1")
	if len(keys) != 1 || keys[0] != sameOrigin {
		t.Fatalf("only the same-origin response should be cached, got %v", keys)
	}
	c, _ := storage.Open(context.Background(), "v1")
	stored, err := c.Match(context.Background(), request(t, sameOrigin, fetch.ModeNoCORS))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !bytes.Equal(stored.Body, returned) {
		t.Fatalf("cached body %q differs from returned %q", stored.Body, returned)
	}
	if recorder.writes[true] != 1 {
		t.Fatalf("expected one successful background write, got %v", recorder.writes)
	}

	// 第二次请求命中缓存，不再回源。
	if _, err := m.Fetch(context.Background(), request(t, sameOrigin, fetch.ModeNoCORS)); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if calls := network.callCount(sameOrigin); calls != 1 {
		t.Fatalf("expected a single network call, got %d", calls)
	}
}

func TestSubresourceNonOKNotCached(t *testing.T) {
	storage := newStorage(t)
	network := newFakeNetwork()
	m := newManager(t, storage, network, "v1")

	target := "https://app.example/game/missing.js"
	network.serve(target, http.StatusNotFound, fetch.ResponseBasic, "nope")

	res, err := m.Fetch(context.Background(), request(t, target, fetch.ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Response.Status != http.StatusNotFound || string(res.Response.Body) != "nope" {
		t.Fatalf("404 should be returned unchanged: %d %q", res.Response.Status, res.Response.Body)
	}
	m.Drain()
	if keys := storedKeys(t, storage, "v1"); len(keys) != 0 {
		t.Fatalf("404 must not be cached, got %v", keys)
	}
}

func TestSubresourceNetworkErrorPropagates(t *testing.T) {
	network := newFakeNetwork()
	network.setOffline(true)
	m := newManager(t, newStorage(t), network, "v1")

	_, err := m.Fetch(context.Background(), request(t, "https://app.example/game/app.js", fetch.ModeNoCORS))
	var netErr *fetch.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestBackgroundWriteSurvivesRequestCancel(t *testing.T) {
	storage := newStorage(t)
	network := newFakeNetwork()
	m := newManager(t, storage, network, "v1")
	target := "https://app.example/game/chunk.js"
	network.serve(target, http.StatusOK, fetch.ResponseBasic, "chunk")

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Fetch(ctx, request(t, target, fetch.ModeNoCORS)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	cancel()
	m.Drain()

	if keys := storedKeys(t, storage, "v1"); len(keys) != 1 {
		t.Fatalf("write should complete after the request ends, got %v", keys)
	}
}

// stallingStorage 让后台写入卡在 Open 上，放行后写入失败。
type stallingStorage struct {
	cache.Storage
	release chan struct{}
}

func (s *stallingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	<-s.release
	return nil, errors.New("disk full")
}

func TestResponseNotBlockedByCacheWrite(t *testing.T) {
	storage := &stallingStorage{Storage: newStorage(t), release: make(chan struct{})}
	network := newFakeNetwork()
	recorder := newCountingRecorder()
	scope, _ := url.Parse(scopeBase)
	m, err := NewManager(Options{ScopeName: "game", Scope: scope, CacheName: "v1", ShellURL: "./index.html"},
		storage, network, quietLogger(), recorder)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	target := "https://app.example/game/level1.bin"
	network.serve(target, http.StatusOK, fetch.ResponseBasic, "level")

	done := make(chan *lifecycle.Result, 1)
	go func() {
		res, err := m.Fetch(context.Background(), request(t, target, fetch.ModeNoCORS))
		if err != nil {
			t.Errorf("fetch: %v", err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res == nil || res.Source != SourceNetwork || string(res.Response.Body) != "level" {
			t.Fatalf("expected the network response, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		close(storage.release)
		t.Fatalf("response waited for the cache write")
	}

	close(storage.release)
	m.Drain()
	if recorder.writes[false] != 1 || recorder.writes[true] != 0 {
		t.Fatalf("expected one failed background write, got %v", recorder.writes)
	}
}

func TestNewManagerValidatesOptions(t *testing.T) {
	storage := newStorage(t)
	if _, err := NewManager(Options{CacheName: "v1"}, storage, newFakeNetwork(), nil, nil); err == nil {
		t.Fatalf("expected scope error")
	}
	scope, _ := url.Parse(scopeBase)
	if _, err := NewManager(Options{Scope: scope}, storage, newFakeNetwork(), nil, nil); err == nil {
		t.Fatalf("expected cache name error")
	}
}
