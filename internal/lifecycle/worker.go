package lifecycle

import (
	"context"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

// Worker 是 Host 托管的事件处理器，对应 install / activate / fetch 三类事件。
// Host 会等待每个方法返回，相当于 waitUntil / respondWith。
type Worker interface {
	Install(ctx context.Context, ctl Controls) error
	Activate(ctx context.Context, ctl Controls) error
	Fetch(ctx context.Context, req *fetch.Request) (*Result, error)
}

// Controls 是 Host 暴露给 Worker 的能力。
type Controls interface {
	// SkipWaiting 让安装成功的 Worker 不经等待直接激活。
	SkipWaiting()
	// Claim 让已激活的 Worker 立即接管尚未被控制的客户端。
	Claim()
}

// Result 是一次 fetch 事件的应答。Source 标记响应来自网络、缓存或离线壳。
type Result struct {
	Response *fetch.Response
	Source   string
}
