package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

// Storage 对应单个 Scope 的 CacheStorage：按名称管理多个缓存版本。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)
	// Has 判断缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)
	// Keys 按创建顺序返回所有缓存名称。
	Keys(ctx context.Context) ([]string, error)
	// Delete 删除整个缓存，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
	// Match 按创建顺序在所有缓存中查找，返回第一个命中；未命中返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Close 释放底层资源。
	Close() error
}

// Cache 是一个具名缓存版本。条目只会被整体替换，不会原地修改。
type Cache interface {
	Name() string
	// Match 返回与请求匹配的响应快照；未命中返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Put 写入（或整体替换）一个条目。非 GET 请求返回 ErrMethodNotCacheable。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error
	// AddAll 拉取并写入全部请求：任一失败则不保留本次写入的任何条目。
	AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error
	// Delete 删除一个条目，返回删除前是否存在。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)
	// Keys 返回已缓存请求的 URL 列表。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存不存在或未命中。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示只有 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrVaryWildcard 表示 Vary: * 的响应无法被匹配，因此拒绝写入。
	ErrVaryWildcard = errors.New("response with Vary: * cannot be cached")
	// ErrDuplicateRequest 表示 AddAll 的请求列表中出现重复项。
	ErrDuplicateRequest = errors.New("duplicate request in batch")
	// ErrBadResponse 表示 AddAll 拿到了非 2xx 响应。
	ErrBadResponse = errors.New("bad response status")
	// ErrCacheDeleted 表示写入目标缓存已被删除。
	ErrCacheDeleted = errors.New("cache has been deleted")
)

// Driver 名称与配置 StorageDriver 一致。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// NewStorage 根据 driver 为 scope 创建 CacheStorage，所有数据位于 basePath 下。
func NewStorage(driver, basePath, scope string) (Storage, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope name required")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFSStorage(basePath, scope)
	case DriverSQLite:
		return NewSQLiteStorage(basePath, scope)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func validateCacheName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache name required")
	}
	return nil
}
