package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

// writeMetaFile 写入条目元数据，测试中可替换以模拟写入失败。
var writeMetaFile = writeFileAtomic

// 磁盘布局：
//
//	<StoragePath>/<scope>/<escaped cache name>/cache.json          # 缓存描述（名称、创建时间）
//	<StoragePath>/<scope>/<escaped cache name>/<sha1(key)>.meta          # 请求标识 + 响应头 + 正文文件名
//	<StoragePath>/<scope>/<escaped cache name>/<sha1(key)>.<uuid>.body   # 响应正文
//
// 每次写入都生成新的正文文件，元数据 rename 落盘即完成整条替换。
const (
	descriptorFile = "cache.json"
	metaSuffix     = ".meta"
	bodySuffix     = ".body"
)

type cacheDescriptor struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFSStorage 以 basePath/<scope> 为根目录构建磁盘 CacheStorage。
func NewFSStorage(basePath, scope string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(filepath.Join(basePath, scope))
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsStorage{
		root:  abs,
		locks: make(map[string]*entryLock),
	}, nil
}

// fsStorage 的 mu 串行化缓存的创建/删除；entryLock 避免同一条目并发写入交错。
type fsStorage struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fsStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateCacheName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.cacheDir(name)
	if _, err := readDescriptor(dir); err == nil {
		return &fsCache{storage: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cacheDescriptor{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(dir, descriptorFile, payload); err != nil {
		return nil, err
	}
	return &fsCache{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := readDescriptor(s.cacheDir(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	descriptors := make([]cacheDescriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		desc, err := readDescriptor(filepath.Join(s.root, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}
	sort.SliceStable(descriptors, func(i, j int) bool {
		if descriptors[i].CreatedAt.Equal(descriptors[j].CreatedAt) {
			return descriptors[i].Name < descriptors[j].Name
		}
		return descriptors[i].CreatedAt.Before(descriptors[j].CreatedAt)
	})

	names := make([]string, len(descriptors))
	for i, desc := range descriptors {
		names[i] = desc.Name
	}
	return names, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateCacheName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.cacheDir(name)
	if _, err := readDescriptor(dir); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	// 先移除描述文件，保证删除中途失败时该缓存也不再出现在 Keys 中。
	if err := os.Remove(filepath.Join(dir, descriptorFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fsStorage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &fsCache{storage: s, name: name, dir: s.cacheDir(name)}
		resp, err := c.Match(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fsStorage) Close() error {
	return nil
}

func (s *fsStorage) cacheDir(name string) string {
	return filepath.Join(s.root, url.PathEscape(name))
}

func (s *fsStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fsCache 是磁盘上的一个缓存版本。
type fsCache struct {
	storage *fsStorage
	name    string
	dir     string
}

func (c *fsCache) Name() string {
	return c.name
}

func (c *fsCache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	rec, err := c.getRecord(ctx, requestKey(req.URL))
	if err != nil {
		return nil, err
	}
	if !rec.matches(req) {
		return nil, ErrNotFound
	}
	return rec.response(), nil
}

func (c *fsCache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	rec, err := newRecord(req, resp)
	if err != nil {
		return err
	}
	return c.putRecord(ctx, rec)
}

func (c *fsCache) AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	return addAll(ctx, c, fetcher, reqs)
}

func (c *fsCache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false, nil
	}
	key := requestKey(req.URL)
	if _, err := c.getRecord(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := c.deleteKey(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fsCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type keyed struct {
		url      string
		storedAt time.Time
	}
	var items []keyed
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		rec, err := readMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		items = append(items, keyed{url: rec.RequestURL, storedAt: rec.StoredAt})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].storedAt.Equal(items[j].storedAt) {
			return items[i].url < items[j].url
		}
		return items[i].storedAt.Before(items[j].storedAt)
	})

	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.url
	}
	return keys, nil
}

func (c *fsCache) getRecord(ctx context.Context, key string) (*record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := c.storage.lockEntry(c.lockKey(key))
	defer unlock()

	base := entryBase(key)
	rec, err := readMeta(filepath.Join(c.dir, base+metaSuffix))
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(c.dir, bodyFileOf(rec, base)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.body = body
	return rec, nil
}

// putRecord 先写新的正文文件，再写引用它的元数据；元数据落盘前读方仍看到旧条目。
func (c *fsCache) putRecord(ctx context.Context, rec *record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := readDescriptor(c.dir); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCacheDeleted
		}
		return err
	}

	unlock := c.storage.lockEntry(c.lockKey(rec.Key))
	defer unlock()

	base := entryBase(rec.Key)
	previous, prevErr := readMeta(filepath.Join(c.dir, base+metaSuffix))

	stored := *rec
	stored.BodyFile = base + "." + uuid.NewString() + bodySuffix
	meta, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.dir, stored.BodyFile, rec.body); err != nil {
		return err
	}
	if err := writeMetaFile(c.dir, base+metaSuffix, meta); err != nil {
		os.Remove(filepath.Join(c.dir, stored.BodyFile))
		return err
	}
	if prevErr == nil {
		os.Remove(filepath.Join(c.dir, bodyFileOf(previous, base)))
	}
	return nil
}

func (c *fsCache) deleteKey(ctx context.Context, key string) error {
	unlock := c.storage.lockEntry(c.lockKey(key))
	defer unlock()

	base := entryBase(key)
	files := []string{base + metaSuffix}
	if rec, err := readMeta(filepath.Join(c.dir, base+metaSuffix)); err == nil {
		files = append(files, bodyFileOf(rec, base))
	}
	for _, name := range files {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// bodyFileOf 返回元数据引用的正文文件名。
func bodyFileOf(rec *record, base string) string {
	if rec == nil || rec.BodyFile == "" || filepath.Base(rec.BodyFile) != rec.BodyFile {
		return base + bodySuffix
	}
	return rec.BodyFile
}

func (c *fsCache) lockKey(key string) string {
	return c.name + "::" + key
}

func entryBase(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func readDescriptor(dir string) (cacheDescriptor, error) {
	payload, err := os.ReadFile(filepath.Join(dir, descriptorFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cacheDescriptor{}, ErrNotFound
		}
		return cacheDescriptor{}, err
	}
	var desc cacheDescriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		return cacheDescriptor{}, fmt.Errorf("decode %s: %w", descriptorFile, err)
	}
	return desc, nil
}

func readMeta(path string) (*record, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode entry meta: %w", err)
	}
	return &rec, nil
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(dir, name string, payload []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, name)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
