package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
    name       TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    cache_name    TEXT NOT NULL REFERENCES caches(name) ON DELETE CASCADE,
    request_key   TEXT NOT NULL,
    request_url   TEXT NOT NULL,
    vary_json     TEXT NOT NULL,
    status        INTEGER NOT NULL,
    status_text   TEXT NOT NULL,
    header_json   TEXT NOT NULL,
    response_type TEXT NOT NULL,
    response_url  TEXT NOT NULL,
    redirected    INTEGER NOT NULL,
    body          BLOB,
    stored_at     INTEGER NOT NULL,
    PRIMARY KEY (cache_name, request_key)
);`

// sqliteStorage 把一个 Scope 的全部缓存版本放在同一个 SQLite 文件中。
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage 打开（并初始化）basePath/<scope>.db。
func NewSQLiteStorage(basePath, scope string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(abs, scope+".db") +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接即可串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateCacheName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM caches WHERE name = ?`, name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache_name = ?`, name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &sqliteCache{storage: s, name: name}
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

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteCache struct {
	storage *sqliteStorage
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
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

func (c *sqliteCache) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	rec, err := newRecord(req, resp)
	if err != nil {
		return err
	}
	return c.putRecord(ctx, rec)
}

func (c *sqliteCache) AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	return addAll(ctx, c, fetcher, reqs)
}

func (c *sqliteCache) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false, nil
	}
	result, err := c.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_name = ? AND request_key = ?`,
		c.name, requestKey(req.URL),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT request_url FROM entries WHERE cache_name = ? ORDER BY stored_at, request_url`,
		c.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteCache) getRecord(ctx context.Context, key string) (*record, error) {
	row := c.storage.db.QueryRowContext(ctx,
		`SELECT request_key, request_url, vary_json, status, status_text, header_json,
		        response_type, response_url, redirected, body, stored_at
		 FROM entries WHERE cache_name = ? AND request_key = ?`,
		c.name, key,
	)

	var (
		rec        record
		varyJSON   string
		headerJSON string
		redirected int64
		storedAt   int64
	)
	if err := row.Scan(
		&rec.Key,
		&rec.RequestURL,
		&varyJSON,
		&rec.Status,
		&rec.StatusText,
		&headerJSON,
		&rec.Type,
		&rec.URL,
		&redirected,
		&rec.body,
		&storedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(varyJSON), &rec.Vary); err != nil {
		return nil, fmt.Errorf("decode vary: %w", err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &rec.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	rec.Redirected = redirected != 0
	rec.StoredAt = time.Unix(0, storedAt).UTC()
	return &rec, nil
}

func (c *sqliteCache) putRecord(ctx context.Context, rec *record) error {
	varyJSON, err := json.Marshal(rec.Vary)
	if err != nil {
		return err
	}
	headerJSON, err := json.Marshal(rec.Header)
	if err != nil {
		return err
	}
	redirected := 0
	if rec.Redirected {
		redirected = 1
	}

	// INSERT ... SELECT 保证缓存已被删除时不会写入孤儿条目。
	result, err := c.storage.db.ExecContext(ctx,
		`INSERT INTO entries (
		    cache_name, request_key, request_url, vary_json, status, status_text, header_json,
		    response_type, response_url, redirected, body, stored_at
		 )
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM caches WHERE name = ?)
		 ON CONFLICT(cache_name, request_key) DO UPDATE SET
		    request_url = excluded.request_url,
		    vary_json = excluded.vary_json,
		    status = excluded.status,
		    status_text = excluded.status_text,
		    header_json = excluded.header_json,
		    response_type = excluded.response_type,
		    response_url = excluded.response_url,
		    redirected = excluded.redirected,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		c.name, rec.Key, rec.RequestURL, string(varyJSON), rec.Status, rec.StatusText, string(headerJSON),
		rec.Type, rec.URL, redirected, rec.body, rec.StoredAt.UnixNano(),
		c.name,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCacheDeleted
	}
	return nil
}

func (c *sqliteCache) deleteKey(ctx context.Context, key string) error {
	_, err := c.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_name = ? AND request_key = ?`,
		c.name, key,
	)
	return err
}
