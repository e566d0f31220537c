package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/pwa-hub/internal/fetch"
)

// recordWriter 是 driver 为 AddAll 提供的最小写入能力。
type recordWriter interface {
	getRecord(ctx context.Context, key string) (*record, error)
	putRecord(ctx context.Context, rec *record) error
	deleteKey(ctx context.Context, key string) error
}

// addAll 先并发拉取全部请求，全部成功后才逐条写入；写入中途失败时把已写入的键
// 恢复成调用前的状态（原条目写回，新条目删除）。
func addAll(ctx context.Context, w recordWriter, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if req == nil || req.URL == nil {
			return fmt.Errorf("addAll: %w", ErrNotFound)
		}
		if req.Method != http.MethodGet {
			return fmt.Errorf("addAll %s: %w", req.URL, ErrMethodNotCacheable)
		}
		key := requestKey(req.URL)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("addAll %s: %w", key, ErrDuplicateRequest)
		}
		seen[key] = struct{}{}
	}

	records := make([]*record, len(reqs))
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for i, req := range reqs {
		i, req := i, req
		p.Go(func(ctx context.Context) error {
			resp, err := fetcher.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: status %d: %w", req.URL, resp.Status, ErrBadResponse)
			}
			rec, err := newRecord(req, resp)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	written := make([]undoEntry, 0, len(records))
	for _, rec := range records {
		previous, err := w.getRecord(ctx, rec.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return multierr.Append(fmt.Errorf("load %s: %w", rec.Key, err), rollback(ctx, w, written))
		}
		if err := w.putRecord(ctx, rec); err != nil {
			return multierr.Append(fmt.Errorf("store %s: %w", rec.Key, err), rollback(ctx, w, written))
		}
		written = append(written, undoEntry{key: rec.Key, previous: previous})
	}
	return nil
}

type undoEntry struct {
	key      string
	previous *record
}

func rollback(ctx context.Context, w recordWriter, written []undoEntry) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	for i := len(written) - 1; i >= 0; i-- {
		entry := written[i]
		if entry.previous != nil {
			errs = multierr.Append(errs, w.putRecord(ctx, entry.previous))
			continue
		}
		errs = multierr.Append(errs, w.deleteKey(ctx, entry.key))
	}
	return errs
}
