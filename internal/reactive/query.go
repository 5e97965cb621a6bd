package reactive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/source"
)

// Fetch runs d against the persistent cache and, on a miss, a stale entry
// or ForceRefresh, against the source. It returns data or an error, never
// a nil slice with a nil error.
func (r *Registry) Fetch(ctx context.Context, d Descriptor) ([]source.Row, error) {
	if d.Disabled {
		return nil, ErrDisabled
	}
	d = r.defaults(d)
	r.mu.Lock()
	tg := r.tableGen[d.Table]
	r.mu.Unlock()

	rows, fetchedAt, fromSource, err := r.fetch(ctx, d, d.ForceRefresh)
	if err != nil {
		return nil, err
	}
	if fromSource {
		r.persist(cache.Key(d.Table, d.QueryKey), rows, fetchedAt, func() bool { return r.tableGen[d.Table] == tg })
	}
	return rows, nil
}

// fetch loads d without writing the cache; fromSource reports a network
// result the caller may persist.
func (r *Registry) fetch(ctx context.Context, d Descriptor, force bool) (rows []source.Row, fetchedAt time.Time, fromSource bool, err error) {
	key := cache.Key(d.Table, d.QueryKey)

	if !force {
		if e, ok := r.cache.Get(key); ok && !r.cache.IsStale(e.Timestamp, d.StaleTime) {
			var rows []source.Row
			if err := e.Decode(&rows); err == nil {
				if rows == nil {
					rows = []source.Row{}
				}
				return rows, e.Timestamp, false, nil
			}
			r.log.Warn("cached result undecodable, refetching", zap.String("query", d.String()))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, false, aborted(err)
	}

	rows, err = r.src.Query(ctx, d.query())
	if ctxErr := ctx.Err(); ctxErr != nil {
		// a cancelled fetch never reaches the cache
		err = aborted(ctxErr)
	} else if err != nil {
		err = &RemoteError{Op: "query", Table: d.Table, Err: err}
	}
	if err != nil {
		r.reportQueryError(d, err)
		return nil, time.Time{}, false, err
	}

	if rows == nil {
		rows = []source.Row{}
	}
	return rows, r.cache.Now(), true, nil
}

func (r *Registry) reportQueryError(d Descriptor, err error) {
	if isAborted(err) {
		return
	}
	r.log.Error("query failed", zap.String("query", d.String()), zap.Error(err))
	if d.OnError != nil {
		d.OnError(err)
		return
	}
	r.notifier.Notify(loadFailed(d.Table, err))
}

func isAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
