package reactive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

// Mutate validates and performs req, then invalidates req.Table and every
// table in opts.InvalidateTables before OnSuccess runs. Refetches that the
// invalidation starts are not awaited.
func (r *Registry) Mutate(ctx context.Context, req MutationRequest, opts MutationOptions) (source.Row, error) {
	row, err := r.apply(ctx, req)
	if err != nil {
		r.reportMutationError(req, opts, err)
		return nil, err
	}
	r.invalidateAfterWrite(req.Table, opts.InvalidateTables)
	if opts.OnSuccess != nil {
		opts.OnSuccess(row)
	}
	return row, nil
}

// MutateBatch applies reqs to table one after another and stops at the
// first failure. Requests already applied stay applied; their results are
// returned alongside the error.
func (r *Registry) MutateBatch(ctx context.Context, table string, reqs []MutationRequest, opts MutationOptions) ([]source.Row, error) {
	results := make([]source.Row, 0, len(reqs))
	for i, req := range reqs {
		if req.Table == "" {
			req.Table = table
		}
		if req.Table != table {
			err := &ValidationError{Op: req.Type, Table: req.Table, Msg: "batch spans tables"}
			return r.failBatch(table, i, req, opts, results, err)
		}
		row, err := r.apply(ctx, req)
		if err != nil {
			return r.failBatch(table, i, req, opts, results, err)
		}
		results = append(results, row)
	}
	if len(results) > 0 {
		r.invalidateAfterWrite(table, opts.InvalidateTables)
	}
	if opts.OnSuccess != nil {
		for _, row := range results {
			opts.OnSuccess(row)
		}
	}
	return results, nil
}

func (r *Registry) failBatch(table string, i int, req MutationRequest, opts MutationOptions, done []source.Row, err error) ([]source.Row, error) {
	if len(done) > 0 {
		r.invalidateAfterWrite(table, opts.InvalidateTables)
	}
	r.log.Warn("batch stopped",
		zap.String("table", table),
		zap.Int("applied", len(done)),
		zap.Int("failed_at", i),
	)
	r.reportMutationError(req, opts, err)
	return done, fmt.Errorf("batch %s: request %d: %w", table, i, err)
}

func (r *Registry) apply(ctx context.Context, req MutationRequest) (source.Row, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, aborted(err)
	}

	match := req.MatchColumn
	if match == "" {
		match = source.DefaultIdentity
	}

	var (
		row source.Row
		err error
	)
	switch req.Type {
	case Insert:
		row, err = r.src.Insert(ctx, req.Table, req.Data)
	case Upsert:
		row, err = r.src.Upsert(ctx, req.Table, req.Data, req.OnConflict)
	case Update:
		row, err = r.src.Update(ctx, req.Table, req.Data, match, req.ID)
	case Delete:
		err = r.src.Delete(ctx, req.Table, match, req.ID)
		row = source.Row{"id": req.ID}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, aborted(ctxErr)
		}
		return nil, &RemoteError{Op: string(req.Type), Table: req.Table, Err: err}
	}
	return row, nil
}

func (r *Registry) invalidateAfterWrite(table string, dependents []string) {
	seen := map[string]bool{}
	for _, t := range append([]string{table}, dependents...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		r.InvalidateTable(t)
	}
}

func (r *Registry) reportMutationError(req MutationRequest, opts MutationOptions, err error) {
	if isAborted(err) {
		return
	}
	r.log.Error("mutation failed",
		zap.String("table", req.Table),
		zap.String("type", string(req.Type)),
		zap.Error(err),
	)
	if opts.OnError != nil {
		opts.OnError(err)
		return
	}
	r.notifier.Notify(saveFailed(req.Table, req.Type, err))
}
