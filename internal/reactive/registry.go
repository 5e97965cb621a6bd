// Package reactive is the client-side synchronization core. A Registry is
// the one shared store of live query results: reads go through it
// (memory, then the persistent cache, then the source), writes invalidate
// through it, and realtime channels patch the results it holds.
package reactive

import (
	"context"
	"sort"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/source"
)

// LiveQuery is the in-memory result shared by every consumer of one
// (table, queryKey) slot.
type LiveQuery struct {
	Key      string
	Table    string
	QueryKey []string

	desc      Descriptor // latest descriptor, used for background refetches
	data      []source.Row
	hasData   bool
	fetchedAt time.Time
	invalid   bool
	loading   int
	err       error

	// gen moves on every invalidation so a fetch that started earlier
	// cannot clear the flag.
	gen uint64
	// seq numbers every load and patch of the slot; applied is the seq of
	// the result held in data. A load that lands behind applied is dropped.
	seq        uint64
	applied    uint64
	refetching bool
	observers  map[*Observer]struct{}
}

// currentLocked reports whether the result tagged (seq, gen) is still the
// held, valid result of lq.
func (lq *LiveQuery) currentLocked(seq, gen uint64) bool {
	return lq.applied == seq && lq.gen == gen && !lq.invalid
}

func (lq *LiveQuery) stateLocked() State {
	return State{
		Data:      cloneRows(lq.data),
		Single:    lq.desc.Single,
		Loading:   lq.loading > 0,
		Invalid:   lq.invalid,
		Err:       lq.err,
		UpdatedAt: lq.fetchedAt,
	}
}

type Registry struct {
	src       source.Source
	cache     *cache.Cache
	log       *zap.Logger
	notifier  Notifier
	staleTime time.Duration

	// persistMu orders cache writes against invalidations so a result
	// fetched before an invalidation never lands in the cache after it.
	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu        sync.Mutex
	queries   map[string]*LiveQuery
	tableGen  map[string]uint64
	listeners map[uint64]func(Change)
	nextID    uint64
	channels  map[*subscription]struct{}
	closed    bool
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithStaleTime replaces DefaultStaleTime for descriptors that leave
// StaleTime zero.
func WithStaleTime(d time.Duration) Option {
	return func(r *Registry) { r.staleTime = d }
}

func (r *Registry) defaults(d Descriptor) Descriptor {
	if d.StaleTime == 0 && r.staleTime > 0 {
		d.StaleTime = r.staleTime
	}
	return d.withDefaults()
}

// New builds a registry over src and c. The registry does not own either;
// Close releases only its own channels and background work.
func New(src source.Source, c *cache.Cache, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		src:       src,
		cache:     c,
		log:       zap.L(),
		ctx:       ctx,
		cancel:    cancel,
		queries:   make(map[string]*LiveQuery),
		tableGen:  make(map[string]uint64),
		listeners: make(map[uint64]func(Change)),
		channels:  make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("reactive")
	if r.notifier == nil {
		r.notifier = LogNotifier{Log: r.log}
	}
	return r
}

// Cache exposes the persistent cache under the registry.
func (r *Registry) Cache() *cache.Cache { return r.cache }

// Read returns the shared result for d. A valid, fresh in-memory result is
// returned as is; anything else goes through Fetch and replaces it.
func (r *Registry) Read(ctx context.Context, d Descriptor) (State, error) {
	if d.Disabled {
		return State{}, ErrDisabled
	}
	d = r.defaults(d)
	key := cache.Key(d.Table, d.QueryKey)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return State{}, ErrClosed
	}
	lq := r.entryLocked(key, d)
	if !d.ForceRefresh && lq.hasData && !lq.invalid && !r.cache.IsStale(lq.fetchedAt, d.StaleTime) {
		st := lq.stateLocked()
		r.mu.Unlock()
		return st, nil
	}
	force := d.ForceRefresh || lq.invalid
	gen := lq.gen
	lq.seq++
	seq := lq.seq
	lq.loading++
	r.notifyLocked(lq)
	r.mu.Unlock()

	rows, fetchedAt, fromSource, err := r.fetch(ctx, d, force)

	r.mu.Lock()
	lq.loading--
	applied := false
	switch {
	case err == nil && seq < lq.applied:
		// a later load or patch already landed
	case err == nil:
		lq.data = rowsFor(d, rows)
		lq.hasData = true
		lq.fetchedAt = fetchedAt
		lq.err = nil
		lq.applied = seq
		if lq.gen == gen {
			lq.invalid = false
		}
		applied = true
	case !isAborted(err):
		lq.err = err
	}
	st := lq.stateLocked()
	r.notifyLocked(lq)
	r.mu.Unlock()

	if err != nil {
		return st, err
	}
	if applied && fromSource {
		r.persist(key, rows, fetchedAt, func() bool { return lq.currentLocked(seq, gen) })
	}
	return st, nil
}

// persist writes rows under key when current, checked under r.mu, still
// holds. Invalidations take persistMu too, so the check and the write are
// atomic with respect to them.
func (r *Registry) persist(key string, rows []source.Row, fetchedAt time.Time, current func() bool) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	ok := current()
	r.mu.Unlock()
	if ok {
		r.cache.SaveAt(key, rows, fetchedAt)
	}
}

func rowsFor(d Descriptor, rows []source.Row) []source.Row {
	if d.Single && len(rows) > 1 {
		return rows[:1]
	}
	return rows
}

func (r *Registry) entryLocked(key string, d Descriptor) *LiveQuery {
	lq, ok := r.queries[key]
	if !ok {
		lq = &LiveQuery{
			Key:       key,
			Table:     d.Table,
			QueryKey:  d.QueryKey,
			observers: make(map[*Observer]struct{}),
		}
		r.queries[key] = lq
	}
	lq.desc = d
	return lq
}

func (r *Registry) notifyLocked(lq *LiveQuery) {
	for o := range lq.observers {
		o.signal()
	}
}

// Invalidate drops the cached result of one slot and marks its in-memory
// result for refetch. Observed results are refetched in the background.
func (r *Registry) Invalidate(table string, queryKey []string) {
	key := cache.Key(table, queryKey)

	r.persistMu.Lock()
	r.cache.Invalidate(key)
	r.mu.Lock()
	r.tableGen[table]++
	var refetch []string
	if lq, ok := r.queries[key]; ok {
		if r.markInvalidLocked(lq) {
			refetch = append(refetch, key)
		}
	}
	r.mu.Unlock()
	r.persistMu.Unlock()
	r.refetchAll(refetch)
}

// InvalidateTable invalidates every slot of table.
func (r *Registry) InvalidateTable(table string) {
	r.persistMu.Lock()
	n := r.cache.InvalidateTable(table)
	r.mu.Lock()
	r.tableGen[table]++
	var refetch []string
	marked := 0
	for key, lq := range r.queries {
		if lq.Table != table {
			continue
		}
		marked++
		if r.markInvalidLocked(lq) {
			refetch = append(refetch, key)
		}
	}
	r.mu.Unlock()
	r.persistMu.Unlock()

	r.log.Debug("table invalidated",
		zap.String("table", table),
		zap.Int("cache_entries", n),
		zap.Int("live_queries", marked),
		zap.Int("refetching", len(refetch)),
	)
	r.refetchAll(refetch)
}

// markInvalidLocked flags lq and reports whether it should be refetched now.
func (r *Registry) markInvalidLocked(lq *LiveQuery) bool {
	lq.invalid = true
	lq.gen++
	r.notifyLocked(lq)
	return len(lq.observers) > 0
}

func (r *Registry) refetchAll(keys []string) {
	for _, k := range keys {
		r.refetch(k)
	}
}

// refetch reloads an observed slot in the background. Callers never wait
// for it.
func (r *Registry) refetch(key string) {
	r.mu.Lock()
	lq, ok := r.queries[key]
	if !ok || r.closed || lq.refetching || len(lq.observers) == 0 || lq.desc.Disabled {
		r.mu.Unlock()
		return
	}
	lq.refetching = true
	d := lq.desc
	d.ForceRefresh = true
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		_, err := r.Read(r.ctx, d)
		if err != nil && !isAborted(err) {
			r.log.Debug("background refetch failed", zap.String("query", d.String()), zap.Error(err))
		}
		r.mu.Lock()
		lq.refetching = false
		again := lq.invalid && len(lq.observers) > 0 && !r.closed
		r.mu.Unlock()
		// an invalidation landed mid-flight
		if again && err == nil {
			r.refetch(key)
		}
	}()
}

// Subscribe registers fn for every Change published by realtime channels
// and returns a function that removes it.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) publish(c Change) {
	r.mu.Lock()
	fns := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// QueryInfo is a diagnostic view of one live query.
type QueryInfo struct {
	Key       string    `json:"key"`
	Table     string    `json:"table"`
	QueryKey  []string  `json:"queryKey"`
	Rows      int       `json:"rows"`
	Invalid   bool      `json:"invalid"`
	Observers int       `json:"observers"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Snapshot lists live queries ordered by key.
func (r *Registry) Snapshot() []QueryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryInfo, 0, len(r.queries))
	for _, lq := range r.queries {
		out = append(out, QueryInfo{
			Key:       lq.Key,
			Table:     lq.Table,
			QueryKey:  append([]string(nil), lq.QueryKey...),
			Rows:      len(lq.data),
			Invalid:   lq.invalid,
			Observers: len(lq.observers),
			FetchedAt: lq.fetchedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close tears down every realtime channel and waits for background
// refetches. The source and cache stay open.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.channels))
	for s := range r.channels {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var errs error
	for _, s := range subs {
		if err := s.teardown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	r.cancel()
	r.bg.Wait()
	return errs
}

func cloneRows(rows []source.Row) []source.Row {
	if rows == nil {
		return nil
	}
	out := make([]source.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}
