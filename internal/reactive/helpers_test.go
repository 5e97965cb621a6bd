package reactive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/source"
	"github.com/zoravur/budgetsync/internal/source/memory"
)

var errBoom = errors.New("boom")

// countingSource wraps the memory source with call counters and fault
// injection.
type countingSource struct {
	*memory.Source

	queries atomic.Int64
	writes  atomic.Int64

	mu         sync.Mutex
	failQuery  error
	failWrite  map[int64]error // by 1-based write number
	failSub    error
	failUnsub  error
	queryGate  chan struct{}
	unsubCalls int
}

func newCountingSource() *countingSource {
	return &countingSource{
		Source:    memory.New(memory.WithLogger(zap.NewNop())),
		failWrite: map[int64]error{},
	}
}

func (s *countingSource) Query(ctx context.Context, q source.Query) ([]source.Row, error) {
	s.queries.Add(1)
	s.mu.Lock()
	gate, fail := s.queryGate, s.failQuery
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return s.Source.Query(ctx, q)
}

func (s *countingSource) writeErr() error {
	n := s.writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWrite[n]
}

func (s *countingSource) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Source.Insert(ctx, table, row)
}

func (s *countingSource) Update(ctx context.Context, table string, row source.Row, col string, val any) (source.Row, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Source.Update(ctx, table, row, col, val)
}

func (s *countingSource) Upsert(ctx context.Context, table string, row source.Row, onConflict string) (source.Row, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Source.Upsert(ctx, table, row, onConflict)
}

func (s *countingSource) Delete(ctx context.Context, table, col string, val any) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Source.Delete(ctx, table, col, val)
}

func (s *countingSource) Subscribe(ctx context.Context, table string, fn func(source.ChangeEvent)) (source.Handle, error) {
	s.mu.Lock()
	fail := s.failSub
	s.mu.Unlock()
	if fail != nil {
		return source.Handle{}, fail
	}
	return s.Source.Subscribe(ctx, table, fn)
}

func (s *countingSource) Unsubscribe(h source.Handle) error {
	s.mu.Lock()
	s.unsubCalls++
	fail := s.failUnsub
	s.mu.Unlock()
	if err := s.Source.Unsubscribe(h); err != nil {
		return err
	}
	return fail
}

func (s *countingSource) unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubCalls
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	src   *countingSource
	cache *cache.Cache
	reg   *Registry
	clock *clock
	notes *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		src:   newCountingSource(),
		clock: newClock(),
		notes: &recorder{},
	}
	f.cache = cache.New(cache.NewMemoryBackend(), cache.WithLogger(log), cache.WithClock(f.clock.Now))
	f.reg = New(f.src, f.cache, append([]Option{WithLogger(log), WithNotifier(f.notes)}, opts...)...)
	t.Cleanup(func() { require.NoError(t, f.reg.Close()) })
	return f
}

func (f *fixture) seed(t *testing.T, table string, rows ...source.Row) {
	t.Helper()
	require.NoError(t, f.src.Seed(table, rows...))
}

func ids(rows []source.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		id, _ := source.IdentityOf(r, "id")
		out = append(out, id)
	}
	return out
}

// waitFor drains o.Changes until cond holds on the observer state.
func waitFor(t *testing.T, o *Observer, cond func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		st := o.State()
		if cond(st) {
			return st
		}
		select {
		case <-o.Changes():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met; last state %+v", st)
		}
	}
}
