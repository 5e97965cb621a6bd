package reactive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

// patchContext pins the slot an event is applied to. It is built when a
// channel opens and never changes; a new (table, queryKey) opens a new
// channel with a new context.
type patchContext struct {
	table    string
	key      string
	queryKey []string
	identity string
	filter   source.Filter
	single   bool
}

func newPatchContext(d Descriptor, key string) patchContext {
	return patchContext{
		table:    d.Table,
		key:      key,
		queryKey: append([]string(nil), d.QueryKey...),
		identity: d.Identity,
		filter:   d.Filter,
		single:   d.Single,
	}
}

// subscription is one realtime channel owned by one observer.
type subscription struct {
	r   *Registry
	pc  patchContext
	id  string
	log *zap.Logger

	// mounted is cleared before the channel closes so late events are dropped.
	mounted  atomic.Bool
	once     sync.Once
	closeErr error

	mu        sync.Mutex
	state     SubscriptionState
	handle    source.Handle
	hasHandle bool
}

// openSubscription moves a new channel to SUBSCRIBING and attaches it to
// the source in the background. Setup failures leave reads untouched.
func (r *Registry) openSubscription(d Descriptor, key string) *subscription {
	s := &subscription{
		r:     r,
		pc:    newPatchContext(d, key),
		id:    uuid.NewString(),
		state: Subscribing,
	}
	s.log = r.log.With(zap.String("table", d.Table), zap.String("channel", s.id))
	s.mounted.Store(true)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.mounted.Store(false)
		s.state = Inactive
		return s
	}
	r.channels[s] = struct{}{}
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		s.attach(r.ctx)
	}()
	return s
}

func (s *subscription) attach(ctx context.Context) {
	h, err := s.r.src.Subscribe(ctx, s.pc.table, s.deliver)
	if err != nil {
		serr := &SubscriptionError{Table: s.pc.table, ChannelID: s.id, Err: err}
		s.log.Error("realtime subscription failed, continuing without it", zap.Error(serr))
		s.mu.Lock()
		s.state = Inactive
		s.mu.Unlock()
		s.r.dropChannel(s)
		return
	}

	s.mu.Lock()
	if !s.mounted.Load() {
		// torn down while subscribing
		s.mu.Unlock()
		if err := s.r.src.Unsubscribe(h); err != nil {
			s.log.Warn("late unsubscribe failed", zap.Error(err))
		}
		return
	}
	s.handle = h
	s.hasHandle = true
	s.state = Active
	s.mu.Unlock()
	s.log.Debug("realtime channel active")
}

func (s *subscription) deliver(ev source.ChangeEvent) {
	if !s.mounted.Load() {
		return
	}
	s.r.applyChange(s.pc, ev)
}

// teardown closes the channel exactly once. The returned error is the
// close failure, if any; callers log it.
func (s *subscription) teardown() error {
	s.mounted.Store(false)
	s.once.Do(func() {
		s.mu.Lock()
		s.state = Teardown
		h, ok := s.handle, s.hasHandle
		s.hasHandle = false
		s.mu.Unlock()

		if ok {
			if err := s.r.src.Unsubscribe(h); err != nil {
				s.closeErr = &SubscriptionError{Table: s.pc.table, ChannelID: s.id, Err: err}
			}
		}
		s.mu.Lock()
		s.state = Inactive
		s.mu.Unlock()
		s.r.dropChannel(s)
	})
	return s.closeErr
}

func (s *subscription) snapshot() SubscriptionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionHandle{Table: s.pc.table, ChannelID: s.id, State: s.state}
}

func (r *Registry) dropChannel(s *subscription) {
	r.mu.Lock()
	delete(r.channels, s)
	r.mu.Unlock()
}

// applyChange patches the slot named by pc with ev, or marks it for a
// refetch when there is nothing to patch. A Change is published either way.
func (r *Registry) applyChange(pc patchContext, ev source.ChangeEvent) {
	var (
		refetch   bool
		persist   []source.Row
		fetchedAt time.Time
		seq, gen  uint64
	)

	r.mu.Lock()
	lq, ok := r.queries[pc.key]
	switch {
	case !ok:
	case !lq.hasData:
		refetch = r.markInvalidLocked(lq)
	default:
		next := patchRows(lq.data, pc, ev)
		if !equalRows(lq.data, next) {
			lq.data = next
			lq.seq++
			lq.applied = lq.seq
			seq, gen = lq.seq, lq.gen
			if !lq.invalid {
				persist = cloneRows(next)
			}
			fetchedAt = lq.fetchedAt
			r.notifyLocked(lq)
		}
	}
	r.mu.Unlock()

	// the persisted copy keeps the fetch time of the patched result
	if persist != nil {
		r.persist(pc.key, persist, fetchedAt, func() bool { return lq.currentLocked(seq, gen) })
	}
	if refetch {
		r.refetch(pc.key)
	}
	r.publish(Change{Table: pc.table, QueryKey: append([]string(nil), pc.queryKey...)})
}

// patchRows returns the result of applying ev to rows. rows is never
// modified; an unchanged result may share it.
func patchRows(rows []source.Row, pc patchContext, ev source.ChangeEvent) []source.Row {
	if pc.single {
		return patchSingle(rows, pc, ev)
	}
	return patchList(rows, pc, ev)
}

func patchList(rows []source.Row, pc patchContext, ev source.ChangeEvent) []source.Row {
	switch ev.Type {
	case source.ChangeInsert:
		id, ok := source.IdentityOf(ev.New, pc.identity)
		if !ok || indexOf(rows, pc.identity, id) >= 0 {
			return rows
		}
		if pc.filter != nil && !source.Match(pc.filter, ev.New) {
			return rows
		}
		out := make([]source.Row, 0, len(rows)+1)
		out = append(out, rows...)
		return append(out, ev.New.Clone())

	case source.ChangeUpdate:
		id, ok := eventIdentity(ev, pc.identity)
		if !ok {
			return rows
		}
		i := indexOf(rows, pc.identity, id)
		if i < 0 {
			return rows
		}
		merged := merge(rows[i], ev.New)
		if pc.filter != nil && !source.Match(pc.filter, merged) {
			return without(rows, i)
		}
		out := append([]source.Row(nil), rows...)
		out[i] = merged
		return out

	case source.ChangeDelete:
		id, ok := eventIdentity(ev, pc.identity)
		if !ok {
			return rows
		}
		if i := indexOf(rows, pc.identity, id); i >= 0 {
			return without(rows, i)
		}
	}
	return rows
}

func patchSingle(rows []source.Row, pc patchContext, ev source.ChangeEvent) []source.Row {
	if len(rows) == 0 {
		return rows
	}
	cur, ok := source.IdentityOf(rows[0], pc.identity)
	if !ok {
		return rows
	}
	id, ok := eventIdentity(ev, pc.identity)
	if !ok || id != cur {
		return rows
	}
	switch ev.Type {
	case source.ChangeInsert, source.ChangeUpdate:
		return []source.Row{merge(rows[0], ev.New)}
	case source.ChangeDelete:
		return []source.Row{}
	}
	return rows
}

// eventIdentity reads the identity from the new row, falling back to the
// old one (deletes and key-only updates).
func eventIdentity(ev source.ChangeEvent, col string) (string, bool) {
	if id, ok := source.IdentityOf(ev.New, col); ok {
		return id, true
	}
	return source.IdentityOf(ev.Old, col)
}

func indexOf(rows []source.Row, col, id string) int {
	for i, row := range rows {
		if v, ok := source.IdentityOf(row, col); ok && v == id {
			return i
		}
	}
	return -1
}

func merge(old, upd source.Row) source.Row {
	out := old.Clone()
	for k, v := range upd {
		out[k] = v
	}
	return out
}

func without(rows []source.Row, i int) []source.Row {
	out := make([]source.Row, 0, len(rows)-1)
	out = append(out, rows[:i]...)
	return append(out, rows[i+1:]...)
}
