package entity

import (
	"context"
	"fmt"

	"github.com/zoravur/budgetsync/internal/reactive"
	"github.com/zoravur/budgetsync/internal/source"
)

// View is a live, typed window on a resource.
type View[T any] struct {
	res      *Resource[T]
	obs      *reactive.Observer
	realtime bool
}

// Items decodes the current rows. It also returns the last load error.
func (v *View[T]) Items() ([]T, error) {
	st := v.obs.State()
	items, err := decodeRows[T](st.Data)
	if err != nil {
		return nil, err
	}
	return items, st.Err
}

// One returns the single row of a ByID view, or nil when there is none.
func (v *View[T]) One() (*T, error) {
	st := v.obs.State()
	if st.Err != nil {
		return nil, st.Err
	}
	row := st.One()
	if row == nil {
		return nil, nil
	}
	return decodeRow[T](row)
}

func (v *View[T]) Loading() bool { return v.obs.State().Loading }

// Changes signals after every change; see reactive.Observer.Changes.
func (v *View[T]) Changes() <-chan struct{} { return v.obs.Changes() }

// Await waits for the pending load and returns its items.
func (v *View[T]) Await(ctx context.Context) ([]T, error) {
	st, err := v.obs.Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.res.table, err)
	}
	return decodeRows[T](st.Data)
}

// Rebind moves the view to sel, resubscribing when the slot changes.
func (v *View[T]) Rebind(sel Selector) {
	d := v.res.Descriptor(sel)
	d.Realtime = v.realtime
	v.obs.Rebind(d)
}

func (v *View[T]) Subscription() reactive.SubscriptionHandle { return v.obs.Subscription() }

func (v *View[T]) Close() { v.obs.Close() }

// Store holds one resource per budget table.
type Store struct {
	Ministries  *Resource[Ministry]
	Portfolios  *Resource[Portfolio]
	Programs    *Resource[Program]
	Actions     *Resource[Action]
	Operations  *Resource[Operation]
	Engagements *Resource[Engagement]
	Payments    *Resource[Payment]
}

func NewStore(reg *reactive.Registry) *Store {
	byCode := &source.Sort{Column: "code", Ascending: true}
	return &Store{
		Ministries:  NewResource[Ministry](reg, Ministries, byCode),
		Portfolios:  NewResource[Portfolio](reg, Portfolios, byCode),
		Programs:    NewResource[Program](reg, Programs, byCode),
		Actions:     NewResource[Action](reg, Actions, byCode),
		Operations:  NewResource[Operation](reg, Operations, byCode),
		Engagements: NewResource[Engagement](reg, Engagements, &source.Sort{Column: "engaged_at"}),
		Payments:    NewResource[Payment](reg, Payments, &source.Sort{Column: "paid_at"}),
	}
}

// Tables lists the budget tables from the top of the hierarchy down.
func Tables() []string {
	return []string{Ministries, Portfolios, Programs, Actions, Operations, Engagements, Payments}
}

// Warm loads the listing of every table and returns the row counts.
func (s *Store) Warm(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, 7)
	steps := []func() error{
		func() error { return warm(ctx, s.Ministries, counts) },
		func() error { return warm(ctx, s.Portfolios, counts) },
		func() error { return warm(ctx, s.Programs, counts) },
		func() error { return warm(ctx, s.Actions, counts) },
		func() error { return warm(ctx, s.Operations, counts) },
		func() error { return warm(ctx, s.Engagements, counts) },
		func() error { return warm(ctx, s.Payments, counts) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func warm[T any](ctx context.Context, r *Resource[T], counts map[string]int) error {
	items, err := r.List(ctx)
	if err != nil {
		return err
	}
	counts[r.table] = len(items)
	return nil
}

// Mirror keeps a realtime view of every listing open until stop is called.
func (s *Store) Mirror() (stop func()) {
	closers := []func(){
		s.Ministries.Observe(All(), true).Close,
		s.Portfolios.Observe(All(), true).Close,
		s.Programs.Observe(All(), true).Close,
		s.Actions.Observe(All(), true).Close,
		s.Operations.Observe(All(), true).Close,
		s.Engagements.Observe(All(), true).Close,
		s.Payments.Observe(All(), true).Close,
	}
	return func() {
		for _, c := range closers {
			c()
		}
	}
}
