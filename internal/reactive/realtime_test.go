package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/source"
)

func TestPatchRows(t *testing.T) {
	list := []source.Row{
		{"id": "A1", "name": "Buses", "program_id": "P1"},
		{"id": "A2", "name": "Trams", "program_id": "P1"},
	}
	listCtx := patchContext{table: "actions", identity: "id"}
	filtered := patchContext{table: "actions", identity: "id", filter: source.Eq{Column: "program_id", Value: "P1"}}
	single := patchContext{table: "actions", identity: "id", single: true}

	tests := []struct {
		name string
		pc   patchContext
		rows []source.Row
		ev   source.ChangeEvent
		want []source.Row
	}{
		{
			name: "insert appends",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeInsert, New: source.Row{"id": "A3", "name": "Ferries", "program_id": "P1"}},
			want: append(append([]source.Row(nil), list...), source.Row{"id": "A3", "name": "Ferries", "program_id": "P1"}),
		},
		{
			name: "insert of known identity is ignored",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeInsert, New: source.Row{"id": "A2", "name": "Other"}},
			want: list,
		},
		{
			name: "insert outside filter is ignored",
			pc:   filtered,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeInsert, New: source.Row{"id": "A9", "program_id": "P2"}},
			want: list,
		},
		{
			name: "insert without identity is ignored",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeInsert, New: source.Row{"name": "anonymous"}},
			want: list,
		},
		{
			name: "update merges shallowly",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeUpdate, New: source.Row{"id": "A1", "name": "Electric buses"}},
			want: []source.Row{
				{"id": "A1", "name": "Electric buses", "program_id": "P1"},
				list[1],
			},
		},
		{
			name: "update of unknown identity is ignored",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeUpdate, New: source.Row{"id": "A7", "name": "x"}},
			want: list,
		},
		{
			name: "update leaving the filter removes the row",
			pc:   filtered,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeUpdate, New: source.Row{"id": "A2", "program_id": "P2"}},
			want: list[:1],
		},
		{
			name: "delete by old identity",
			pc:   listCtx,
			rows: list,
			ev:   source.ChangeEvent{Type: source.ChangeDelete, Old: source.Row{"id": "A1"}},
			want: list[1:],
		},
		{
			name: "single update with matching identity",
			pc:   single,
			rows: list[:1],
			ev:   source.ChangeEvent{Type: source.ChangeUpdate, New: source.Row{"id": "A1", "name": "Coaches"}},
			want: []source.Row{{"id": "A1", "name": "Coaches", "program_id": "P1"}},
		},
		{
			name: "single ignores other identities",
			pc:   single,
			rows: list[:1],
			ev:   source.ChangeEvent{Type: source.ChangeDelete, Old: source.Row{"id": "A2"}},
			want: list[:1],
		},
		{
			name: "single insert with other identity is ignored",
			pc:   single,
			rows: list[:1],
			ev:   source.ChangeEvent{Type: source.ChangeInsert, New: source.Row{"id": "A5"}},
			want: list[:1],
		},
		{
			name: "single delete empties the result",
			pc:   single,
			rows: list[:1],
			ev:   source.ChangeEvent{Type: source.ChangeDelete, Old: source.Row{"id": "A1"}},
			want: []source.Row{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := cloneRows(tt.rows)
			got := patchRows(tt.rows, tt.pc, tt.ev)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("patchRows mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, orig, tt.rows, "input rows must not be modified")
		})
	}
}

func TestEqualRowsIgnoresNilVersusEmpty(t *testing.T) {
	assert.True(t, equalRows(nil, []source.Row{}))
	assert.True(t, equalRows([]source.Row{{"a": 1.0}}, []source.Row{{"a": 1.0}}))
	assert.False(t, equalRows([]source.Row{{"a": 1.0}}, []source.Row{{"a": 2.0}}))
}

func TestObserverCloseTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "programs", source.Row{"id": "P1"})

	o := f.reg.Observe(Descriptor{Table: "programs", QueryKey: []string{"all"}, Realtime: true})
	_, err := o.Await(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Subscription().State == Active }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.src.Subscribers())

	o.Close()
	o.Close()
	assert.Equal(t, 0, f.src.Subscribers())
	assert.Equal(t, 1, f.src.unsubscribes())

	for range o.Changes() {
	}
}

func TestLateEventAfterTeardownIsDropped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "programs", source.Row{"id": "P1", "name": "Transit"})
	d := Descriptor{Table: "programs", QueryKey: []string{"all"}, Realtime: true}

	o := f.reg.Observe(d)
	_, err := o.Await(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Subscription().State == Active }, 2*time.Second, 5*time.Millisecond)

	f.reg.mu.Lock()
	var sub *subscription
	for s := range f.reg.channels {
		sub = s
	}
	f.reg.mu.Unlock()
	require.NotNil(t, sub)

	o.Close()
	sub.deliver(source.ChangeEvent{Type: source.ChangeInsert, Table: "programs", New: source.Row{"id": "P2"}})

	st, err := f.reg.Read(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(st.Data))
}

func TestSubscriptionFailureKeepsReadsWorking(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "payments", source.Row{"id": "PY1"})
	f.src.failSub = errBoom

	o := f.reg.Observe(Descriptor{Table: "payments", QueryKey: []string{"all"}, Realtime: true})
	defer o.Close()
	st, err := o.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"PY1"}, ids(st.Data))

	require.Eventually(t, func() bool {
		f.reg.mu.Lock()
		defer f.reg.mu.Unlock()
		return len(f.reg.channels) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Inactive, o.Subscription().State)
	assert.Empty(t, f.notes.all())

	// invalidation still refreshes the observed result
	_, err = f.src.Source.Insert(context.Background(), "payments", source.Row{"id": "PY2"})
	require.NoError(t, err)
	f.reg.InvalidateTable("payments")
	waitFor(t, o, func(s State) bool { return len(s.Data) == 2 })
}

func TestRebindResubscribes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "actions",
		source.Row{"id": "A1", "program_id": "P1"},
		source.Row{"id": "A2", "program_id": "P2"},
	)
	byProgram := func(p string) Descriptor {
		return Descriptor{
			Table:    "actions",
			QueryKey: []string{"by", "program_id", p},
			Filter:   source.Eq{Column: "program_id", Value: p},
			Realtime: true,
		}
	}

	o := f.reg.Observe(byProgram("P1"))
	defer o.Close()
	_, err := o.Await(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Subscription().State == Active }, 2*time.Second, 5*time.Millisecond)
	first := o.Subscription().ChannelID

	o.Rebind(byProgram("P2"))
	st, err := o.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, ids(st.Data))
	require.Eventually(t, func() bool { return o.Subscription().State == Active }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, first, o.Subscription().ChannelID)
	assert.Equal(t, 1, f.src.Subscribers())
	assert.Equal(t, 1, f.src.unsubscribes())

	// the new channel patches the new slot only
	f.src.Emit(source.ChangeEvent{Type: source.ChangeInsert, Table: "actions", New: source.Row{"id": "A3", "program_id": "P2"}})
	waitFor(t, o, func(s State) bool { return len(s.Data) == 2 })

	e, ok := f.cache.Get(cache.Key("actions", []string{"by", "program_id", "P1"}))
	require.True(t, ok)
	var old []source.Row
	require.NoError(t, e.Decode(&old))
	assert.Equal(t, []string{"A1"}, ids(old))
}

func TestRealtimeWithoutResultMarksInvalid(t *testing.T) {
	f := newFixture(t)
	d := Descriptor{Table: "portfolios", QueryKey: []string{"all"}}.withDefaults()
	key := cache.Key(d.Table, d.QueryKey)

	f.reg.mu.Lock()
	f.reg.entryLocked(key, d)
	f.reg.mu.Unlock()

	var got []Change
	unsubscribe := f.reg.Subscribe(func(c Change) { got = append(got, c) })
	defer unsubscribe()

	f.reg.applyChange(newPatchContext(d, key), source.ChangeEvent{
		Type:  source.ChangeInsert,
		Table: "portfolios",
		New:   source.Row{"id": "PF1"},
	})

	snap := f.reg.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Invalid)
	assert.Equal(t, []Change{{Table: "portfolios", QueryKey: []string{"all"}}}, got)
}

func TestRegistryCloseAggregatesTeardownErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "programs", source.Row{"id": "P1"})
	f.src.failUnsub = errBoom

	var observers []*Observer
	for _, k := range []string{"all", "recent"} {
		o := f.reg.Observe(Descriptor{Table: "programs", QueryKey: []string{k}, Realtime: true})
		_, err := o.Await(context.Background())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return o.Subscription().State == Active }, 2*time.Second, 5*time.Millisecond)
		observers = append(observers, o)
	}

	err := f.reg.Close()
	require.Error(t, err)
	var serr *SubscriptionError
	assert.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.src.Subscribers())

	for _, o := range observers {
		o.Close()
	}
	assert.Equal(t, 2, f.src.unsubscribes())
}
