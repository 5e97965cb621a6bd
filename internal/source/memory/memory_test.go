package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/budgetsync/internal/source"
)

func seeded(t *testing.T) *Source {
	t.Helper()
	s := New(WithTables("payments"))
	require.NoError(t, s.Seed("payments",
		source.Row{"id": "P1", "engagement_id": "E1", "amount": 100.0, "label": "Rent March"},
		source.Row{"id": "P2", "engagement_id": "E1", "amount": 250.0, "label": "rent april"},
		source.Row{"id": "P3", "engagement_id": "E2", "amount": 75.0, "label": "Fuel"},
	))
	return s
}

func TestQueryFiltersAndSorts(t *testing.T) {
	s := seeded(t)
	rows, err := s.Query(context.Background(), source.Query{
		Table:  "payments",
		Select: "id, amount",
		Filter: source.And{
			source.Eq{Column: "engagement_id", Value: "E1"},
			source.ILike{Column: "label", Pattern: "rent%"},
			source.Gte{Column: "amount", Value: 100},
			source.Lte{Column: "amount", Value: 300},
		},
		Sort: &source.Sort{Column: "amount", Ascending: false},
	})
	require.NoError(t, err)
	assert.Equal(t, []source.Row{
		{"id": "P2", "amount": 250.0},
		{"id": "P1", "amount": 100.0},
	}, rows)
}

func TestQueryEmptyResultIsNotNil(t *testing.T) {
	s := seeded(t)
	rows, err := s.Query(context.Background(), source.Query{
		Table:  "payments",
		Filter: source.Eq{Column: "engagement_id", Value: "nope"},
	})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestUnknownTable(t *testing.T) {
	s := seeded(t)
	_, err := s.Query(context.Background(), source.Query{Table: "budgets"})
	assert.ErrorIs(t, err, source.ErrUnknownTable)
}

func TestWritesAndEventsInOrder(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	var (
		mu     sync.Mutex
		events []source.ChangeEvent
	)
	h, err := s.Subscribe(ctx, "payments", func(ev source.ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	inserted, err := s.Insert(ctx, "payments", source.Row{"engagement_id": "E3", "amount": 5.0})
	require.NoError(t, err)
	require.NotEmpty(t, inserted["id"])

	updated, err := s.Update(ctx, "payments", source.Row{"amount": 6.0}, "id", inserted["id"])
	require.NoError(t, err)
	assert.Equal(t, 6.0, updated["amount"])
	assert.Equal(t, "E3", updated["engagement_id"])

	upserted, err := s.Upsert(ctx, "payments", source.Row{"id": "P1", "amount": 101.0}, "")
	require.NoError(t, err)
	assert.Equal(t, "Rent March", upserted["label"])

	require.NoError(t, s.Delete(ctx, "payments", "id", "P3"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	types := []source.ChangeType{events[0].Type, events[1].Type, events[2].Type, events[3].Type}
	assert.Equal(t, "P3", events[3].Old["id"])
	mu.Unlock()
	assert.Equal(t, []source.ChangeType{
		source.ChangeInsert, source.ChangeUpdate, source.ChangeUpdate, source.ChangeDelete,
	}, types)

	require.NoError(t, s.Unsubscribe(h))
	assert.ErrorIs(t, s.Unsubscribe(h), source.ErrNoSuchHandle)
	assert.Equal(t, 0, s.Subscribers())
}

func TestUpdateMissingRow(t *testing.T) {
	s := seeded(t)
	_, err := s.Update(context.Background(), "payments", source.Row{"amount": 1.0}, "id", "P9")
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestInsertDuplicateIdentityFails(t *testing.T) {
	s := seeded(t)
	_, err := s.Insert(context.Background(), "payments", source.Row{"id": "P1"})
	assert.Error(t, err)
	assert.Equal(t, 3, s.Size("payments"))
}
