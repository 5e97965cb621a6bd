package wal

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

const txn = `{
  "xid": 771,
  "nextlsn": "0/16B6F30",
  "change": [
    {
      "kind": "insert",
      "schema": "public",
      "table": "payments",
      "columnnames": ["id", "engagement_id", "amount", "paid_at", "seq"],
      "columntypes": ["uuid", "uuid", "numeric(14,2)", "timestamp with time zone", "bigint"],
      "columnvalues": ["b0d6c7f2-1b1e-4c53-9d0a-2f1f0e9b7a11", "e1", 1250.75, "2024-03-01 09:30:00+00", 9007199254740993]
    },
    {
      "kind": "update",
      "schema": "public",
      "table": "actions",
      "columnnames": ["id", "name"],
      "columntypes": ["text", "text"],
      "columnvalues": ["A1", "Electric buses"],
      "oldkeys": {"keynames": ["id"], "keytypes": ["text"], "keyvalues": ["A1"]}
    },
    {
      "kind": "delete",
      "schema": "audit",
      "table": "log",
      "oldkeys": {"keynames": ["id"], "keytypes": ["integer"], "keyvalues": [42]}
    },
    {
      "kind": "message",
      "prefix": "app",
      "content": "hello"
    }
  ]
}`

func TestDecode(t *testing.T) {
	events, err := Decode([]byte(txn))
	require.NoError(t, err)
	require.Len(t, events, 3)

	ins := events[0]
	assert.Equal(t, source.ChangeInsert, ins.Type)
	assert.Equal(t, "payments", ins.Table)
	assert.Equal(t, "b0d6c7f2-1b1e-4c53-9d0a-2f1f0e9b7a11", ins.New["id"])
	amount, ok := ins.New["amount"].(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "1250.75", amount.StringFixed(2))
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), ins.New["paid_at"].(time.Time).UTC())
	assert.Equal(t, int64(9007199254740993), ins.New["seq"])

	upd := events[1]
	assert.Equal(t, source.ChangeUpdate, upd.Type)
	assert.Equal(t, source.Row{"id": "A1", "name": "Electric buses"}, upd.New)
	assert.Equal(t, source.Row{"id": "A1"}, upd.Old)

	del := events[2]
	assert.Equal(t, source.ChangeDelete, del.Type)
	assert.Equal(t, "audit.log", del.Table)
	assert.Equal(t, source.Row{"id": int64(42)}, del.Old)
	assert.Nil(t, del.New)
}

func TestDecodeRejectsMismatchedColumns(t *testing.T) {
	_, err := Decode([]byte(`{"change":[{"kind":"insert","table":"t","columnnames":["a","b"],"columnvalues":[1]}]}`))
	assert.ErrorContains(t, err, "2 columns, 1 values")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		typ  string
		in   any
		want any
	}{
		{"boolean", true, true},
		{"text", nil, nil},
		{"character varying(20)", "x", "x"},
		{"double precision", "1.5", 1.5},
		{"date", "2024-02-29", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"timestamp without time zone", "2024-02-29 10:00:00.25", time.Date(2024, 2, 29, 10, 0, 0, 250000000, time.UTC)},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.typ, tt.in)
		require.NoError(t, err, tt.typ)
		assert.Equal(t, tt.want, got, tt.typ)
	}

	_, err := Normalize("date", "yesterday")
	assert.Error(t, err)
}

func TestConsumerPublishesInOrder(t *testing.T) {
	hub := source.NewHub(zap.NewNop())
	defer hub.Close()

	var (
		mu  sync.Mutex
		got []source.ChangeEvent
	)
	hub.Subscribe("actions", func(ev source.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	c := &Consumer{Hub: hub, Log: zap.NewNop()}
	c.OnMessage([]byte(txn))
	c.OnMessage([]byte(`garbage`))
	c.OnMessage([]byte(`{"change":[{"kind":"delete","schema":"public","table":"actions","oldkeys":{"keynames":["id"],"keytypes":["text"],"keyvalues":["A1"]}}]}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, source.ChangeUpdate, got[0].Type)
	assert.Equal(t, source.ChangeDelete, got[1].Type)
}

func TestReplicationConnString(t *testing.T) {
	assert.Equal(t, "postgres://u@h/db?replication=database", ReplicationConnString("postgres://u@h/db"))
	assert.Equal(t, "postgres://u@h/db?sslmode=disable&replication=database", ReplicationConnString("postgres://u@h/db?sslmode=disable"))
	assert.Equal(t, "host=h user=u replication=database", ReplicationConnString("host=h user=u"))
	assert.Equal(t, "host=h replication=database", ReplicationConnString("host=h replication=database"))
}

func TestConsumerStripsConfiguredSchema(t *testing.T) {
	hub := source.NewHub(zap.NewNop())
	defer hub.Close()

	got := make(chan source.ChangeEvent, 1)
	hub.Subscribe("payments", func(ev source.ChangeEvent) { got <- ev })

	c := &Consumer{Hub: hub, Log: zap.NewNop(), Schema: "budget"}
	c.OnMessage([]byte(`{"change":[{"kind":"delete","schema":"budget","table":"payments","oldkeys":{"keynames":["id"],"keytypes":["text"],"keyvalues":["PY1"]}}]}`))

	select {
	case ev := <-got:
		assert.Equal(t, source.Row{"id": "PY1"}, ev.Old)
	case <-time.After(time.Second):
		t.Fatal("no event for budget.payments")
	}
}
