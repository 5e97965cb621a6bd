package postgres

import (
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/budgetsync/internal/source"
)

func paymentsTable() *Table {
	return &Table{
		Schema:     "public",
		Name:       "payments",
		Columns:    []string{"id", "engagement_id", "reference", "amount", "paid_at"},
		PrimaryKey: []string{"id"},
		Types: map[string]string{
			"id":            "uuid",
			"engagement_id": "uuid",
			"reference":     "text",
			"amount":        "numeric",
			"paid_at":       "timestamp with time zone",
		},
	}
}

func TestBuildSelect(t *testing.T) {
	tbl := paymentsTable()
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		q        source.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "everything",
			q:       source.Query{Table: "payments"},
			wantSQL: `SELECT * FROM "public"."payments"`,
		},
		{
			name: "filters and sort",
			q: source.Query{
				Table:  "payments",
				Select: "id, amount",
				Filter: source.And{
					source.Eq{Column: "engagement_id", Value: "E1"},
					source.Gte{Column: "paid_at", Value: since},
					source.ILike{Column: "reference", Pattern: "%pay%"},
				},
				Sort: &source.Sort{Column: "paid_at"},
			},
			wantSQL: `SELECT "id", "amount" FROM "public"."payments" WHERE ("engagement_id" = $1 AND "paid_at" >= $2 AND "reference"::text ILIKE $3) ORDER BY "paid_at" DESC`,
			wantArgs: []any{"E1", since, "%pay%"},
		},
		{
			name:    "null equality and embeds",
			q:       source.Query{Table: "payments", Select: "id, engagements(amount)", Filter: source.Eq{Column: "paid_at"}, Sort: &source.Sort{Column: "id", Ascending: true}},
			wantSQL: `SELECT "id" FROM "public"."payments" WHERE "paid_at" IS NULL ORDER BY "id" ASC`,
		},
		{
			name:     "lte alone",
			q:        source.Query{Table: "payments", Select: "*", Filter: source.Lte{Column: "amount", Value: "10"}},
			wantSQL:  `SELECT * FROM "public"."payments" WHERE "amount" <= $1`,
			wantArgs: []any{"10"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := buildSelect(tbl, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, st.sql)
			assert.Equal(t, tt.wantArgs, st.args)
		})
	}
}

func TestBuildSelectRejectsUnsafeInput(t *testing.T) {
	tbl := paymentsTable()
	for _, sel := range []string{
		"id; DROP TABLE payments",
		"id FROM users",
		"lower(reference) AS r",
		"nope",
		"payments.id",
	} {
		_, err := buildSelect(tbl, source.Query{Table: "payments", Select: sel})
		assert.Error(t, err, sel)
	}

	_, err := buildSelect(tbl, source.Query{Table: "payments", Filter: source.Eq{Column: `x" OR 1=1 --`, Value: 1}})
	assert.ErrorContains(t, err, "unknown column")

	_, err = buildSelect(tbl, source.Query{Table: "payments", Sort: &source.Sort{Column: "missing"}})
	assert.Error(t, err)
}

func TestBuildWrites(t *testing.T) {
	tbl := paymentsTable()
	row := source.Row{"id": "P1", "reference": "R", "amount": "12.50"}

	ins, err := buildInsert(tbl, row)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."payments" ("amount", "id", "reference") VALUES ($1, $2, $3) RETURNING *`, ins.sql)
	assert.Equal(t, []any{"12.50", "P1", "R"}, ins.args)

	empty, err := buildInsert(tbl, source.Row{})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."payments" DEFAULT VALUES RETURNING *`, empty.sql)

	upd, err := buildUpdate(tbl, row, "id", "P1")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "public"."payments" SET "amount" = $1, "reference" = $2 WHERE "id" = $3 RETURNING *`, upd.sql)
	assert.Equal(t, []any{"12.50", "R", "P1"}, upd.args)

	_, err = buildUpdate(tbl, source.Row{"id": "P1"}, "id", "P1")
	assert.ErrorContains(t, err, "no columns to set")

	ups, err := buildUpsert(tbl, row, "id")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."payments" ("amount", "id", "reference") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "amount" = EXCLUDED."amount", "reference" = EXCLUDED."reference" RETURNING *`, ups.sql)

	only, err := buildUpsert(tbl, source.Row{"id": "P1"}, "id")
	require.NoError(t, err)
	assert.Contains(t, only.sql, `DO UPDATE SET "id" = EXCLUDED."id"`)

	_, err = buildUpsert(tbl, source.Row{"reference": "R"}, "id")
	assert.Error(t, err)

	_, err = buildInsert(tbl, source.Row{"bogus": 1})
	assert.ErrorContains(t, err, "unknown column")

	del, err := buildDelete(tbl, "id", "P1")
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "public"."payments" WHERE "id" = $1`, del.sql)
}

func TestCatalogLookup(t *testing.T) {
	cat := NewCatalog("budget", &Table{Name: "payments", PrimaryKey: []string{"id"}, Types: map[string]string{"id": "uuid"}})
	tbl, err := cat.Lookup("payments")
	require.NoError(t, err)
	assert.Equal(t, `"budget"."payments"`, tbl.Ident())
	assert.Equal(t, "id", tbl.Identity())

	_, err = cat.Lookup("ghosts")
	assert.ErrorIs(t, err, source.ErrUnknownTable)
	assert.Equal(t, []string{"payments"}, cat.Tables())

	composite := &Table{PrimaryKey: []string{"a", "b"}}
	assert.Equal(t, "id", identity(composite))
}

func TestNormalize(t *testing.T) {
	id := [16]byte{0xb0, 0xd6, 0xc7, 0xf2, 0x1b, 0x1e, 0x4c, 0x53, 0x9d, 0x0a, 0x2f, 0x1f, 0x0e, 0x9b, 0x7a, 0x11}
	assert.Equal(t, "b0d6c7f2-1b1e-4c53-9d0a-2f1f0e9b7a11", normalize(id))
	assert.Equal(t, int64(7), normalize(int32(7)))
	assert.Equal(t, float64(0.5), normalize(float32(0.5)))
	assert.Nil(t, normalize(pgtype.Numeric{}))

	d, ok := normalize(pgtype.Numeric{Int: big.NewInt(125075), Exp: -2, Valid: true}).(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "1250.75", d.String())

	r := toRow(map[string]any{"n": int16(3), "s": "x"})
	assert.Equal(t, source.Row{"n": int64(3), "s": "x"}, r)
}
