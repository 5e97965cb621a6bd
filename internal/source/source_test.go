package source

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	row := Row{
		"id":         int64(7),
		"name":       "Road Maintenance",
		"amount":     1500.5,
		"created_at": "2025-03-01T10:00:00Z",
		"closed":     false,
	}
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"nil", nil, true},
		{"eq across numeric types", Eq{Column: "id", Value: 7.0}, true},
		{"eq string", Eq{Column: "name", Value: "Road Maintenance"}, true},
		{"eq missing column", Eq{Column: "missing", Value: "x"}, false},
		{"gte", Gte{Column: "amount", Value: 1500}, true},
		{"lte fails", Lte{Column: "amount", Value: 1000}, false},
		{"gte date string", Gte{Column: "created_at", Value: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, true},
		{"ilike", ILike{Column: "name", Pattern: "%MAINT%"}, true},
		{"ilike single char", ILike{Column: "name", Pattern: "road_maintenance"}, true},
		{"ilike non string", ILike{Column: "amount", Pattern: "%"}, false},
		{"eq bool", Eq{Column: "closed", Value: false}, true},
		{"and", And{Eq{Column: "id", Value: "7"}, Lte{Column: "amount", Value: 2000}}, true},
		{"and one fails", And{Eq{Column: "id", Value: 8}, Lte{Column: "amount", Value: 2000}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Match(c.f, row))
		})
	}
}

func TestIdentityOfNormalizesNumbers(t *testing.T) {
	a, ok := IdentityOf(Row{"id": float64(42)}, "id")
	require.True(t, ok)
	b, _ := IdentityOf(Row{"id": int64(42)}, "id")
	assert.Equal(t, a, b)

	_, ok = IdentityOf(Row{"id": nil}, "id")
	assert.False(t, ok)
}

func TestQueryJSONCarriesFilterTree(t *testing.T) {
	q := Query{
		Table:  "operations",
		Select: "*",
		Filter: And{
			Eq{Column: "action_id", Value: "A1"},
			ILike{Column: "label", Pattern: "%road%"},
		},
		Sort: &Sort{Column: "code", Ascending: true},
	}
	b, err := json.Marshal(q)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"op":"and"`)

	var back Query
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, q, back)
}

func TestUnmarshalFilterRejectsUnknownOp(t *testing.T) {
	_, err := UnmarshalFilter([]byte(`{"op":"neq","column":"a"}`))
	assert.Error(t, err)
}

func TestColumns(t *testing.T) {
	f := And{Eq{Column: "a"}, And{Gte{Column: "b"}, ILike{Column: "c"}}}
	assert.Equal(t, []string{"a", "b", "c"}, Columns(f))
}
