package postgres

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/zoravur/budgetsync/internal/source"
)

// normalize maps pgx decoded values onto the types the rest of the module
// compares: int64, float64, decimal.Decimal, time.Time and string ids.
func normalize(v any) any {
	switch t := v.(type) {
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float32:
		return float64(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		if t.NaN || t.InfinityModifier != pgtype.Finite {
			f, err := t.Float64Value()
			if err != nil {
				return nil
			}
			return f.Float64
		}
		return decimal.NewFromBigInt(t.Int, t.Exp)
	default:
		return v
	}
}

func toRow(m map[string]any) source.Row {
	r := make(source.Row, len(m))
	for k, v := range m {
		r[k] = normalize(v)
	}
	return r
}
