package source

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ChangeType is the kind of a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row change pushed by a source.
type ChangeEvent struct {
	Type  ChangeType `json:"type"`
	Table string     `json:"table"`
	New   Row        `json:"new,omitempty"`
	Old   Row        `json:"old,omitempty"`
}

// wireFilter is the JSON form of a Filter:
//
//	{"op":"eq","column":"action_id","value":"A1"}
//	{"op":"and","filters":[...]}
type wireFilter struct {
	Op      string            `json:"op"`
	Column  string            `json:"column,omitempty"`
	Value   any               `json:"value,omitempty"`
	Pattern string            `json:"pattern,omitempty"`
	Filters []json.RawMessage `json:"filters,omitempty"`
}

// MarshalFilter encodes f in its JSON wire form. A nil filter encodes as null.
func MarshalFilter(f Filter) ([]byte, error) {
	w, err := toWire(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(f Filter) (*wireFilter, error) {
	switch t := f.(type) {
	case nil:
		return nil, nil
	case Eq:
		return &wireFilter{Op: "eq", Column: t.Column, Value: t.Value}, nil
	case Gte:
		return &wireFilter{Op: "gte", Column: t.Column, Value: t.Value}, nil
	case Lte:
		return &wireFilter{Op: "lte", Column: t.Column, Value: t.Value}, nil
	case ILike:
		return &wireFilter{Op: "ilike", Column: t.Column, Pattern: t.Pattern}, nil
	case And:
		w := &wireFilter{Op: "and"}
		for _, m := range t {
			b, err := MarshalFilter(m)
			if err != nil {
				return nil, err
			}
			w.Filters = append(w.Filters, b)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported filter %T", f)
	}
}

// UnmarshalFilter decodes the JSON wire form produced by MarshalFilter.
func UnmarshalFilter(b []byte) (Filter, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var w wireFilter
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	switch w.Op {
	case "eq":
		return Eq{Column: w.Column, Value: w.Value}, nil
	case "gte":
		return Gte{Column: w.Column, Value: w.Value}, nil
	case "lte":
		return Lte{Column: w.Column, Value: w.Value}, nil
	case "ilike":
		return ILike{Column: w.Column, Pattern: w.Pattern}, nil
	case "and":
		out := make(And, 0, len(w.Filters))
		for _, raw := range w.Filters {
			m, err := UnmarshalFilter(raw)
			if err != nil {
				return nil, err
			}
			if m != nil {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown filter op %q", w.Op)
	}
}

type wireQuery struct {
	Table  string          `json:"table"`
	Select string          `json:"select,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
	Sort   *Sort           `json:"sort,omitempty"`
}

func (q Query) MarshalJSON() ([]byte, error) {
	f, err := MarshalFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireQuery{Table: q.Table, Select: q.Select, Filter: f, Sort: q.Sort})
}

func (q *Query) UnmarshalJSON(b []byte) error {
	var w wireQuery
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	f, err := UnmarshalFilter(w.Filter)
	if err != nil {
		return err
	}
	*q = Query{Table: w.Table, Select: w.Select, Filter: f, Sort: w.Sort}
	return nil
}
