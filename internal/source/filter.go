package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Filter is one of Eq, Gte, Lte, ILike or And. The set is closed: sources
// interpret each variant explicitly.
type Filter interface {
	isFilter()
}

type (
	// Eq matches rows whose Column equals Value.
	Eq struct {
		Column string
		Value  any
	}

	// Gte matches rows whose Column is greater than or equal to Value.
	Gte struct {
		Column string
		Value  any
	}

	// Lte matches rows whose Column is less than or equal to Value.
	Lte struct {
		Column string
		Value  any
	}

	// ILike matches rows whose Column matches the SQL LIKE Pattern,
	// case-insensitively.
	ILike struct {
		Column  string
		Pattern string
	}

	// And matches rows matched by every member.
	And []Filter
)

func (Eq) isFilter()    {}
func (Gte) isFilter()   {}
func (Lte) isFilter()   {}
func (ILike) isFilter() {}
func (And) isFilter()   {}

// Columns lists every column referenced by f, in order of appearance.
func Columns(f Filter) []string {
	var out []string
	var walk func(Filter)
	walk = func(f Filter) {
		switch t := f.(type) {
		case Eq:
			out = append(out, t.Column)
		case Gte:
			out = append(out, t.Column)
		case Lte:
			out = append(out, t.Column)
		case ILike:
			out = append(out, t.Column)
		case And:
			for _, m := range t {
				walk(m)
			}
		}
	}
	if f != nil {
		walk(f)
	}
	return out
}

// Match evaluates f against row. A nil filter matches everything.
func Match(f Filter, row Row) bool {
	switch t := f.(type) {
	case nil:
		return true
	case Eq:
		v, ok := row[t.Column]
		if !ok {
			return t.Value == nil
		}
		c, ok := compareValues(v, t.Value)
		return ok && c == 0
	case Gte:
		c, ok := compareValues(row[t.Column], t.Value)
		return ok && c >= 0
	case Lte:
		c, ok := compareValues(row[t.Column], t.Value)
		return ok && c <= 0
	case ILike:
		s, ok := row[t.Column].(string)
		if !ok {
			return false
		}
		return likePattern(t.Pattern).MatchString(s)
	case And:
		for _, m := range t {
			if !Match(m, row) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two column values. Numbers compare numerically, times
// chronologically, everything else by its string form. nil sorts first.
func Compare(a, b any) int {
	c, ok := compareValues(a, b)
	if ok {
		return c
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	if _, ok := b.(time.Time); ok {
		if ta, ok := toTime(a); ok {
			return ta.Compare(b.(time.Time)), true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			}
			return 1, true
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b)), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case fmt.Stringer:
		// decimal.Decimal and friends render as plain numbers
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

var (
	likeMu    sync.Mutex
	likeCache = map[string]*regexp.Regexp{}
)

// likePattern compiles a SQL LIKE pattern ('%' any run, '_' one char) into
// a case-insensitive anchored regexp.
func likePattern(p string) *regexp.Regexp {
	likeMu.Lock()
	defer likeMu.Unlock()
	if re, ok := likeCache[p]; ok {
		return re
	}
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range p {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	likeCache[p] = re
	return re
}
