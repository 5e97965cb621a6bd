// Package wal turns wal2json logical replication output into change events.
package wal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/source"
)

// Envelope is one wal2json (format-version 1) transaction.
type Envelope struct {
	Xid     int64    `json:"xid"`
	NextLSN string   `json:"nextlsn"`
	Change  []Change `json:"change"`
}

type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnTypes  []string `json:"columntypes"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyTypes  []string `json:"keytypes"`
	KeyValues []any    `json:"keyvalues"`
}

// Decode parses one wal2json message. Changes other than insert, update
// and delete (truncate, logical messages) are skipped.
func Decode(line []byte) ([]source.ChangeEvent, error) {
	return decode(line, "public")
}

func decode(line []byte, schema string) ([]source.ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("wal2json decode: %w", err)
	}
	out := make([]source.ChangeEvent, 0, len(env.Change))
	for _, ch := range env.Change {
		ev, ok, err := ch.event(schema)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// TableName is the table as sources name it: bare in the public schema,
// schema-qualified elsewhere.
func (c Change) TableName() string { return c.tableIn("public") }

func (c Change) tableIn(schema string) string {
	if c.Schema == "" || c.Schema == schema {
		return c.Table
	}
	return c.Schema + "." + c.Table
}

// Event converts c, reporting false for kinds that carry no row change.
func (c Change) Event() (source.ChangeEvent, bool, error) { return c.event("public") }

func (c Change) event(schema string) (source.ChangeEvent, bool, error) {
	ev := source.ChangeEvent{Table: c.tableIn(schema)}
	var err error
	switch c.Kind {
	case "insert":
		ev.Type = source.ChangeInsert
		ev.New, err = row(c.ColumnNames, c.ColumnTypes, c.ColumnValues)
	case "update":
		ev.Type = source.ChangeUpdate
		if ev.New, err = row(c.ColumnNames, c.ColumnTypes, c.ColumnValues); err == nil && len(c.OldKeys.KeyNames) > 0 {
			ev.Old, err = row(c.OldKeys.KeyNames, c.OldKeys.KeyTypes, c.OldKeys.KeyValues)
		}
	case "delete":
		ev.Type = source.ChangeDelete
		ev.Old, err = row(c.OldKeys.KeyNames, c.OldKeys.KeyTypes, c.OldKeys.KeyValues)
	default:
		return ev, false, nil
	}
	if err != nil {
		return ev, false, fmt.Errorf("%s %s: %w", c.Kind, ev.Table, err)
	}
	return ev, true, nil
}

func row(names, types []string, values []any) (source.Row, error) {
	if len(values) != len(names) {
		return nil, fmt.Errorf("%d columns, %d values", len(names), len(values))
	}
	r := make(source.Row, len(names))
	for i, name := range names {
		typ := ""
		if i < len(types) {
			typ = types[i]
		}
		v, err := Normalize(typ, values[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		r[name] = v
	}
	return r, nil
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Normalize converts a wal2json value of Postgres type typ to the Go type
// the postgres source scans the same column into: int64, float64,
// decimal.Decimal, time.Time or string.
func Normalize(typ string, v any) (any, error) {
	switch v.(type) {
	case nil, bool:
		return v, nil
	}
	s, isString := v.(string)
	if !isString {
		s = fmt.Sprint(v) // json.Number
	}
	base := strings.TrimSuffix(strings.SplitN(typ, "(", 2)[0], "[]")
	switch base {
	case "smallint", "integer", "bigint", "int2", "int4", "int8":
		return strconv.ParseInt(s, 10, 64)
	case "real", "double precision", "float4", "float8":
		return strconv.ParseFloat(s, 64)
	case "numeric", "decimal":
		return decimal.NewFromString(s)
	case "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp", "date":
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("unparseable %s %q", typ, s)
	}
	if !isString {
		// untyped number: keep integers exact
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	return s, nil
}

// Consumer publishes decoded changes to a hub. Tables of Schema (public
// when empty) are published under their bare name.
type Consumer struct {
	Hub    *source.Hub
	Log    *zap.Logger
	Schema string
}

// OnMessage decodes one wal2json payload and publishes its changes in
// order. Undecodable payloads are logged and dropped.
func (c *Consumer) OnMessage(line []byte) {
	log := c.Log
	if log == nil {
		log = zap.L()
	}
	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	events, err := decode(line, schema)
	if err != nil {
		log.Error("wal message dropped", zap.Error(err), zap.ByteString("raw", line))
		return
	}
	for _, ev := range events {
		log.Debug("wal change", zap.String("table", ev.Table), zap.String("type", string(ev.Type)))
		c.Hub.Publish(ev)
	}
}
