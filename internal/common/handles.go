package common

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	tableSep = "|"
	partSep  = "."
)

// EncodeKey returns a canonical slot key of the form:
//
//	base64(table) "|" base64(part0) "." base64(part1) "." ...
//
// Neither separator belongs to the RawURL alphabet and every part is
// terminated, so distinct (table, parts) pairs never share a key.
func EncodeKey(table string, parts []string) string {
	var b strings.Builder
	b.WriteString(TablePrefix(table))
	for _, p := range parts {
		b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(p)))
		b.WriteString(partSep)
	}
	return b.String()
}

// TablePrefix is the prefix shared by every key EncodeKey builds for table.
func TablePrefix(table string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(table)) + tableSep
}

// DecodeKey parses a key built by EncodeKey.
func DecodeKey(key string) (table string, parts []string, err error) {
	head, tail, ok := strings.Cut(key, tableSep)
	if !ok {
		return "", nil, fmt.Errorf("malformed key")
	}
	t, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil {
		return "", nil, fmt.Errorf("invalid table: %w", err)
	}
	if tail == "" {
		return string(t), nil, nil
	}
	if !strings.HasSuffix(tail, partSep) {
		return "", nil, fmt.Errorf("malformed key parts")
	}
	for _, p := range strings.Split(strings.TrimSuffix(tail, partSep), partSep) {
		b, err := base64.RawURLEncoding.DecodeString(p)
		if err != nil {
			return "", nil, fmt.Errorf("invalid key part: %w", err)
		}
		parts = append(parts, string(b))
	}
	return string(t), parts, nil
}
