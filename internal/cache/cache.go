// Package cache is the local persistent cache of query results. Entries are
// keyed by table and query key and hold the fetched payload together with
// the moment it was fetched. There is no eviction: entries are replaced on
// every fresh fetch and removed only by explicit invalidation.
package cache

import (
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/common"
)

// Forever is a stale time under which an entry never goes stale.
const Forever time.Duration = math.MaxInt64

// Entry is a cached payload and its fetch timestamp.
type Entry struct {
	Key       string
	Data      json.RawMessage
	Timestamp time.Time
}

// Decode unmarshals the payload into v.
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// stored is the persisted blob: {"data": ..., "timestamp": <unix ms>}.
type stored struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Backend is the key/value storage under a Cache.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

type Cache struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Cache)

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(b Backend, opts ...Option) *Cache {
	c := &Cache{backend: b, log: zap.L(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("cache")
	return c
}

// Key is the slot key for (table, queryKey).
func Key(table string, queryKey []string) string {
	return common.EncodeKey(table, queryKey)
}

// Get returns the entry stored under key. Absence, backend failures and
// undecodable blobs all come back as (nil, false).
func (c *Cache) Get(key string) (*Entry, bool) {
	raw, ok, err := c.backend.Get(key)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var s stored
	if err := json.Unmarshal(raw, &s); err != nil {
		c.log.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &Entry{Key: key, Data: s.Data, Timestamp: time.UnixMilli(s.Timestamp)}, true
}

// Save overwrites key with data stamped with the current time. Failures are
// logged and swallowed.
func (c *Cache) Save(key string, data any) {
	c.SaveAt(key, data, c.now())
}

// SaveAt is Save with an explicit fetch timestamp.
func (c *Cache) SaveAt(key string, data any, fetchedAt time.Time) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.Error("cache serialize failed", zap.String("key", key), zap.Error(err))
		return
	}
	blob, err := json.Marshal(stored{Data: payload, Timestamp: fetchedAt.UnixMilli()})
	if err != nil {
		c.log.Error("cache serialize failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.backend.Set(key, blob); err != nil {
		c.log.Error("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// IsStale reports whether an entry fetched at ts is older than staleTime.
func (c *Cache) IsStale(ts time.Time, staleTime time.Duration) bool {
	return IsStale(ts, staleTime, c.now())
}

// Now is the cache clock.
func (c *Cache) Now() time.Time { return c.now() }

// IsStale reports now - ts > staleTime. Forever is never stale.
func IsStale(ts time.Time, staleTime time.Duration, now time.Time) bool {
	if staleTime == Forever {
		return false
	}
	return now.Sub(ts) > staleTime
}

// Invalidate drops the entry under key.
func (c *Cache) Invalidate(key string) {
	if err := c.backend.Delete(key); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateTable drops every entry of table and returns how many went.
func (c *Cache) InvalidateTable(table string) int {
	keys, err := c.backend.Keys(common.TablePrefix(table))
	if err != nil {
		c.log.Warn("cache scan failed", zap.String("table", table), zap.Error(err))
		return 0
	}
	n := 0
	for _, k := range keys {
		if err := c.backend.Delete(k); err != nil {
			c.log.Warn("cache invalidate failed", zap.String("key", k), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Keys lists stored keys of table, or every key when table is empty.
func (c *Cache) Keys(table string) ([]string, error) {
	prefix := ""
	if table != "" {
		prefix = common.TablePrefix(table)
	}
	keys, err := c.backend.Keys(prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
