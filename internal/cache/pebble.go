package cache

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleBackend is a Pebble LSM-tree backed cache store.
type PebbleBackend struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// OpenPebble opens (creating if needed) the Pebble database at dir.
func OpenPebble(dir string, logger *zap.Logger) (*PebbleBackend, error) {
	if logger == nil {
		logger = zap.L()
	}
	db, err := pebble.Open(dir, &pebble.Options{Logger: &pebbleLogger{logger.Sugar()}})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	logger.Info("Pebble cache opened", zap.String("path", dir))
	return &PebbleBackend{db: db, path: dir, logger: logger}, nil
}

func (p *PebbleBackend) Get(key string) ([]byte, bool, error) {
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return append([]byte(nil), data...), true, nil
}

func (p *PebbleBackend) Set(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleBackend) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleBackend) Keys(prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = upperBound([]byte(prefix))
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// upperBound is the smallest key greater than every key with prefix b.
func upperBound(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleLogger adapts zap to pebble's Logger interface.
type pebbleLogger struct {
	s *zap.SugaredLogger
}

func (l *pebbleLogger) Infof(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l *pebbleLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l *pebbleLogger) Fatalf(format string, args ...interface{}) { l.s.Fatalf(format, args...) }
