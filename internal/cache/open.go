package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindPebble = "pebble"
	KindSQLite = "sqlite"
)

// Open builds a Cache over the backend named by kind. path is a directory
// for pebble and a file for sqlite; it is ignored for memory.
func Open(kind, path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.L()
	}
	var (
		b   Backend
		err error
	)
	switch kind {
	case "", KindMemory:
		b = NewMemoryBackend()
	case KindPebble:
		b, err = OpenPebble(path, logger)
	case KindSQLite:
		b, err = OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return New(b, WithLogger(logger)), nil
}
