// Package store provides the durable key-value substrate the conversation
// repository writes its catalogue into. Every backend stores opaque bytes under a
// string key; serialization is the caller's concern.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("store is closed")

// Store is a minimal durable key-value store.
//
// Get returns ok == false for an absent key. Implementations must be safe for
// concurrent use, but callers never issue overlapping writes for the same key.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
	BackendRedis  Backend = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// Path is a directory for the file backend and a database file for sqlite and bolt.
	Path     string
	RedisURL string
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		dsn, err := SQLiteDSNForFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case BackendBolt:
		return NewBoltStore(cfg.Path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
