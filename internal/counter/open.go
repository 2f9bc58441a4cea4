package counter

import (
	"fmt"

	"notehub/api/internal/votes"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Store is a votes.CounterStore that holds a connection.
type Store interface {
	votes.CounterStore
	Close() error
}

// Open returns the Counter Store named by backend.
func Open(backend, redisURL, prefix string) (Store, error) {
	switch backend {
	case BackendRedis, "":
		store, err := NewRedisStore(redisURL, prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown counter backend %q", backend)
	}
}
