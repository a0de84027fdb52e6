package cache

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a bounded, concurrency-safe table of per-key state. When full, the
// least recently used key is evicted and its state starts over on next use.
type LRU[V any] struct {
	c *lru.Cache[string, V]
}

func NewLRU[V any](size int) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c}, nil
}

// GetOrAdd returns the value for key, building it with mk when absent. Racing
// callers for one key all receive the same value.
func (l *LRU[V]) GetOrAdd(key string, mk func() V) V {
	if v, ok := l.c.Get(key); ok {
		return v
	}
	v := mk()
	if prev, ok, _ := l.c.PeekOrAdd(key, v); ok {
		return prev
	}
	return v
}

func (l *LRU[V]) Len() int {
	return l.c.Len()
}
