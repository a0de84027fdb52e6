package pow

import (
	"context"
	"sync"
	"time"

	"vanish/pkg/domain"
)

// Store holds the live challenge set. Consume must be atomic: of any number of
// concurrent calls for one token, at most one reports true.
type Store interface {
	Put(ctx context.Context, c *domain.Challenge) error
	Get(ctx context.Context, token string) (*domain.Challenge, error)
	Consume(ctx context.Context, token string) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemStore is the single-process Store. Tokens are independent keys in a
// sync.Map so issue and verify on different tokens never contend.
type MemStore struct {
	m sync.Map
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Put(_ context.Context, c *domain.Challenge) error {
	cp := *c
	s.m.Store(c.Token, &cp)
	return nil
}

func (s *MemStore) Get(_ context.Context, token string) (*domain.Challenge, error) {
	v, ok := s.m.Load(token)
	if !ok {
		return nil, nil
	}
	cp := *v.(*domain.Challenge)
	return &cp, nil
}

func (s *MemStore) Consume(_ context.Context, token string) (bool, error) {
	_, loaded := s.m.LoadAndDelete(token)
	return loaded, nil
}

func (s *MemStore) Sweep(_ context.Context, now time.Time) (int, error) {
	n := 0
	s.m.Range(func(k, v any) bool {
		if v.(*domain.Challenge).Expired(now) {
			if _, loaded := s.m.LoadAndDelete(k); loaded {
				n++
			}
		}
		return true
	})
	return n, nil
}

func (s *MemStore) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
