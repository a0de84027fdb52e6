package svc

import (
	"context"

	"vanish/pkg/domain"
)

// RecordStore owns paste records. RecordView, Delete and DeleteIfTokenMatches
// report false when no row changed, which callers treat as "already gone".
type RecordStore interface {
	Create(ctx context.Context, rec *domain.PasteRecord, rawDeletionToken string) error
	FetchIfAvailable(ctx context.Context, id string) (*domain.PasteRecord, error)
	RecordView(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteIfTokenMatches(ctx context.Context, id, rawToken string) (bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type ChallengeGate interface {
	Enabled() bool
	Verify(ctx context.Context, token string, nonce uint64) (bool, error)
}
