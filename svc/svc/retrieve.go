package svc

import (
	"context"

	"github.com/pkg/errors"

	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/svc/util"
)

// Retriever runs the read and delete paths. Both take a per-id lock so a view
// and a deletion of the same record are never interleaved in this process;
// the store's conditional statements cover other replicas.
type Retriever struct {
	store RecordStore
	locks *keyLock
}

func NewRetriever(store RecordStore) *Retriever {
	if store == nil {
		panic("retriever: nil store")
	}
	return &Retriever{store: store, locks: newKeyLock()}
}

// Read grants one view of id. When that view is the last one permitted the
// record is destroyed before the payload is returned.
func (r *Retriever) Read(ctx context.Context, id string) (*domain.PasteView, error) {
	if !util.ValidID(id) {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.FetchIfAvailable(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
		}
		return nil, err
	}
	var changed bool
	if domain.DecideDestructionAfterView(rec) {
		changed, err = r.store.Delete(ctx, id)
		if changed {
			metrics.PasteDestroyed.WithLabelValues("exhausted").Inc()
		}
	} else {
		changed, err = r.store.RecordView(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "apply view")
	}
	if !changed {
		// another replica took the last view between fetch and update
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	metrics.PasteRetrieved.Inc()
	return &domain.PasteView{
		Ciphertext:     rec.Ciphertext,
		IV:             rec.IV,
		ExpireAt:       rec.ExpireAt.Unix(),
		ViewLimit:      rec.ViewLimit,
		SingleView:     rec.SingleView,
		ViewsRemaining: rec.RemainingAfterView(),
	}, nil
}

// Delete destroys id when token is its deletion token. A wrong token and an
// unknown id both yield domain.ErrForbidden.
func (r *Retriever) Delete(ctx context.Context, id, token string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	ok, err := r.store.DeleteIfTokenMatches(ctx, id, token)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if !ok {
		return domain.ErrForbidden
	}
	metrics.PasteDestroyed.WithLabelValues("token").Inc()
	util.Info().Str("id", id).Msg("paste deleted via token")
	return nil
}
