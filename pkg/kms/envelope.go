package kms

import (
	"context"

	"github.com/pkg/errors"
)

const sealPurpose = "vanish-at-rest"

// Envelope seals stored ciphertext with a fresh data key per record. The data
// key is wrapped by the provider under an encryption context naming the
// record, so a wrapped key copied onto another row will not unwrap.
type Envelope struct {
	adapter *Adapter
	cache   *KEKCache
}

func NewEnvelope(adapter *Adapter, cache *KEKCache) *Envelope {
	if adapter == nil || cache == nil {
		panic("kms envelope: nil adapter or cache")
	}
	return &Envelope{adapter: adapter, cache: cache}
}

func recordContext(id string) EncryptionContext {
	return EncryptionContext{"paste_id": id, "purpose": sealPurpose}
}

func (e *Envelope) Seal(ctx context.Context, id string, plaintext []byte) ([]byte, []byte, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate dek")
	}
	defer wipeBytes(dek)
	sealed, err := AEADSeal(plaintext, dek, []byte(id))
	if err != nil {
		return nil, nil, errors.Wrap(err, "seal")
	}
	wrapped, err := e.adapter.EncryptWithContext(ctx, dek, recordContext(id))
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap dek")
	}
	return sealed, wrapped, nil
}

func (e *Envelope) Open(ctx context.Context, id string, sealed, wrapped []byte) ([]byte, error) {
	dek, err := e.cache.Unwrap(ctx, wrapped, recordContext(id))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer wipeBytes(dek)
	out, err := AEADOpen(sealed, dek, []byte(id))
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return out, nil
}
