package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"vanish/svc/util"
)

const (
	digestPrefix   = "b2:"
	maxTokenLength = 512
)

var ErrDigesterClosed = errors.New("digester closed")

// Digester derives storage digests for deletion tokens. Tokens carry 256 bits
// of entropy, so a keyed hash is enough and lets the store recompute the digest
// of a presented token without a per-record salt.
type Digester struct {
	mu  sync.RWMutex
	key []byte
}

func NewDigester(pepper []byte) (*Digester, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	key := blake2b.Sum256(append([]byte("vanish-deletion-token-v1:"), pepper...))
	return &Digester{key: key[:]}, nil
}

// Digest returns the encoded digest of token. The raw token is never retained.
func (d *Digester) Digest(token string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.key == nil {
		return "", ErrDigesterClosed
	}
	if len(token) > maxTokenLength {
		token = token[:maxTokenLength]
	}
	h, err := blake2b.New256(d.key)
	if err != nil {
		return "", errors.Wrap(err, "init blake2b")
	}
	h.Write([]byte(token))
	return digestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether token hashes to encoded. The comparison is constant
// time in the digest length and a malformed encoded value still costs a hash.
func (d *Digester) Equal(token, encoded string) bool {
	got, err := d.Digest(token)
	if err != nil {
		return false
	}
	valid := strings.HasPrefix(encoded, digestPrefix) && len(encoded) == len(got)
	if !valid {
		encoded = dummyDigest
	}
	match := subtle.ConstantTimeCompare([]byte(got), []byte(encoded)) == 1
	return valid && match
}

var dummyDigest = digestPrefix + strings.Repeat("0", 64)

// Dummy burns one digest computation for callers that must not reveal whether
// a record existed.
func (d *Digester) Dummy(token string) {
	d.Equal(token, dummyDigest)
}

func (d *Digester) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	util.Wipe(d.key)
	d.key = nil
}
