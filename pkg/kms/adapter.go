package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

const opTimeout = 10 * time.Second

// EncryptionContext is bound to a wrapped key as additional authenticated
// data; unwrapping with a different context fails.
type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) (ciphertext []byte, err error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) (plaintext []byte, err error)
	GetSecret(ctx context.Context, key string) (value string, err error)
}

// Adapter fronts the configured key-management provider. Vault is preferred,
// then AWS KMS; KMS_LOCAL_KEY is a fallback for development and tests and is
// refused when KMS_REQUIRE_PRIMARY=true.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true")
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if !requirePrimary && primary == nil {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize env provider: %w", err)
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
	}, nil
}

// NewAdapterWithProvider wraps a single provider, failing closed.
func NewAdapterWithProvider(p Provider) *Adapter {
	return &Adapter{primary: p, failClosed: true}
}

// call runs fn on the primary, then on the fallback when policy allows.
func (a *Adapter) call(op string, fn func(p Provider) error) error {
	if a.primary != nil {
		err := fn(a.primary)
		if err == nil {
			return nil
		}
		if a.requirePrimary {
			return fmt.Errorf("primary KMS %s failed (KMS_REQUIRE_PRIMARY=true): %w", op, err)
		}
		if a.failClosed {
			return fmt.Errorf("kms %s failed (fail-closed): %w", op, err)
		}
	}
	if a.fallback != nil {
		return fn(a.fallback)
	}
	return ErrProviderUnavailable
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	var out []byte
	err := a.call("encrypt", func(p Provider) (err error) {
		out, err = p.EncryptWithContext(ctx, plaintext, aad)
		return err
	})
	return out, err
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	var out []byte
	err := a.call("decrypt", func(p Provider) (err error) {
		out, err = p.DecryptWithContext(ctx, ciphertext, aad)
		return err
	})
	return out, err
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var out string
	err := a.call("get secret", func(p Provider) (err error) {
		out, err = p.GetSecret(ctx, key)
		if err == nil && out == "" {
			err = fmt.Errorf("secret %s is empty", key)
		}
		return err
	})
	return out, err
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
