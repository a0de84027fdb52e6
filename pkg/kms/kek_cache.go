package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped data keys for ttl so repeated reads of one record do
// not round-trip to the provider. Concurrent misses for one wrapped key share
// a single provider call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKEK struct {
	unwrappedDEK []byte
	expiresAt    time.Time
	mu           sync.RWMutex
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the plaintext key for wrapped under encContext.
// The caller owns and should wipe the copy.
func (c *KEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	cacheKey := cacheKeyFor(wrapped, encContext)
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if dek, ok := c.load(cacheKey); ok {
			return dek, nil
		}
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(cacheKey, int64(c.ttl/10/time.Millisecond))
		entry := &cachedKEK{
			unwrappedDEK: dek,
			expiresAt:    time.Now().Add(c.ttl).Add(jitter),
		}
		c.cache.Store(cacheKey, entry)
		return cloneBytes(dek), nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight hands the same slice to every waiter
	return cloneBytes(result.([]byte)), nil
}

func (c *KEKCache) load(cacheKey string) ([]byte, bool) {
	v, ok := c.cache.Load(cacheKey)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedKEK)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.unwrappedDEK == nil || time.Now().After(entry.expiresAt) {
		c.cache.Delete(cacheKey)
		return nil, false
	}
	return cloneBytes(entry.unwrappedDEK), true
}

func cacheKeyFor(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitterMs int64) time.Duration {
	if maxJitterMs <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMs) * time.Millisecond
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.unwrappedDEK)
			entry.unwrappedDEK = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		wipeBytes(entry.unwrappedDEK)
		entry.unwrappedDEK = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
