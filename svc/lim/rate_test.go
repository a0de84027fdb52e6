package lim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vanish/cfg"
)

func newLimiter(t *testing.T, capacity int, perMinute float64, shared Shared) (*Limiter, *time.Time) {
	t.Helper()
	l, err := New("test", cfg.BucketCfg{Capacity: capacity, RefillPerMinute: perMinute}, 100, shared)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowBurstThenReject(t *testing.T) {
	l, _ := newLimiter(t, 5, 6, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, "a") {
			t.Fatalf("request %d rejected within capacity", i+1)
		}
	}
	if l.Allow(ctx, "a") {
		t.Fatal("request beyond capacity allowed")
	}
}

func TestAllowRefill(t *testing.T) {
	l, now := newLimiter(t, 2, 6, nil)
	ctx := context.Background()
	l.Allow(ctx, "a")
	l.Allow(ctx, "a")
	if l.Allow(ctx, "a") {
		t.Fatal("empty bucket allowed a request")
	}
	// 6/min is one token every 10s
	*now = now.Add(5 * time.Second)
	if l.Allow(ctx, "a") {
		t.Fatal("half a token was enough")
	}
	*now = now.Add(5 * time.Second)
	if !l.Allow(ctx, "a") {
		t.Fatal("refilled token not granted")
	}
	*now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !l.Allow(ctx, "a") {
			t.Fatalf("refill did not reach capacity (request %d)", i+1)
		}
	}
	if l.Allow(ctx, "a") {
		t.Fatal("refill exceeded capacity")
	}
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newLimiter(t, 1, 1, nil)
	ctx := context.Background()
	if !l.Allow(ctx, "a") || l.Allow(ctx, "a") {
		t.Fatal("unexpected result for key a")
	}
	if !l.Allow(ctx, "b") {
		t.Fatal("key b affected by key a")
	}
}

func TestCheckReportsRemaining(t *testing.T) {
	l, _ := newLimiter(t, 3, 60, nil)
	r := l.Check(context.Background(), "a")
	if !r.Allowed || r.Limit != 3 || r.Remaining != 2 {
		t.Fatalf("Check = %+v", r)
	}
}

func TestAllowConcurrentSameKey(t *testing.T) {
	l, _ := newLimiter(t, 20, 0, nil)
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "shared") {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if allowed != 20 {
		t.Fatalf("allowed = %d, want 20", allowed)
	}
}

func TestAllowConcurrentManyKeys(t *testing.T) {
	l, _ := newLimiter(t, 1, 0, nil)
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Allow(context.Background(), fmt.Sprintf("k%d", i)) {
				atomic.AddInt32(&allowed, 1)
			}
		}(i)
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed = %d, want 50", allowed)
	}
}

type fakeShared struct {
	err   error
	calls int32
	ok    bool
}

func (f *fakeShared) TakeToken(_ context.Context, key string, capacity int, perSec float64, now time.Time) (bool, float64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.ok, 0, f.err
}

func TestSharedBackend(t *testing.T) {
	shared := &fakeShared{ok: false}
	l, _ := newLimiter(t, 5, 6, shared)
	if l.Allow(context.Background(), "a") {
		t.Fatal("shared rejection ignored")
	}
	if shared.calls != 1 {
		t.Fatalf("shared calls = %d, want 1", shared.calls)
	}
}

func TestSharedFallbackOnError(t *testing.T) {
	shared := &fakeShared{err: errors.New("connection refused")}
	l, _ := newLimiter(t, 1, 0, shared)
	ctx := context.Background()
	if !l.Allow(ctx, "a") {
		t.Fatal("local fallback rejected a fresh key")
	}
	if l.Allow(ctx, "a") {
		t.Fatal("local fallback ignored capacity")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("x", cfg.BucketCfg{Capacity: 0, RefillPerMinute: 1}, 10, nil); err == nil {
		t.Error("zero capacity accepted")
	}
	if _, err := New("x", cfg.BucketCfg{Capacity: 1, RefillPerMinute: -1}, 10, nil); err == nil {
		t.Error("negative refill accepted")
	}
}
