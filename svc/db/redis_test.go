package db

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vanish/cfg"
	"vanish/pkg/domain"
)

// newTestRedis connects to VANISH_TEST_REDIS_URL; the tests skip without it.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("VANISH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VANISH_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url, &cfg.Cfg{RedisTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisChallengeConsumeOnce(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	c := &domain.Challenge{Token: "test-" + time.Now().Format(time.RFC3339Nano), Difficulty: 4, ExpiresAt: time.Now().Add(time.Minute)}
	if err := r.Put(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, c.Token)
	if err != nil || got == nil || got.Difficulty != 4 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.Consume(ctx, c.Token); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("consume wins = %d, want 1", wins)
	}
}

func TestRedisTakeToken(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	now := time.Now()
	for i := 0; i < 3; i++ {
		ok, _, err := r.TakeToken(ctx, key, 3, 0.1, now)
		if err != nil || !ok {
			t.Fatalf("take %d = %v, %v", i+1, ok, err)
		}
	}
	if ok, _, _ := r.TakeToken(ctx, key, 3, 0.1, now); ok {
		t.Fatal("bucket exceeded capacity")
	}
	if ok, _, _ := r.TakeToken(ctx, key, 3, 0.1, now.Add(10*time.Second)); !ok {
		t.Fatal("bucket did not refill")
	}
}
