package svc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vanish/cfg"
	"vanish/pkg/domain"
	"vanish/svc/auth"
	"vanish/svc/db"
	"vanish/svc/lim"
	"vanish/svc/pow"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

var testLimits = Limits{
	MaxCiphertextBytes: 1024,
	MinIVBytes:         12,
	MaxIVBytes:         16,
	MinExpiry:          time.Minute,
	MaxExpiry:          24 * time.Hour,
	MaxViewLimit:       100,
}

type fixture struct {
	store   *db.SQLite
	gate    *pow.Gate
	limiter *lim.Limiter
	in      *Ingestor
	r       *Retriever
}

func newFixture(t *testing.T, powEnabled bool, capacity int) *fixture {
	t.Helper()
	d, err := auth.NewDigester(testPepper)
	if err != nil {
		t.Fatal(err)
	}
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"), d, db.Options{})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gate := pow.NewGate(pow.NewMemStore(), cfg.PowCfg{Enabled: powEnabled, Difficulty: 4, TTL: time.Minute})
	limiter, err := lim.New("create", cfg.BucketCfg{Capacity: capacity, RefillPerMinute: 1}, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:   store,
		gate:    gate,
		limiter: limiter,
		in:      NewIngestor(store, limiter, gate, testLimits),
		r:       NewRetriever(store),
	}
}

type reqOpts struct {
	ciphertext []byte
	iv         []byte
	expireIn   time.Duration
	viewLimit  *int
	singleView bool
}

func intPtr(v int) *int { return &v }

func body(t *testing.T, o reqOpts, sol *domain.PowSolution) *bytes.Reader {
	t.Helper()
	if o.ciphertext == nil {
		o.ciphertext = []byte{0x00, 0x10, 0xff, 0x7f, 0x80}
	}
	if o.iv == nil {
		o.iv = bytes.Repeat([]byte{0x42}, 12)
	}
	if o.expireIn == 0 {
		o.expireIn = time.Hour
	}
	exp := time.Now().Add(o.expireIn).Unix()
	req := domain.CreateReq{
		Ciphertext:  base64.StdEncoding.EncodeToString(o.ciphertext),
		IV:          base64.StdEncoding.EncodeToString(o.iv),
		ExpireAt:    &exp,
		ViewLimit:   o.viewLimit,
		SingleView:  o.singleView,
		PowSolution: sol,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(raw)
}

func (f *fixture) solve(t *testing.T) *domain.PowSolution {
	t.Helper()
	ctx := context.Background()
	c, err := f.gate.Issue(ctx)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	nonce, err := pow.Solve(ctx, c.Token, c.Difficulty)
	if err != nil {
		t.Fatal(err)
	}
	return &domain.PowSolution{Token: c.Token, Nonce: nonce}
}

func (f *fixture) create(t *testing.T, o reqOpts) *domain.CreateResp {
	t.Helper()
	resp, err := f.in.Create(context.Background(), "client", body(t, o, nil))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return resp
}

func TestViewLimitTwoScenario(t *testing.T) {
	f := newFixture(t, false, 10)
	ctx := context.Background()
	resp := f.create(t, reqOpts{viewLimit: intPtr(2)})

	v, err := f.r.Read(ctx, resp.ID)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if v.ViewsRemaining == nil || *v.ViewsRemaining != 1 {
		t.Fatalf("first read remaining = %v, want 1", v.ViewsRemaining)
	}
	v, err = f.r.Read(ctx, resp.ID)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if *v.ViewsRemaining != 0 {
		t.Fatalf("second read remaining = %d, want 0", *v.ViewsRemaining)
	}
	if _, err := f.r.Read(ctx, resp.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("third read err = %v, want not found", err)
	}
	if err := f.r.Delete(ctx, resp.ID, "wrong"); err != domain.ErrForbidden {
		t.Fatalf("wrong token delete err = %v, want forbidden", err)
	}
}

func TestViewLimitKDecreasing(t *testing.T) {
	f := newFixture(t, false, 10)
	ctx := context.Background()
	const k = 5
	resp := f.create(t, reqOpts{viewLimit: intPtr(k)})
	for i := 0; i < k; i++ {
		v, err := f.r.Read(ctx, resp.ID)
		if err != nil {
			t.Fatalf("read %d: %v", i+1, err)
		}
		if want := k - 1 - i; *v.ViewsRemaining != want {
			t.Fatalf("read %d remaining = %d, want %d", i+1, *v.ViewsRemaining, want)
		}
	}
	if _, err := f.r.Read(ctx, resp.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("read %d err = %v, want not found", k+1, err)
	}
}

func TestUnlimitedViews(t *testing.T) {
	f := newFixture(t, false, 10)
	resp := f.create(t, reqOpts{})
	for i := 0; i < 3; i++ {
		v, err := f.r.Read(context.Background(), resp.ID)
		if err != nil {
			t.Fatal(err)
		}
		if v.ViewsRemaining != nil || v.ViewLimit != nil {
			t.Fatal("unlimited record reported a limit")
		}
	}
}

func TestSingleViewConcurrentReads(t *testing.T) {
	for _, o := range []reqOpts{{singleView: true}, {viewLimit: intPtr(1)}, {singleView: true, viewLimit: intPtr(10)}} {
		f := newFixture(t, false, 10)
		resp := f.create(t, o)
		var seen, missing int32
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := f.r.Read(context.Background(), resp.ID)
				switch {
				case err == nil:
					atomic.AddInt32(&seen, 1)
					if *v.ViewsRemaining != 0 {
						t.Errorf("single view remaining = %d", *v.ViewsRemaining)
					}
				case err == domain.ErrPasteNotFound:
					atomic.AddInt32(&missing, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if seen != 1 || missing != 24 {
			t.Fatalf("%+v: seen=%d missing=%d, want 1/24", o, seen, missing)
		}
	}
}

func TestRoundTripByteIdentical(t *testing.T) {
	f := newFixture(t, false, 10)
	ct := make([]byte, 256)
	for i := range ct {
		ct[i] = byte(i)
	}
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	resp := f.create(t, reqOpts{ciphertext: ct, iv: iv})
	v, err := f.r.Read(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v.Ciphertext, ct) || !bytes.Equal(v.IV, iv) {
		t.Fatal("read returned different bytes than were submitted")
	}
}

func TestExpiredNeverReturned(t *testing.T) {
	f := newFixture(t, false, 10)
	ctx := context.Background()
	rec := &domain.PasteRecord{
		ID:         "AAAAAAAAAAAAAAAAAAAAAA",
		Ciphertext: []byte("x"),
		IV:         bytes.Repeat([]byte{1}, 12),
		ExpireAt:   time.Now().Add(-time.Second),
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	if err := f.store.Create(ctx, rec, "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.r.Read(ctx, rec.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("expired read err = %v, want not found", err)
	}
}

func TestDeleteWithToken(t *testing.T) {
	f := newFixture(t, false, 10)
	ctx := context.Background()
	resp := f.create(t, reqOpts{})
	for _, tok := range []string{"", "garbage", strings.ToUpper(resp.DeletionToken)} {
		if tok == resp.DeletionToken {
			continue
		}
		if err := f.r.Delete(ctx, resp.ID, tok); err != domain.ErrForbidden {
			t.Fatalf("Delete(%q) err = %v, want forbidden", tok, err)
		}
	}
	if err := f.r.Delete(ctx, "AAAAAAAAAAAAAAAAAAAAAA", resp.DeletionToken); err != domain.ErrForbidden {
		t.Fatalf("unknown id err = %v, want forbidden", err)
	}
	if err := f.r.Delete(ctx, resp.ID, resp.DeletionToken); err != nil {
		t.Fatalf("Delete with token: %v", err)
	}
	if _, err := f.r.Read(ctx, resp.ID); err != domain.ErrPasteNotFound {
		t.Fatal("deleted record still readable")
	}
}

func TestReadInvalidID(t *testing.T) {
	f := newFixture(t, false, 10)
	for _, id := range []string{"", "short", "../../etc/passwd", strings.Repeat("a", 23)} {
		if _, err := f.r.Read(context.Background(), id); err != domain.ErrPasteNotFound {
			t.Errorf("Read(%q) err = %v", id, err)
		}
	}
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T, f *fixture) *bytes.Reader
		want error
	}{
		{"not json", func(t *testing.T, f *fixture) *bytes.Reader {
			return bytes.NewReader([]byte("{nope"))
		}, domain.ErrInvalidJSON},
		{"missing expireAt", func(t *testing.T, f *fixture) *bytes.Reader {
			return bytes.NewReader([]byte(`{"ciphertext":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`))
		}, domain.ErrInvalidJSON},
		{"bad base64", func(t *testing.T, f *fixture) *bytes.Reader {
			return bytes.NewReader([]byte(`{"ciphertext":"%%%","iv":"AAAAAAAAAAAAAAAA","expireAt":99999999999}`))
		}, domain.ErrInvalidJSON},
		{"no solution", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{}, nil)
		}, domain.ErrPowRequired},
		{"unknown challenge", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{}, &domain.PowSolution{Token: "made-up", Nonce: 1})
		}, domain.ErrPowInvalid},
		{"pow checked before size", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{iv: []byte{1}}, nil)
		}, domain.ErrPowRequired},
		{"iv too short", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{iv: make([]byte, 8)}, f.solve(t))
		}, domain.ErrSizeInvalid},
		{"iv too long", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{iv: make([]byte, 17)}, f.solve(t))
		}, domain.ErrSizeInvalid},
		{"ciphertext too large", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{ciphertext: make([]byte, 1025)}, f.solve(t))
		}, domain.ErrSizeInvalid},
		{"body far too large", func(t *testing.T, f *fixture) *bytes.Reader {
			return bytes.NewReader(bytes.Repeat([]byte("a"), 1<<20))
		}, domain.ErrSizeInvalid},
		{"expiry too soon", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{expireIn: 10 * time.Second}, f.solve(t))
		}, domain.ErrExpiryTooSoon},
		{"expiry in past", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{expireIn: -time.Hour}, f.solve(t))
		}, domain.ErrExpiryTooSoon},
		{"view limit zero", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{viewLimit: intPtr(0)}, f.solve(t))
		}, domain.ErrViewLimitInvalid},
		{"view limit too large", func(t *testing.T, f *fixture) *bytes.Reader {
			return body(t, reqOpts{viewLimit: intPtr(101)}, f.solve(t))
		}, domain.ErrViewLimitInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, 10)
			_, err := f.in.Create(context.Background(), "client", tt.body(t, f))
			if err != tt.want {
				t.Fatalf("Create err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIngestWithProofOfWork(t *testing.T) {
	f := newFixture(t, true, 10)
	ctx := context.Background()
	sol := f.solve(t)
	resp, err := f.in.Create(ctx, "client", body(t, reqOpts{}, sol))
	if err != nil {
		t.Fatalf("Create with solution: %v", err)
	}
	if resp.ID == "" || resp.DeletionToken == "" {
		t.Fatal("empty id or token")
	}
	if _, err := f.in.Create(ctx, "client", body(t, reqOpts{}, sol)); err != domain.ErrPowInvalid {
		t.Fatalf("replayed solution err = %v, want pow_invalid", err)
	}
}

func TestIngestRateLimitedFirst(t *testing.T) {
	f := newFixture(t, true, 2)
	ctx := context.Background()
	f.in.Create(ctx, "client", bytes.NewReader([]byte("junk")))
	f.in.Create(ctx, "client", bytes.NewReader([]byte("junk")))
	if _, err := f.in.Create(ctx, "client", bytes.NewReader([]byte("junk"))); err != domain.ErrRateLimited {
		t.Fatalf("third attempt err = %v, want rate_limited", err)
	}
	if _, err := f.in.Create(ctx, "other", bytes.NewReader([]byte("junk"))); err != domain.ErrInvalidJSON {
		t.Fatalf("other client err = %v, want invalid_json", err)
	}
}

func TestIngestCapsExpiry(t *testing.T) {
	f := newFixture(t, false, 10)
	resp := f.create(t, reqOpts{expireIn: 30 * 24 * time.Hour})
	v, err := f.r.Read(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if max := time.Now().Add(testLimits.MaxExpiry).Unix(); v.ExpireAt > max {
		t.Fatalf("expireAt %d beyond cap %d", v.ExpireAt, max)
	}
}

// fakeStore scripts store outcomes for paths a real database cannot easily reach.
type fakeStore struct {
	mu         sync.Mutex
	dupes      int
	creates    int
	rec        *domain.PasteRecord
	viewResult bool
}

func (s *fakeStore) Create(_ context.Context, rec *domain.PasteRecord, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.creates <= s.dupes {
		return domain.ErrDuplicateID
	}
	return nil
}

func (s *fakeStore) FetchIfAvailable(context.Context, string) (*domain.PasteRecord, error) {
	if s.rec == nil {
		return nil, domain.ErrPasteNotFound
	}
	cp := *s.rec
	return &cp, nil
}

func (s *fakeStore) RecordView(context.Context, string) (bool, error) { return s.viewResult, nil }
func (s *fakeStore) Delete(context.Context, string) (bool, error)     { return s.viewResult, nil }
func (s *fakeStore) DeleteIfTokenMatches(context.Context, string, string) (bool, error) {
	return false, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

func TestCreateRetriesDuplicateID(t *testing.T) {
	gate := pow.NewGate(pow.NewMemStore(), cfg.PowCfg{})
	for _, tt := range []struct {
		dupes   int
		wantErr bool
	}{{0, false}, {2, false}, {3, true}} {
		s := &fakeStore{dupes: tt.dupes}
		in := NewIngestor(s, allowAll{}, gate, testLimits)
		_, err := in.Create(context.Background(), "c", body(t, reqOpts{}, nil))
		if (err != nil) != tt.wantErr {
			t.Fatalf("dupes=%d: err = %v", tt.dupes, err)
		}
		if tt.wantErr && s.creates != maxCreateAttempts {
			t.Fatalf("attempts = %d, want %d", s.creates, maxCreateAttempts)
		}
	}
}

func TestReadLosesRaceToOtherReplica(t *testing.T) {
	s := &fakeStore{
		rec: &domain.PasteRecord{
			ID: "AAAAAAAAAAAAAAAAAAAAAA", Ciphertext: []byte("x"), IV: []byte("y"),
			ExpireAt: time.Now().Add(time.Hour), ViewLimit: intPtr(3),
		},
		viewResult: false,
	}
	r := NewRetriever(s)
	if _, err := r.Read(context.Background(), s.rec.ID); err != domain.ErrPasteNotFound {
		t.Fatalf("err = %v, want not found when the view was not applied", err)
	}
}

func TestKeyLockSerializesAndReleases(t *testing.T) {
	k := newKeyLock()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max holders = %d, want 1", maxInside)
	}
	if k.size() != 0 {
		t.Fatalf("lock table size = %d after release, want 0", k.size())
	}
	a := k.Lock("a")
	b := k.Lock("b")
	a()
	b()
}

func TestReaperRunOnce(t *testing.T) {
	f := newFixture(t, false, 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.store.Create(ctx, &domain.PasteRecord{
			ID:         fmt.Sprintf("expired%015d", i),
			Ciphertext: []byte("x"),
			IV:         bytes.Repeat([]byte{1}, 12),
			ExpireAt:   time.Now().Add(-time.Minute),
			CreatedAt:  time.Now(),
		}, "t")
	}
	r := NewReaper(f.store, time.Hour)
	if n := r.RunOnce(ctx); n != 3 {
		t.Fatalf("reaped %d, want 3", n)
	}
	r.Start()
	r.Stop()
	r.Stop()
}

func TestViewLimitConcurrentReads(t *testing.T) {
	const k, n = 5, 30
	f := newFixture(t, false, 10)
	resp := f.create(t, reqOpts{viewLimit: intPtr(k)})
	var (
		mu        sync.Mutex
		remaining = map[int]int{}
		seen      int32
		missing   int32
		wg        sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.r.Read(context.Background(), resp.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&seen, 1)
				mu.Lock()
				remaining[*v.ViewsRemaining]++
				mu.Unlock()
			case err == domain.ErrPasteNotFound:
				atomic.AddInt32(&missing, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if seen != k || missing != n-k {
		t.Fatalf("seen=%d missing=%d, want %d/%d", seen, missing, k, n-k)
	}
	for want := 0; want < k; want++ {
		if remaining[want] != 1 {
			t.Errorf("viewsRemaining=%d reported %d times, want once (all: %v)", want, remaining[want], remaining)
		}
	}
}

func countRows(t *testing.T, f *fixture) int {
	t.Helper()
	var n int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM pastes").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestReadRacesTokenDelete(t *testing.T) {
	tests := []struct {
		name     string
		opts     reqOpts
		lastView bool
	}{
		{"single view", reqOpts{singleView: true}, true},
		{"view limit one", reqOpts{viewLimit: intPtr(1)}, true},
		{"view limit three", reqOpts{viewLimit: intPtr(3)}, false},
		{"unlimited", reqOpts{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false, 100)
			for round := 0; round < 10; round++ {
				resp := f.create(t, tt.opts)
				var readOK, deleteOK int32
				var wg sync.WaitGroup
				start := make(chan struct{})
				wg.Add(2)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.r.Read(context.Background(), resp.ID)
					switch err {
					case nil:
						atomic.AddInt32(&readOK, 1)
					case domain.ErrPasteNotFound:
					default:
						t.Errorf("read: %v", err)
					}
				}()
				go func() {
					defer wg.Done()
					<-start
					err := f.r.Delete(context.Background(), resp.ID, resp.DeletionToken)
					switch err {
					case nil:
						atomic.AddInt32(&deleteOK, 1)
					case domain.ErrForbidden:
					default:
						t.Errorf("delete: %v", err)
					}
				}()
				close(start)
				wg.Wait()

				if tt.lastView {
					// exactly one of the two destroyed the record
					if readOK+deleteOK != 1 {
						t.Fatalf("round %d: read=%d delete=%d, want exactly one winner", round, readOK, deleteOK)
					}
				} else if deleteOK != 1 {
					t.Fatalf("round %d: delete with a valid token failed", round)
				}
				if _, err := f.r.Read(context.Background(), resp.ID); err != domain.ErrPasteNotFound {
					t.Fatalf("round %d: record still readable: %v", round, err)
				}
				if n := countRows(t, f); n != 0 {
					t.Fatalf("round %d: %d rows left", round, n)
				}
			}
		})
	}
}
