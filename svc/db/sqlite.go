package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"vanish/metrics"
	"vanish/pkg/domain"
)

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
	cleanupBatchSize   = 100
)

const (
	defaultMaxOpenConns = 16
	defaultQueryTimeout = 5 * time.Second
)

// TokenDigester computes and checks the peppered digest stored in place of a
// raw deletion token.
type TokenDigester interface {
	Digest(token string) (string, error)
	Equal(token, encoded string) bool
	Dummy(token string)
}

// Sealer wraps ciphertext at rest. Open(Seal(x)) must return x byte for byte.
type Sealer interface {
	Seal(ctx context.Context, id string, plaintext []byte) (sealed, wrappedDEK []byte, err error)
	Open(ctx context.Context, id string, sealed, wrappedDEK []byte) ([]byte, error)
}

type Options struct {
	MaxOpenConns int
	QueryTimeout time.Duration
	// Sealer is optional; without it ciphertext is stored as submitted.
	Sealer Sealer
}

// SQLite is the paste RecordStore. Every mutation is a single conditional
// statement (or an immediate transaction) so concurrent views and deletes of
// one id cannot both observe the last permitted view.
type SQLite struct {
	db            *sql.DB
	digester      TokenDigester
	sealer        Sealer
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	now           func() time.Time
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string, digester TokenDigester, opt Options) (*SQLite, error) {
	if digester == nil {
		return nil, errors.New("sqlite: nil token digester")
	}
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = defaultMaxOpenConns
	}
	if opt.QueryTimeout <= 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		digester:     digester,
		sealer:       opt.Sealer,
		queryTimeout: opt.QueryTimeout,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn applies per-connection pragmas. _txlock=immediate takes the write lock
// at BEGIN so two transactions never both read a row they then delete.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate"
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return domain.ErrStorageUnavailable
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		if atomic.SwapInt32(&s.circuitState, circuitClosed) != circuitClosed {
			metrics.CircuitOpen.Set(0)
		}
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		s.openCircuit()
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		s.openCircuit()
	}
}

func (s *SQLite) openCircuit() {
	atomic.StoreInt32(&s.circuitState, circuitOpen)
	atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	metrics.CircuitOpen.Set(1)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		wrapped_dek BLOB,
		expire_at INTEGER NOT NULL,
		view_limit INTEGER,
		views_used INTEGER NOT NULL DEFAULT 0,
		single_view INTEGER NOT NULL DEFAULT 0,
		deletion_token_digest TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expire_at ON pastes(expire_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// availableClause matches rows that are unexpired and still have view budget.
const availableClause = `expire_at > ? AND (view_limit IS NULL OR views_used < view_limit)`

func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// Create inserts rec with views_used = 0. Only the digest of rawDeletionToken
// is persisted. A colliding id yields domain.ErrDuplicateID and no row.
func (s *SQLite) Create(ctx context.Context, rec *domain.PasteRecord, rawDeletionToken string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	digest, err := s.digester.Digest(rawDeletionToken)
	if err != nil {
		return errors.Wrap(err, "digest deletion token")
	}
	body := rec.Ciphertext
	var wrapped []byte
	if s.sealer != nil {
		body, wrapped, err = s.sealer.Seal(ctx, rec.ID, rec.Ciphertext)
		if err != nil {
			return errors.Wrap(err, "seal ciphertext")
		}
		metrics.SealOps.WithLabelValues("seal").Inc()
	}
	var viewLimit sql.NullInt64
	if rec.ViewLimit != nil {
		viewLimit = sql.NullInt64{Int64: int64(*rec.ViewLimit), Valid: true}
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, ciphertext, iv, wrapped_dek, expire_at, view_limit, views_used, single_view, deletion_token_digest, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		rec.ID, body, rec.IV, wrapped, rec.ExpireAt.Unix(), viewLimit, rec.SingleView, digest, rec.CreatedAt.UnixMilli(),
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateID
	}
	if err != nil {
		return errors.Wrap(err, "db create")
	}
	rec.ViewsUsed = 0
	rec.DeletionTokenDigest = digest
	return nil
}

// FetchIfAvailable returns the record only while it is unexpired and has view
// budget left. Anything else is domain.ErrPasteNotFound.
func (s *SQLite) FetchIfAvailable(ctx context.Context, id string) (*domain.PasteRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, ciphertext, iv, wrapped_dek, expire_at, view_limit, views_used, single_view, deletion_token_digest, created_at
	FROM pastes WHERE id = ? AND ` + availableClause
	var (
		p         domain.PasteRecord
		wrapped   []byte
		expireAt  int64
		createdAt int64
		viewLimit sql.NullInt64
	)
	err := s.db.QueryRowContext(queryCtx, q, id, s.now().Unix()).Scan(
		&p.ID, &p.Ciphertext, &p.IV, &wrapped, &expireAt, &viewLimit, &p.ViewsUsed, &p.SingleView, &p.DeletionTokenDigest, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db fetch")
	}
	p.ExpireAt = time.Unix(expireAt, 0)
	p.CreatedAt = time.UnixMilli(createdAt)
	if viewLimit.Valid {
		v := int(viewLimit.Int64)
		p.ViewLimit = &v
	}
	if len(wrapped) > 0 {
		if s.sealer == nil {
			return nil, errors.New("record is sealed but no sealer is configured")
		}
		p.Ciphertext, err = s.sealer.Open(ctx, p.ID, p.Ciphertext, wrapped)
		if err != nil {
			return nil, errors.Wrap(err, "open sealed ciphertext")
		}
		metrics.SealOps.WithLabelValues("open").Inc()
	}
	return &p, nil
}

// RecordView increments views_used only while the record is still available,
// so the counter never passes view_limit. It reports whether a row changed.
func (s *SQLite) RecordView(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET views_used = views_used + 1 WHERE id = ? AND ` + availableClause
	res, err := s.db.ExecContext(queryCtx, q, id, s.now().Unix())
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "record view")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "record view rows")
	}
	return n == 1, nil
}

// Delete removes id unconditionally and reports whether a row existed.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete paste rows")
	}
	return n == 1, nil
}

// DeleteIfTokenMatches deletes an available record whose stored digest matches
// rawToken. A missing record, an unavailable one and a wrong token all return
// false after the same amount of work.
func (s *SQLite) DeleteIfTokenMatches(ctx context.Context, id, rawToken string) (bool, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "begin delete tx")
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(queryCtx,
		`SELECT deletion_token_digest FROM pastes WHERE id = ? AND `+availableClause,
		id, s.now().Unix(),
	).Scan(&stored)
	if err == sql.ErrNoRows {
		s.digester.Dummy(rawToken)
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "load deletion digest")
	}
	if !s.digester.Equal(rawToken, stored) {
		return false, nil
	}
	res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "commit delete")
	}
	return true, nil
}

// CleanupExpired physically removes expired and exhausted rows in batches.
// Those rows are already invisible to reads.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	for {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expire_at <= ? OR (view_limit IS NOT NULL AND views_used >= view_limit)
				LIMIT ?
			)
		`, s.now().Unix(), cleanupBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatchSize {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
