package svc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"vanish/cfg"
	"vanish/metrics"
	"vanish/pkg/domain"
	"vanish/svc/util"
)

const (
	maxCreateAttempts = 3
	bodyOverhead      = 4096
)

// Limits bounds what a create request may carry.
type Limits struct {
	MaxCiphertextBytes int
	MinIVBytes         int
	MaxIVBytes         int
	MinExpiry          time.Duration
	MaxExpiry          time.Duration
	MaxViewLimit       int
}

func LimitsFromCfg(c *cfg.Cfg) Limits {
	return Limits{
		MaxCiphertextBytes: c.MaxCiphertextBytes,
		MinIVBytes:         c.MinIVBytes,
		MaxIVBytes:         c.MaxIVBytes,
		MinExpiry:          c.MinExpiry,
		MaxExpiry:          c.MaxExpiry,
		MaxViewLimit:       c.MaxViewLimit,
	}
}

// maxBodyBytes is the largest request body that could still hold a valid
// ciphertext once base64 decoded.
func (l Limits) maxBodyBytes() int64 {
	return int64(base64.StdEncoding.EncodedLen(l.MaxCiphertextBytes)+base64.StdEncoding.EncodedLen(l.MaxIVBytes)) + bodyOverhead
}

// Ingestor runs the create path. Checks run in a fixed order and stop at the
// first failure: rate limit, body structure, proof of work, sizes, expiry,
// view limit.
type Ingestor struct {
	store   RecordStore
	limiter RateLimiter
	gate    ChallengeGate
	limits  Limits
	now     func() time.Time
}

func NewIngestor(store RecordStore, limiter RateLimiter, gate ChallengeGate, limits Limits) *Ingestor {
	if store == nil || limiter == nil || gate == nil {
		panic("ingestor: nil dependency (store, limiter, or gate)")
	}
	return &Ingestor{
		store:   store,
		limiter: limiter,
		gate:    gate,
		limits:  limits,
		now:     time.Now,
	}
}

type createInput struct {
	ciphertext []byte
	iv         []byte
	expireAt   time.Time
	viewLimit  *int
	singleView bool
	pow        *domain.PowSolution
}

// Create validates body and stores a new record for clientKey. The raw
// deletion token in the response is never retrievable again.
func (in *Ingestor) Create(ctx context.Context, clientKey string, body io.Reader) (*domain.CreateResp, error) {
	if !in.limiter.Allow(ctx, clientKey) {
		return nil, in.reject(domain.ErrRateLimited)
	}
	req, err := in.decode(body)
	if err != nil {
		return nil, in.reject(err)
	}
	if err := in.checkChallenge(ctx, req.pow); err != nil {
		return nil, err
	}
	if err := in.checkSizes(req); err != nil {
		return nil, in.reject(err)
	}
	now := in.now()
	if req.expireAt.Before(now.Add(in.limits.MinExpiry)) {
		return nil, in.reject(domain.ErrExpiryTooSoon)
	}
	if maxAt := now.Add(in.limits.MaxExpiry); req.expireAt.After(maxAt) {
		req.expireAt = maxAt.Truncate(time.Second)
	}
	if req.viewLimit != nil && (*req.viewLimit < 1 || *req.viewLimit > in.limits.MaxViewLimit) {
		return nil, in.reject(domain.ErrViewLimitInvalid)
	}
	return in.persist(ctx, req, now)
}

func (in *Ingestor) reject(err error) error {
	var e *domain.Err
	if errors.As(err, &e) {
		metrics.IngestRejected.WithLabelValues(e.Code).Inc()
	}
	return err
}

func (in *Ingestor) decode(body io.Reader) (*createInput, error) {
	limit := in.limits.maxBodyBytes()
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, domain.ErrInvalidJSON
	}
	if int64(len(raw)) > limit {
		return nil, domain.ErrSizeInvalid
	}
	var req domain.CreateReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.ErrInvalidJSON
	}
	if req.Ciphertext == "" || req.IV == "" || req.ExpireAt == nil {
		return nil, domain.ErrInvalidJSON
	}
	ct, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		return nil, domain.ErrInvalidJSON
	}
	iv, err := base64.StdEncoding.DecodeString(req.IV)
	if err != nil {
		return nil, domain.ErrInvalidJSON
	}
	return &createInput{
		ciphertext: ct,
		iv:         iv,
		expireAt:   time.Unix(*req.ExpireAt, 0),
		viewLimit:  req.ViewLimit,
		singleView: req.SingleView,
		pow:        req.PowSolution,
	}, nil
}

func (in *Ingestor) checkChallenge(ctx context.Context, sol *domain.PowSolution) error {
	if !in.gate.Enabled() {
		return nil
	}
	if sol == nil || sol.Token == "" {
		return in.reject(domain.ErrPowRequired)
	}
	ok, err := in.gate.Verify(ctx, sol.Token, sol.Nonce)
	if err != nil {
		return errors.Wrap(err, "verify challenge")
	}
	if !ok {
		return in.reject(domain.ErrPowInvalid)
	}
	return nil
}

func (in *Ingestor) checkSizes(req *createInput) error {
	if len(req.ciphertext) == 0 || len(req.ciphertext) > in.limits.MaxCiphertextBytes {
		return domain.ErrSizeInvalid
	}
	if len(req.iv) < in.limits.MinIVBytes || len(req.iv) > in.limits.MaxIVBytes {
		return domain.ErrSizeInvalid
	}
	return nil
}

// persist generates the id and deletion token and stores the record, retrying
// with a fresh id on collision.
func (in *Ingestor) persist(ctx context.Context, req *createInput, now time.Time) (*domain.CreateResp, error) {
	token, err := util.GenToken()
	if err != nil {
		return nil, errors.Wrap(err, "gen deletion token")
	}
	for attempt := 1; ; attempt++ {
		id, err := util.GenID()
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		rec := &domain.PasteRecord{
			ID:         id,
			Ciphertext: req.ciphertext,
			IV:         req.iv,
			ExpireAt:   req.expireAt,
			ViewLimit:  req.viewLimit,
			SingleView: req.singleView,
			CreatedAt:  now,
		}
		err = in.store.Create(ctx, rec, token)
		if err == nil {
			metrics.PasteCreated.Inc()
			util.Debug().Str("id", id).Time("expire_at", rec.ExpireAt).Msg("paste created")
			return &domain.CreateResp{ID: id, DeletionToken: token}, nil
		}
		if !errors.Is(err, domain.ErrDuplicateID) || attempt >= maxCreateAttempts {
			return nil, errors.Wrap(err, "create paste")
		}
		util.Warn().Int("attempt", attempt).Msg("paste id collision, retrying")
	}
}
