package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("not_found", "paste not found", http.StatusNotFound)
	ErrForbidden          = NewErr("forbidden", "invalid deletion token", http.StatusForbidden)
	ErrRateLimited        = NewErr("rate_limited", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInvalidJSON        = NewErr("invalid_json", "malformed request body", http.StatusBadRequest)
	ErrPowRequired        = NewErr("pow_required", "proof of work required", http.StatusBadRequest)
	ErrPowInvalid         = NewErr("pow_invalid", "proof of work invalid", http.StatusBadRequest)
	ErrSizeInvalid        = NewErr("size_invalid", "ciphertext or iv size out of bounds", http.StatusBadRequest)
	ErrExpiryTooSoon      = NewErr("expiry_too_soon", "expiry too close to now", http.StatusBadRequest)
	ErrViewLimitInvalid   = NewErr("view_limit_invalid", "view limit out of bounds", http.StatusBadRequest)
	ErrStorageUnavailable = NewErr("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("internal_error", "internal error", http.StatusInternalServerError)
)

// ErrChallengeDisabled is returned by the challenge gate when proof of work is off.
// It is not a rejection.
var ErrChallengeDisabled = errors.New("proof of work disabled")

// ErrDuplicateID signals an id collision on insert; callers may retry with a new id.
var ErrDuplicateID = errors.New("paste id already exists")

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToResp maps err to its wire shape. Anything that is not a *Err is reported as internal_error.
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: e.Code, Message: e.Msg}
	}
	return ErrResp{Error: ErrInternalServer.Code, Message: ErrInternalServer.Msg}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
