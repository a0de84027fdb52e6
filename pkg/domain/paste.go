package domain

import (
	"time"
)

// PasteRecord is a stored secret container. Ciphertext and IV are opaque to the server.
type PasteRecord struct {
	ID                  string
	Ciphertext          []byte
	IV                  []byte
	ExpireAt            time.Time
	ViewLimit           *int
	ViewsUsed           int
	SingleView          bool
	DeletionTokenDigest string
	CreatedAt           time.Time
}

// Available reports whether the record may still be read at now.
func (p *PasteRecord) Available(now time.Time) bool {
	if !now.Before(p.ExpireAt) {
		return false
	}
	if p.ViewLimit != nil && p.ViewsUsed >= *p.ViewLimit {
		return false
	}
	return true
}

// RemainingAfterView is the number of views still permitted once the view being
// granted now is counted. Nil means unlimited.
func (p *PasteRecord) RemainingAfterView() *int {
	if p.SingleView {
		zero := 0
		return &zero
	}
	if p.ViewLimit == nil {
		return nil
	}
	left := *p.ViewLimit - p.ViewsUsed - 1
	if left < 0 {
		left = 0
	}
	return &left
}

// DecideDestructionAfterView is true when the view about to be granted is the last one.
func DecideDestructionAfterView(p *PasteRecord) bool {
	if p.SingleView {
		return true
	}
	return p.ViewLimit != nil && p.ViewsUsed+1 >= *p.ViewLimit
}

type CreateReq struct {
	Ciphertext  string       `json:"ciphertext"`
	IV          string       `json:"iv"`
	ExpireAt    *int64       `json:"expireAt"`
	ViewLimit   *int         `json:"viewLimit,omitempty"`
	SingleView  bool         `json:"singleView,omitempty"`
	PowSolution *PowSolution `json:"powSolution,omitempty"`
}

type PowSolution struct {
	Token string `json:"token"`
	Nonce uint64 `json:"nonce"`
}

type CreateResp struct {
	ID            string `json:"id"`
	DeletionToken string `json:"deletionToken"`
}

// PasteView is what a reader receives. Byte fields are base64 (std) encoded by encoding/json.
type PasteView struct {
	Ciphertext     []byte `json:"ciphertext"`
	IV             []byte `json:"iv"`
	ExpireAt       int64  `json:"expireAt"`
	ViewLimit      *int   `json:"viewLimit"`
	SingleView     bool   `json:"singleView"`
	ViewsRemaining *int   `json:"viewsRemaining"`
}
