package domain

import "time"

type Challenge struct {
	Token      string    `json:"token"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"-"`
}

// Expired reports whether the challenge can no longer be solved at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type ChallengeResp struct {
	Required   bool   `json:"required"`
	Token      string `json:"token,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}
