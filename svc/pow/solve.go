package pow

import (
	"context"
	"crypto/sha256"
	"math/bits"
	"strconv"
)

// Digest is SHA-256 over token ":" decimal(nonce).
func Digest(token string, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(token)+21)
	buf = append(buf, token...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, nonce, 10)
	return sha256.Sum256(buf)
}

func LeadingZeroBits(sum []byte) int {
	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// Solve searches nonces from 0 upward until one meets difficulty. It checks ctx
// every 4096 attempts.
func Solve(ctx context.Context, token string, difficulty int) (uint64, error) {
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		sum := Digest(token, nonce)
		if LeadingZeroBits(sum[:]) >= difficulty {
			return nonce, nil
		}
	}
}
