package util

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"regexp"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLen       = 22
	tokenBytes  = 32
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z]{22}$`)

// GenID returns a 22 character base62 paste id (128 bits of entropy).
func GenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return toBase62(new(big.Int).SetBytes(buf), idLen), nil
}

// ValidID reports whether s has the shape GenID produces.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// GenToken returns 256 random bits, base64url without padding. Used for deletion
// capabilities and proof-of-work challenge tokens.
func GenToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	defer Wipe(buf)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func toBase62(num *big.Int, width int) string {
	base := big.NewInt(62)
	zero := big.NewInt(0)
	result := make([]byte, 0, width)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < width {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
