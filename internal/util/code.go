package util

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength   = 6
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NewGroupCode returns a random group code drawn uniformly from CodeAlphabet.
func NewGroupCode() (string, error) {
	size := big.NewInt(int64(len(CodeAlphabet)))
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}
