package confirmcode

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// Length of every confirmation code.
const Length = 6

var upperBound = big.NewInt(1_000_000)

// Generator issues the shared secret a buyer uses to release escrowed funds.
type Generator interface {
	Generate() (string, error)
}

// CryptoGenerator draws codes uniformly from crypto/rand.
type CryptoGenerator struct{}

func (CryptoGenerator) Generate() (string, error) {
	return Generate()
}

// Generate returns a zero-padded 6-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, upperBound)
	if err != nil {
		return "", fmt.Errorf("entropy source unavailable: %w", err)
	}
	return fmt.Sprintf("%0*d", Length, n.Int64()), nil
}

// Equal compares a submitted code with the stored one in constant time.
func Equal(stored, submitted string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}

// IsWellFormed reports whether s looks like a code (numeric, right length).
func IsWellFormed(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
