package gateway

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const referencePrefix = "esc_"

// NewReference returns a fresh, time-ordered payment reference. Each
// initialize call needs its own since the gateway rejects reused references.
func NewReference(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return referencePrefix + strings.ToLower(id.String()), nil
}

// IsReference reports whether s looks like a reference minted by NewReference.
func IsReference(s string) bool {
	if !strings.HasPrefix(s, referencePrefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(s, referencePrefix)))
	return err == nil
}
