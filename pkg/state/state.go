// Package state generates the opaque values used as OAuth state parameters
// and session identifiers.
package state

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"

	"golang.org/x/exp/errors/fmt"
)

// Size is the number of random bytes in a generated value.
const Size = 32

var Reader io.Reader = rand.Reader

func New() (string, error) {
	b := make([]byte, Size)
	if _, err := io.ReadFull(Reader, b); err != nil {
		return "", fmt.Errorf("state: error reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func MustNew() string {
	s, err := New()
	if err != nil {
		// this should be unreachable
		panic(err)
	}
	return s
}

// Equal compares in constant time. An empty value never matches.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
