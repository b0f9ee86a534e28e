package state

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var urlSafe = regexp.MustCompile(`\A[A-Za-z0-9_-]+\z`)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s, err := New()
		require.NoError(t, err)
		require.Regexp(t, urlSafe, s)

		raw, err := base64.RawURLEncoding.DecodeString(s)
		require.NoError(t, err)
		require.Len(t, raw, Size)

		require.False(t, seen[s], "duplicate state %s", s)
		seen[s] = true
	}
}

func TestNewShortRead(t *testing.T) {
	orig := Reader
	defer func() { Reader = orig }()
	Reader = bytes.NewReader([]byte{1, 2, 3})

	_, err := New()
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	s := MustNew()
	require.True(t, Equal(s, s))
	require.False(t, Equal(s, MustNew()))
	require.False(t, Equal("", ""))
	require.False(t, Equal(s, ""))
	require.False(t, Equal("", s))
	require.False(t, Equal(s, s[:len(s)-1]))
}
