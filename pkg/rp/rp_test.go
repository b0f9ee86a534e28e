package rp

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		Desc string
		In   string
		N    int
		Want string
	}{
		{Desc: "short", In: "invalid_grant", N: 20, Want: "invalid_grant"},
		{Desc: "ascii", In: "invalid_grant", N: 7, Want: "invalid"},
		{Desc: "rune boundary", In: "abcé", N: 5, Want: "abcé"},
		{Desc: "inside two byte rune", In: "abcédef", N: 4, Want: "abc"},
		{Desc: "inside four byte rune", In: "ab😀cd", N: 5, Want: "ab"},
		{Desc: "zero", In: "é", N: 0, Want: ""},
	}

	for _, test := range tests {
		t.Run(test.Desc, func(t *testing.T) {
			got := Truncate(test.In, test.N)
			require.Equal(t, test.Want, got)
			require.True(t, utf8.ValidString(got))
			require.LessOrEqual(t, len(got), test.N)
		})
	}
}
