package rp

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"golang.org/x/oauth2"
)

// AuthService is an OAuth2 authorization-code provider.
type AuthService interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Token, error)
	Profile(ctx context.Context, accessToken string) (oauthrelay.Profile, error)
}

type Token struct {
	*oauth2.Token

	IDToken string
	Scope   string

	// From the id_token claims, unverified
	UserID  string
	Email   string
	Name    string
	Picture string
}

// Bundle converts t into the token set forwarded downstream.
func (t *Token) Bundle() *oauthrelay.TokenBundle {
	expiresIn := t.ExpiresIn
	if expiresIn == 0 && !t.Expiry.IsZero() {
		expiresIn = int64(time.Until(t.Expiry).Round(time.Second).Seconds())
	}
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &oauthrelay.TokenBundle{
		AccessToken:  t.AccessToken,
		TokenType:    t.Type(),
		ExpiresIn:    expiresIn,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
		IDToken:      t.IDToken,
	}
}

// ExchangeError is returned when the provider rejects or fails a code
// exchange.
type ExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return "rp: token endpoint returned " + strconv.Itoa(e.Status) + ": " + e.Body
	}
	if e.Err == nil {
		return "rp: token exchange failed"
	}
	return "rp: token exchange failed: " + e.Err.Error()
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
