package flow

import (
	"github.com/diyartec/oauthrelay/pkg/rp"
	"golang.org/x/oauth2"
)

func testToken(sub, email string) *rp.Token {
	return &rp.Token{
		Token:  &oauth2.Token{AccessToken: "at", TokenType: "Bearer"},
		UserID: sub,
		Email:  email,
	}
}
