package oauthrelay

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowError(t *testing.T) {
	e := InvalidState("state mismatch")
	require.Equal(t, "state mismatch", e.Error())
	require.Equal(t, http.StatusBadRequest, e.Status)

	e2 := &FlowError{Code: "code"}
	require.Equal(t, "oauthrelay error: code", e2.Error())

	b, err := json.Marshal(TokenExchangeFailed("upstream said no"))
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"token_exchange_failed","error_description":"upstream said no"}`, string(b))
}

func TestRedirectURI(t *testing.T) {
	require.Equal(t, "https://front.example/?connected=google", RedirectURI("https://front.example/", map[string]string{"connected": "google"}))
	require.Equal(t, "https://front.example/app?connected=google&tab=cal", RedirectURI("https://front.example/app?tab=cal", map[string]string{"connected": "google"}))
	require.Empty(t, RedirectURI("://invalid", nil))
}

func TestProfile(t *testing.T) {
	p := ProfileError("userinfo_failed: timeout")
	require.Equal(t, "userinfo_failed: timeout", p.Err())

	p = Profile{"id": "123", "email": "a@example.com", "verified_email": true}
	require.Empty(t, p.Err())
	require.Equal(t, "123", p.String("id"))
	require.Empty(t, p.String("verified_email"))
}

func TestTokenBundleJSON(t *testing.T) {
	b, err := json.Marshal(&TokenBundle{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3599})
	require.NoError(t, err)
	require.JSONEq(t, `{"access_token":"at","token_type":"Bearer","expires_in":3599}`, string(b))
}
