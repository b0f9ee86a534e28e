package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diyartec/oauthrelay/pkg/rp"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestService(tokenURL, userinfoURL string) *service {
	return New(Config{
		ClientID:        "client1",
		ClientSecret:    "clientSecret",
		RedirectURL:     "https://relay.example.com/api/auth/google/callback",
		Scopes:          []string{"https://www.googleapis.com/auth/calendar"},
		TokenURL:        tokenURL,
		UserinfoURL:     userinfoURL,
		TokenTimeout:    time.Second,
		UserinfoTimeout: time.Second,
		Transport:       http.DefaultTransport,
	}).(*service)
}

func TestAuthCodeURL(t *testing.T) {
	s := newTestService("", "")
	u, err := url.Parse(s.AuthCodeURL("state123"))
	require.NoError(t, err)

	require.Equal(t, "accounts.google.com", u.Host)
	require.Equal(t, "/o/oauth2/v2/auth", u.Path)
	q := u.Query()
	for k, v := range map[string]string{
		"client_id":              "client1",
		"redirect_uri":           "https://relay.example.com/api/auth/google/callback",
		"response_type":          "code",
		"scope":                  "https://www.googleapis.com/auth/calendar",
		"access_type":            "offline",
		"prompt":                 "consent",
		"include_granted_scopes": "true",
		"state":                  "state123",
	} {
		require.Equal(t, v, q.Get(k), k)
	}
}

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-google"))
	require.NoError(t, err)
	return s
}

func TestExchange(t *testing.T) {
	idToken := signedIDToken(t, jwt.MapClaims{
		"sub":     "1234",
		"email":   "user@example.com",
		"name":    "User",
		"picture": "https://example.com/p.png",
	})
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "the-code", r.PostForm.Get("code"))
		require.Equal(t, "client1", r.PostForm.Get("client_id"))
		require.Equal(t, "clientSecret", r.PostForm.Get("client_secret"))
		require.Equal(t, "https://relay.example.com/api/auth/google/callback", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at",
			"token_type":    "Bearer",
			"expires_in":    3599,
			"refresh_token": "rt",
			"scope":         "https://www.googleapis.com/auth/calendar",
			"id_token":      idToken,
		})
	}))
	defer srv.Close()

	tok, err := newTestService(srv.URL, "").Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, "1234", tok.UserID)
	require.Equal(t, "user@example.com", tok.Email)
	require.Equal(t, "User", tok.Name)

	b := tok.Bundle()
	require.Equal(t, "at", b.AccessToken)
	require.Equal(t, "Bearer", b.TokenType)
	require.InDelta(t, 3599, b.ExpiresIn, 2)
	require.Equal(t, "rt", b.RefreshToken)
	require.Equal(t, "https://www.googleapis.com/auth/calendar", b.Scope)
	require.Equal(t, idToken, b.IDToken)
}

func TestExchangeMalformedIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":60,"id_token":"garbage"}`))
	}))
	defer srv.Close()

	tok, err := newTestService(srv.URL, "").Exchange(context.Background(), "code")
	require.NoError(t, err)
	require.Empty(t, tok.UserID)
	require.Equal(t, "garbage", tok.Bundle().IDToken)
	require.Empty(t, tok.Bundle().RefreshToken)
}

func TestExchangeErrors(t *testing.T) {
	for _, tc := range []struct {
		Desc    string
		Handler http.HandlerFunc
		Status  int
		Body    string
	}{
		{
			Desc: "invalid grant",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
			},
			Status: http.StatusBadRequest,
			Body:   "invalid_grant",
		},
		{
			Desc: "server error with long body",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(strings.Repeat("x", 2000)))
			},
			Status: http.StatusInternalServerError,
			Body:   strings.Repeat("x", 512),
		},
		{
			Desc: "malformed json",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"access_token":`))
			},
		},
		{
			Desc: "missing access token",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"token_type":"Bearer"}`))
			},
		},
		{
			Desc: "timeout",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(3 * time.Second):
				}
			},
		},
	} {
		t.Run(tc.Desc, func(t *testing.T) {
			srv := httptest.NewServer(tc.Handler)
			defer srv.Close()

			_, err := newTestService(srv.URL, "").Exchange(context.Background(), "code")
			require.Error(t, err)
			var ee *rp.ExchangeError
			require.True(t, errors.As(err, &ee))
			require.Equal(t, tc.Status, ee.Status)
			if tc.Body != "" {
				require.Contains(t, ee.Body, tc.Body)
				require.LessOrEqual(t, len(ee.Body), 512)
			}
		})
	}
}

func TestProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1234","email":"user@example.com","verified_email":true,"locale":"en"}`))
	}))
	defer srv.Close()

	p, err := newTestService("", srv.URL).Profile(context.Background(), "at")
	require.NoError(t, err)
	require.Equal(t, "1234", p.String("id"))
	require.Equal(t, true, p["verified_email"])
	require.Equal(t, "en", p["locale"])
	require.Empty(t, p.Err())
}

func TestProfileErrors(t *testing.T) {
	for _, tc := range []struct {
		Desc    string
		Handler http.HandlerFunc
	}{
		{
			Desc: "unauthorized",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			Desc: "malformed json",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>"))
			},
		},
		{
			Desc: "timeout",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(3 * time.Second):
				}
			},
		},
	} {
		t.Run(tc.Desc, func(t *testing.T) {
			srv := httptest.NewServer(tc.Handler)
			defer srv.Close()

			_, err := newTestService("", srv.URL).Profile(context.Background(), "at")
			require.Error(t, err)
		})
	}
}
