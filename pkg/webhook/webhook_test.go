package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/stretchr/testify/require"
)

func testPayload() *oauthrelay.RelayPayload {
	return &oauthrelay.RelayPayload{
		Provider: oauthrelay.ProviderGoogle,
		Profile:  oauthrelay.Profile{"id": "1234", "email": "user@example.com"},
		Tokens: &oauthrelay.TokenBundle{
			AccessToken: "at",
			TokenType:   "Bearer",
			ExpiresIn:   3599,
		},
	}
}

func TestSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "oauthrelay/abc123", r.Header.Get("User-Agent"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &got))
		w.Write([]byte("ignored"))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "abc123", time.Second, nil).Send(context.Background(), testPayload()))
	require.Equal(t, "google", got["provider"])
	require.Equal(t, map[string]interface{}{"id": "1234", "email": "user@example.com"}, got["profile"])
	require.Equal(t, map[string]interface{}{
		"access_token": "at",
		"token_type":   "Bearer",
		"expires_in":   float64(3599),
	}, got["tokens"])
}

func TestSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("e", 1000)))
	}))
	defer srv.Close()

	err := New(srv.URL, "", time.Second, nil).Send(context.Background(), testPayload())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusInternalServerError, se.Status)
	require.Len(t, se.Body, 512)
	require.Contains(t, err.Error(), "500")
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	err := New(srv.URL, "", 50*time.Millisecond, nil).Send(context.Background(), testPayload())
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestUserAgentWithoutRevision(t *testing.T) {
	require.Equal(t, "oauthrelay", New("http://localhost", "", 0, nil).userAgent)
}
