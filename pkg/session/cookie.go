package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

const CookieName = "oauthrelay_sid"

var (
	ErrEmptyKey         = errors.New("session: empty key")
	ErrInvalidSignature = errors.New("session: invalid cookie signature")
)

// Cookies signs session ids into browser cookies with HMAC-SHA256 so that a
// client cannot choose its own session id.
type Cookies struct {
	Key      []byte
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

func (c *Cookies) mac(data []byte) []byte {
	h := hmac.New(sha256.New, c.Key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign encodes id as base64url(id).base64url(mac).
func (c *Cookies) Sign(id string) (string, error) {
	if len(c.Key) == 0 {
		return "", ErrEmptyKey
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + "." +
		base64.RawURLEncoding.EncodeToString(c.mac([]byte(id))), nil
}

func (c *Cookies) Verify(value string) (string, error) {
	if len(c.Key) == 0 {
		return "", ErrEmptyKey
	}
	data, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", ErrInvalidSignature
	}
	id, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil || len(id) == 0 {
		return "", ErrInvalidSignature
	}
	mac, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(mac, c.mac(id)) {
		return "", ErrInvalidSignature
	}
	return string(id), nil
}

// Read returns the verified session id carried by r, or an empty string.
func (c *Cookies) Read(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	id, err := c.Verify(cookie.Value)
	if err != nil {
		return ""
	}
	return id
}

// Ensure returns the session id of r, issuing a new signed cookie on w if r
// does not carry a valid one.
func (c *Cookies) Ensure(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := c.Read(r); id != "" {
		return id, nil
	}
	id := NewID()
	if err := c.Write(w, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Cookies) Write(w http.ResponseWriter, id string) error {
	value, err := c.Sign(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: c.SameSite,
	})
	return nil
}

func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: c.SameSite,
	})
}
