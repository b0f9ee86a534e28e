package oauthrelay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrNotFound = errors.New("oauthrelay: resource not found")
	ErrExpired  = errors.New("oauthrelay: resource has expired")

	ErrStateMismatch = errors.New("oauthrelay: state does not match pending state")
	ErrStateExpired  = errors.New("oauthrelay: pending state has expired")
)

const ProviderGoogle = "google"

// TokenBundle is the provider's token response for one authorization code. It
// is held only for the duration of a callback request.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Profile holds the provider-defined userinfo fields verbatim, or a single
// "error" key when retrieval failed.
type Profile map[string]interface{}

func ProfileError(reason string) Profile {
	return Profile{"error": reason}
}

func (p Profile) Err() string {
	s, _ := p["error"].(string)
	return s
}

func (p Profile) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// RelayPayload is posted verbatim to the downstream webhook.
type RelayPayload struct {
	Provider string       `json:"provider"`
	Profile  Profile      `json:"profile"`
	Tokens   *TokenBundle `json:"tokens"`
}

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Picture     string    `json:"picture,omitempty"`
	ConnectTime time.Time `json:"connect_time"`
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// AddUser inserts the user if no user with the same ID exists and reports
	// whether it was inserted.
	AddUser(ctx context.Context, user *User) (bool, error)
}

type Session struct {
	OAuthState  string    `json:"oauth_state,omitempty"`
	StateExpiry time.Time `json:"state_expiry,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	CreateTime  time.Time `json:"create_time"`
}

type SessionStore interface {
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, id string, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	SetState(ctx context.Context, id, state string, expiry time.Time) error
	ConsumeState(ctx context.Context, id, state string, now time.Time) error
	SetUser(ctx context.Context, id, userID string) error
	Ping(ctx context.Context) error
	Type() string
}

type StartRequest struct {
	SessionID string
}

type StartRedirect struct {
	URL   string
	State string
}

type CallbackRequest struct {
	SessionID string
	Params    url.Values
}

type CallbackRedirect struct {
	URL    string
	UserID string
}

type FlowService interface {
	Start(ctx context.Context, req *StartRequest) (*StartRedirect, error)
	Callback(ctx context.Context, req *CallbackRequest) (*CallbackRedirect, error)
}

const (
	CodeInvalidState        = "invalid_state"
	CodeMissingCode         = "missing_code"
	CodeTokenExchangeFailed = "token_exchange_failed"
	CodeServerError         = "server_error"
)

// FlowError is an error that is surfaced to the browser.
type FlowError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return "oauthrelay error: " + e.Code
	}
	return e.Description
}

func InvalidState(desc string) *FlowError {
	return &FlowError{Code: CodeInvalidState, Description: desc, Status: http.StatusBadRequest}
}

func MissingCode(desc string) *FlowError {
	return &FlowError{Code: CodeMissingCode, Description: desc, Status: http.StatusBadRequest}
}

func TokenExchangeFailed(desc string) *FlowError {
	return &FlowError{Code: CodeTokenExchangeFailed, Description: desc, Status: http.StatusBadGateway}
}

func ServerError() *FlowError {
	return &FlowError{Code: CodeServerError, Description: "internal server error", Status: http.StatusInternalServerError}
}

// RedirectURI merges data into the query of base. It returns an empty string
// if base cannot be parsed.
func RedirectURI(base string, data map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	params := u.Query()
	for k, v := range data {
		params.Set(k, v)
	}
	u.RawQuery = params.Encode()
	return u.String()
}
