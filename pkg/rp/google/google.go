package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diyartec/oauthrelay/pkg/clog"
	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/diyartec/oauthrelay/pkg/rp"
	"github.com/golang-jwt/jwt/v5"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/errors"
	"golang.org/x/exp/errors/fmt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	maxErrorBody   = 512
	maxProfileBody = 1 << 20
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides, empty means Google's
	AuthURL     string
	TokenURL    string
	UserinfoURL string

	TokenTimeout    time.Duration
	UserinfoTimeout time.Duration

	// Transport for outbound calls, defaults to a traced http.DefaultTransport.
	Transport http.RoundTripper
}

func New(c Config) rp.AuthService {
	endpoint := google.Endpoint
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	userinfo := c.UserinfoURL
	if userinfo == "" {
		userinfo = DefaultUserinfoURL
	}
	transport := c.Transport
	if transport == nil {
		transport = &ochttp.Transport{}
	}
	return &service{
		conf: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
		},
		userinfoURL:     userinfo,
		tokenTimeout:    c.TokenTimeout,
		userinfoTimeout: c.UserinfoTimeout,
		client:          &http.Client{Transport: transport},
	}
}

type service struct {
	conf            *oauth2.Config
	userinfoURL     string
	tokenTimeout    time.Duration
	userinfoTimeout time.Duration
	client          *http.Client
}

func (s *service) AuthCodeURL(state string) string {
	return s.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (s *service) Exchange(ctx context.Context, code string) (*rp.Token, error) {
	ctx, span := trace.StartSpan(ctx, "rp.google.Exchange")
	defer span.End()

	ctx, cancel := withTimeout(context.WithValue(ctx, oauth2.HTTPClient, s.client), s.tokenTimeout)
	defer cancel()

	t, err := s.conf.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			span.AddAttributes(trace.Int64Attribute("status", int64(re.Response.StatusCode)))
			return nil, &rp.ExchangeError{
				Status: re.Response.StatusCode,
				Body:   rp.Truncate(strings.TrimSpace(string(re.Body)), maxErrorBody),
				Err:    err,
			}
		}
		return nil, &rp.ExchangeError{Err: err}
	}

	res := &rp.Token{Token: t}
	res.Scope, _ = t.Extra("scope").(string)
	res.IDToken, _ = t.Extra("id_token").(string)
	if res.IDToken != "" {
		if err := readIDToken(res); err != nil {
			// claims are informational, a malformed id_token is not fatal
			clog.Set(ctx, zap.NamedError("rp_id_token_error", err))
		}
	}
	span.AddAttributes(
		trace.BoolAttribute("has_refresh_token", t.RefreshToken != ""),
		trace.BoolAttribute("has_id_token", res.IDToken != ""),
	)
	return res, nil
}

type idToken struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

func readIDToken(t *rp.Token) error {
	claims := &idToken{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.IDToken, claims); err != nil {
		return fmt.Errorf("rp/google: error parsing id_token: %w", err)
	}
	t.UserID = claims.Subject
	t.Email = claims.Email
	t.Name = claims.Name
	t.Picture = claims.Picture
	return nil
}

func (s *service) Profile(ctx context.Context, accessToken string) (oauthrelay.Profile, error) {
	ctx, span := trace.StartSpan(ctx, "rp.google.Profile")
	defer span.End()

	ctx, cancel := withTimeout(context.WithValue(ctx, oauth2.HTTPClient, s.client), s.userinfoTimeout)
	defer cancel()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rp/google: error building userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rp/google: error fetching userinfo: %w", err)
	}
	defer res.Body.Close()
	span.AddAttributes(trace.Int64Attribute("status", int64(res.StatusCode)))

	body := io.LimitReader(res.Body, maxProfileBody)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, fmt.Errorf("rp/google: userinfo returned %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	profile := oauthrelay.Profile{}
	if err := json.NewDecoder(body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("rp/google: error decoding userinfo: %w", err)
	}
	return profile, nil
}
