// Package config resolves the relay configuration from the environment once at
// startup. Required settings accept several alternate variable names; the
// first non-empty one wins.
package config

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/exp/errors/fmt"
)

const (
	DefaultScope       = "https://www.googleapis.com/auth/calendar"
	DefaultFrontendURL = "https://frontend-t6hj.onrender.com/"
)

// Setting names an option and the environment variables it may be read from,
// in order of preference.
type Setting struct {
	Name  string
	Names []string
}

var (
	ClientID     = Setting{"client id", []string{"CLIENT_ID", "GOOGLE_CLIENT_ID"}}
	ClientSecret = Setting{"client secret", []string{"CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"}}
	RedirectURI  = Setting{"redirect uri", []string{"REDIRECT_URI", "OAUTH_REDIRECT_URI"}}
	WebhookURL   = Setting{"webhook url", []string{"N8N_WEBHOOK_URL", "WEBHOOK_URL"}}

	Scope         = Setting{"scope", []string{"GOOGLE_SCOPE"}}
	SessionSecret = Setting{"session secret", []string{"SECRETKEY", "SECRET_KEY"}}
	FrontendURL   = Setting{"frontend url", []string{"FRONTEND_URL", "FRONTEND_BASE_URL"}}
)

// Options are the settings with a single name and a default value.
type Options struct {
	Port                   string        `env:"PORT" envDefault:"8000"`
	CookieSecure           bool          `env:"COOKIE_SECURE" envDefault:"true"`
	CookieSameSite         string        `env:"COOKIE_SAMESITE" envDefault:"lax"`
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	StateTTL               time.Duration `env:"STATE_TTL" envDefault:"5m"`
	TokenTimeout           time.Duration `env:"TOKEN_TIMEOUT" envDefault:"6s"`
	UserinfoTimeout        time.Duration `env:"USERINFO_TIMEOUT" envDefault:"5s"`
	WebhookTimeout         time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"15s"`
	CORSEnabled            bool          `env:"CORS_ENABLED" envDefault:"true"`
	CORSAllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials   bool          `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	RateLimitEnabled       bool          `env:"RATELIMIT_ENABLED" envDefault:"true"`
	RateLimitAuthBurst     int           `env:"RATE_LIMIT_AUTH_BURST" envDefault:"5"`
	RateLimitAuthPerMinute float64       `env:"RATE_LIMIT_AUTH_REFILL_PER_MINUTE" envDefault:"5"`
	RateLimitAPIBurst      int           `env:"RATE_LIMIT_API_BURST" envDefault:"60"`
	RateLimitAPIPerMinute  float64       `env:"RATE_LIMIT_API_REFILL_PER_MINUTE" envDefault:"60"`
	TrustProxyHops         int           `env:"TRUST_PROXY_HOPS" envDefault:"1"`
	SecurityHeaders        bool          `env:"SECURITY_HEADERS_ENABLED" envDefault:"true"`
	RedisURL               string        `env:"REDIS_URL"`
	GoogleAuthURL          string        `env:"GOOGLE_AUTH_URL"`
	GoogleTokenURL         string        `env:"GOOGLE_TOKEN_URL"`
	GoogleUserinfoURL      string        `env:"GOOGLE_USERINFO_URL"`
	RedisNamespace         string        `env:"REDIS_NAMESPACE" envDefault:"oauthrelay"`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFile                string        `env:"LOG_FILE"`
	ProjectID              string        `env:"PROJECT_ID"`
	BuildRev               string        `env:"BUILD_REV"`
	BuildRepo              string        `env:"BUILD_REPO"`
	TraceSampleRate        float64       `env:"TRACE_SAMPLE_RATE" envDefault:"0.1"`
}

// envKeys lists the variable names Options is parsed from.
var envKeys = func() []string {
	var keys []string
	t := reflect.TypeOf(Options{})
	for i := 0; i < t.NumField(); i++ {
		if k, ok := t.Field(i).Tag.Lookup("env"); ok {
			keys = append(keys, strings.Split(k, ",")[0])
		}
	}
	return keys
}()

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	WebhookURL   string
	Scope        string
	FrontendURL  string

	SessionSecret []byte
	// GeneratedSessionSecret is set when no secret was configured; sessions
	// do not survive a restart.
	GeneratedSessionSecret bool

	Options
}

func (c *Config) SameSite() http.SameSite {
	switch strings.ToLower(c.CookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// MissingError is returned when required settings are absent.
type MissingError struct {
	Settings []Setting
}

func (e *MissingError) Error() string {
	var tried []string
	for _, s := range e.Settings {
		tried = append(tried, strings.Join(s.Names, ", "))
	}
	return "config: missing required env var. Tried: " + strings.Join(tried, "; ")
}

type LookupFunc func(string) (string, bool)

// SecretAccessor dereferences secretmanager:// values.
type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

const secretPrefix = "secretmanager://"

type resolver struct {
	lookup  LookupFunc
	missing []Setting
}

func (r *resolver) get(s Setting) (string, string) {
	for _, n := range s.Names {
		if v, ok := r.lookup(n); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, n
			}
		}
	}
	return "", ""
}

func (r *resolver) required(s Setting) string {
	v, _ := r.get(s)
	if v == "" {
		r.missing = append(r.missing, s)
	}
	return v
}

func (r *resolver) optional(s Setting, def string) string {
	if v, _ := r.get(s); v != "" {
		return v
	}
	return def
}

// FromEnv resolves the configuration from the process environment.
func FromEnv(ctx context.Context, secrets SecretAccessor) (*Config, error) {
	return Resolve(ctx, os.LookupEnv, secrets)
}

// Resolve builds the configuration from lookup. secrets may be nil, in which
// case secretmanager:// references are an error.
func Resolve(ctx context.Context, lookup LookupFunc, secrets SecretAccessor) (*Config, error) {
	r := &resolver{lookup: lookup}
	c := &Config{
		ClientID:     r.required(ClientID),
		ClientSecret: r.required(ClientSecret),
		RedirectURI:  r.required(RedirectURI),
		WebhookURL:   r.required(WebhookURL),
		Scope:        r.optional(Scope, DefaultScope),
		FrontendURL:  r.optional(FrontendURL, DefaultFrontendURL),
	}
	if len(r.missing) > 0 {
		return nil, &MissingError{Settings: r.missing}
	}

	environ := make(map[string]string)
	for _, k := range envKeys {
		if v, ok := lookup(k); ok {
			environ[k] = v
		}
	}
	if err := env.ParseWithOptions(&c.Options, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("config: error parsing options: %w", err)
	}
	c.CORSAllowedOrigins = trimCSV(c.CORSAllowedOrigins)

	var err error
	for _, v := range []*string{&c.ClientID, &c.ClientSecret, &c.WebhookURL} {
		if *v, err = deref(ctx, secrets, *v); err != nil {
			return nil, err
		}
	}
	secret, err := deref(ctx, secrets, r.optional(SessionSecret, ""))
	if err != nil {
		return nil, err
	}
	if secret != "" {
		c.SessionSecret = []byte(secret)
	} else {
		c.SessionSecret = make([]byte, 32)
		if _, err := rand.Read(c.SessionSecret); err != nil {
			return nil, fmt.Errorf("config: error generating session secret: %w", err)
		}
		c.GeneratedSessionSecret = true
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func deref(ctx context.Context, secrets SecretAccessor, v string) (string, error) {
	if !strings.HasPrefix(v, secretPrefix) {
		return v, nil
	}
	name := strings.TrimPrefix(v, secretPrefix)
	if secrets == nil {
		return "", fmt.Errorf("config: secret reference %q used without a secret manager", name)
	}
	s, err := secrets.AccessSecret(ctx, name)
	if err != nil {
		return "", fmt.Errorf("config: error accessing secret %q: %w", name, err)
	}
	return strings.TrimSpace(s), nil
}

func (c *Config) validate() error {
	for _, u := range []struct {
		name, value string
	}{
		{"redirect uri", c.RedirectURI},
		{"webhook url", c.WebhookURL},
		{"frontend url", c.FrontendURL},
	} {
		if err := checkURL(u.value); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", u.name, u.value, err)
		}
	}
	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("config: invalid COOKIE_SAMESITE %q", c.CookieSameSite)
	}
	if c.RateLimitAuthBurst < 1 || c.RateLimitAuthPerMinute <= 0 {
		return fmt.Errorf("config: rate limit burst and refill must be positive")
	}
	if c.RateLimitAPIBurst < 0 || (c.RateLimitAPIBurst > 0 && c.RateLimitAPIPerMinute <= 0) {
		return fmt.Errorf("config: api rate limit burst must not be negative and its refill must be positive")
	}
	if c.TrustProxyHops < 0 {
		return fmt.Errorf("config: TRUST_PROXY_HOPS must not be negative")
	}
	for _, u := range []struct {
		name, value string
	}{
		{"GOOGLE_AUTH_URL", c.GoogleAuthURL},
		{"GOOGLE_TOKEN_URL", c.GoogleTokenURL},
		{"GOOGLE_USERINFO_URL", c.GoogleUserinfoURL},
	} {
		if u.value == "" {
			continue
		}
		if err := checkURL(u.value); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", u.name, u.value, err)
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("config: TRACE_SAMPLE_RATE must be between 0 and 1")
	}
	return nil
}

func checkURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("not an absolute http(s) URL")
	}
	return nil
}

// FrontendOrigin returns the scheme://host of the front-end URL.
func (c *Config) FrontendOrigin() string {
	u, err := url.Parse(c.FrontendURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func trimCSV(values []string) []string {
	var res []string
	for _, v := range values {
		if v = strings.TrimRight(strings.TrimSpace(v), "/"); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// Redacted returns the effective configuration as name/value pairs with
// secrets masked.
func (c *Config) Redacted() [][2]string {
	secret := "(generated)"
	if !c.GeneratedSessionSecret {
		secret = mask(string(c.SessionSecret))
	}
	store := "memory"
	if c.RedisURL != "" {
		store = "redis"
	}
	return [][2]string{
		{"client id", c.ClientID},
		{"client secret", mask(c.ClientSecret)},
		{"redirect uri", c.RedirectURI},
		{"webhook url", c.WebhookURL},
		{"scope", c.Scope},
		{"frontend url", c.FrontendURL},
		{"session secret", secret},
		{"session store", store},
		{"port", c.Port},
		{"cookie secure", fmt.Sprint(c.CookieSecure)},
		{"cookie samesite", c.CookieSameSite},
		{"session ttl", c.SessionTTL.String()},
		{"state ttl", c.StateTTL.String()},
		{"token timeout", c.TokenTimeout.String()},
		{"userinfo timeout", c.UserinfoTimeout.String()},
		{"webhook timeout", c.WebhookTimeout.String()},
		{"cors", fmt.Sprintf("%v %v", c.CORSEnabled, c.CORSAllowedOrigins)},
		{"rate limit", fmt.Sprintf("%v burst=%d refill/min=%v", c.RateLimitEnabled, c.RateLimitAuthBurst, c.RateLimitAuthPerMinute)},
		{"api rate limit", fmt.Sprintf("burst=%d refill/min=%v", c.RateLimitAPIBurst, c.RateLimitAPIPerMinute)},
		{"trusted proxy hops", fmt.Sprint(c.TrustProxyHops)},
		{"security headers", fmt.Sprint(c.SecurityHeaders)},
		{"log level", c.LogLevel},
		{"project id", c.ProjectID},
		{"build rev", c.BuildRev},
	}
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

// Warnings lists settings that resolve but are likely to break sign-in or
// weaken it.
func (c *Config) Warnings() []string {
	var w []string
	if c.GeneratedSessionSecret {
		w = append(w, "no session secret set, sessions will not survive a restart")
	}
	if !c.CookieSecure {
		w = append(w, "session cookies are not marked secure")
	}
	if c.SameSite() == http.SameSiteStrictMode {
		w = append(w, "COOKIE_SAMESITE=strict: browsers drop the session cookie on the redirect back from Google, so every callback fails with invalid_state")
	}
	return w
}

// SessionSecretFingerprint identifies the session secret in logs without
// revealing it.
func (c *Config) SessionSecretFingerprint() string {
	return base64.RawURLEncoding.EncodeToString(fingerprint(c.SessionSecret))
}

func fingerprint(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:6]
}
