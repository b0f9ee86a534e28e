package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"cloud.google.com/go/errorreporting"
	"github.com/diyartec/oauthrelay/pkg/clog"
	"github.com/diyartec/oauthrelay/pkg/errstack"
	"github.com/diyartec/oauthrelay/pkg/metrics"
	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/diyartec/oauthrelay/pkg/session"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/errors"
)

const (
	pathStart    = "/api/auth/google"
	pathCallback = "/api/auth/google/callback"

	healthTimeout = 2 * time.Second
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Flow      oauthrelay.FlowService
	Sessions  oauthrelay.SessionStore
	Users     oauthrelay.UserStore
	Cookies   *session.Cookies
	ErrClient *errorreporting.Client

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	FrontendURL string
	Version     string
	BuildRev    string

	CORS            CORSConfig
	RateLimit       RateLimitConfig
	SecurityHeaders bool

	// TrustedProxies is the number of reverse proxies in front of the
	// server that append to X-Forwarded-For.
	TrustedProxies int
}

type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowCredentials bool
}

func New(conf Config) http.Handler {
	a := &api{
		Config: conf,
		clock:  realClock{},
	}
	a.init()
	return a
}

type api struct {
	Config
	clock clock

	startTime time.Time
	handler   http.Handler
}

func (a *api) init() {
	a.startTime = a.clock.Now()

	var h http.Handler = http.HandlerFunc(a.route)
	if a.RateLimit.Enabled {
		h = a.rateLimitMiddleware(h)
	}
	if a.SecurityHeaders {
		h = securityHeaders(h)
	}
	if a.CORS.Enabled {
		h = a.corsMiddleware(h)
	}
	if a.Metrics != nil {
		h = a.Metrics.Middleware(routeLabel, h)
	}
	a.handler = h
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.status = status
	l.ResponseWriter.WriteHeader(status)
}

func (a *api) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	req = req.WithContext(clog.Context(req.Context()))
	ctx := req.Context()
	w := &loggingResponseWriter{ResponseWriter: rw}

	requestID := req.Header.Get("X-Request-Id")
	if _, err := uuid.Parse(requestID); err != nil {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	startTime := a.clock.Now()
	a.handler.ServeHTTP(w, req)
	duration := a.clock.Now().Sub(startTime)

	if w.status == 0 {
		w.status = 200
	}

	clog.Set(ctx, zap.String("request_id", requestID))
	clog.Set(ctx, zap.String("request_path", req.URL.Path))
	clog.Set(ctx, zap.String("request_method", req.Method))
	clog.Set(ctx, zap.String("request_ip", clientIP(req, a.TrustedProxies)))
	clog.Set(ctx, zap.String("request_user_agent", req.Header.Get("User-Agent")))
	clog.Set(ctx, zap.Int("response_status", w.status))
	if l := w.Header().Get("Location"); l != "" && req.URL.Path != pathStart {
		clog.Set(ctx, zap.String("response_location", l))
	}
	clog.Set(ctx, zap.Duration("response_duration", duration))

	clog.Log(ctx, "request")
}

func (a *api) route(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.Method == "GET" && req.URL.Path == pathStart:
		a.StartAuth(w, req)
	case req.Method == "GET" && req.URL.Path == pathCallback:
		a.Callback(w, req)
	case (req.Method == "GET" || req.Method == "HEAD") && req.URL.Path == "/health":
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
	case req.Method == "GET" && req.URL.Path == "/api/health":
		a.Health(w, req)
	case req.Method == "GET" && req.URL.Path == "/api/status":
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case req.Method == "GET" && req.URL.Path == "/api/version":
		a.VersionInfo(w, req)
	case req.Method == "GET" && req.URL.Path == "/api/auth/me":
		a.Me(w, req)
	case req.Method == "POST" && req.URL.Path == "/api/auth/logout":
		a.Logout(w, req)
	case req.Method == "GET" && req.URL.Path == "/metrics" && a.Gatherer != nil:
		metrics.Handler(a.Gatherer).ServeHTTP(w, req)
	case req.Method == "GET" && req.URL.Path == "/":
		http.Redirect(w, req, a.FrontendURL, http.StatusFound)
	case req.Method != "GET":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}
}

func routeLabel(req *http.Request) string {
	switch req.URL.Path {
	case pathStart, pathCallback, "/health", "/api/health", "/api/status", "/api/version",
		"/api/auth/me", "/api/auth/logout", "/metrics", "/":
		return req.URL.Path
	}
	return "other"
}

func (a *api) StartAuth(w http.ResponseWriter, req *http.Request) {
	sessionID, err := a.Cookies.Ensure(w, req)
	if err != nil {
		a.handleErr(w, req, err)
		return
	}
	res, err := a.Flow.Start(req.Context(), &oauthrelay.StartRequest{SessionID: sessionID})
	if err != nil {
		a.handleErr(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, req, res.URL, http.StatusFound)
}

func (a *api) Callback(w http.ResponseWriter, req *http.Request) {
	params := req.URL.Query()
	clog.Set(req.Context(), zap.Object("params", zapURLValuesMarshaler{params}))

	// the exchange and relay must finish even if the browser goes away
	ctx := context.WithoutCancel(req.Context())
	res, err := a.Flow.Callback(ctx, &oauthrelay.CallbackRequest{
		SessionID: a.Cookies.Read(req),
		Params:    params,
	})
	if err != nil {
		a.handleErr(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, req, res.URL, http.StatusFound)
}

func (a *api) Health(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
	defer cancel()

	now := a.clock.Now()
	storeOK := true
	if err := a.Sessions.Ping(ctx); err != nil {
		storeOK = false
		clog.Set(req.Context(), zap.NamedError("session_store_error", err))
	}
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":       storeOK,
		"uptime_s": int64(now.Sub(a.startTime).Seconds()),
		"ts":       now.UTC().Format(time.RFC3339),
		"session_store": map[string]interface{}{
			"type": a.Sessions.Type(),
			"ok":   storeOK,
		},
	})
}

func (a *api) VersionInfo(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       "oauthrelay",
		"version":    a.Version,
		"build_rev":  a.BuildRev,
		"go_version": runtime.Version(),
		"security": map[string]bool{
			"cors_enabled":             a.CORS.Enabled,
			"rate_limit_enabled":       a.RateLimit.Enabled,
			"security_headers_enabled": a.SecurityHeaders,
			"cookie_secure":            a.Cookies.Secure,
		},
	})
}

func (a *api) Me(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	unauthenticated := func() {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
	}

	sessionID := a.Cookies.Read(req)
	if sessionID == "" {
		unauthenticated()
		return
	}
	sess, err := a.Sessions.LoadSession(req.Context(), sessionID)
	if errors.Is(err, oauthrelay.ErrNotFound) {
		unauthenticated()
		return
	}
	if err != nil {
		a.handleErr(w, req, err)
		return
	}
	if sess.UserID == "" {
		unauthenticated()
		return
	}
	user, err := a.Users.GetUser(req.Context(), sess.UserID)
	if errors.Is(err, oauthrelay.ErrNotFound) {
		unauthenticated()
		return
	}
	if err != nil {
		a.handleErr(w, req, err)
		return
	}
	clog.Set(req.Context(), zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          user,
	})
}

func (a *api) Logout(w http.ResponseWriter, req *http.Request) {
	if sessionID := a.Cookies.Read(req); sessionID != "" {
		if err := a.Sessions.DeleteSession(req.Context(), sessionID); err != nil {
			a.handleErr(w, req, err)
			return
		}
	}
	a.Cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleErr(w http.ResponseWriter, req *http.Request, err error) {
	var fe *oauthrelay.FlowError
	if !errors.As(err, &fe) {
		if a.ErrClient != nil {
			a.ErrClient.Report(errorreporting.Entry{
				Error: err,
				Req:   req,
				Stack: errstack.Format(err),
			})
		}
		fe = oauthrelay.ServerError()
	}
	clog.Set(req.Context(), zap.String("error_code", fe.Code))
	clog.Set(req.Context(), zap.Error(err))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, fe.Status, fe)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// zapURLValuesMarshaler logs query parameters with the code and state values
// masked.
type zapURLValuesMarshaler struct {
	url.Values
}

func (m zapURLValuesMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, vs := range m.Values {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case "code", "state":
			enc.AddString(k, "[redacted]")
		default:
			enc.AddString(k, vs[0])
		}
	}
	return nil
}
