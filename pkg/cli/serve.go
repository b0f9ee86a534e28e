package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/errorreporting"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"contrib.go.opencensus.io/exporter/stackdriver/propagation"
	"github.com/diyartec/oauthrelay/pkg/clog"
	"github.com/diyartec/oauthrelay/pkg/config"
	"github.com/diyartec/oauthrelay/pkg/flow"
	"github.com/diyartec/oauthrelay/pkg/httpapi"
	"github.com/diyartec/oauthrelay/pkg/metrics"
	"github.com/diyartec/oauthrelay/pkg/rp/google"
	"github.com/diyartec/oauthrelay/pkg/session"
	"github.com/diyartec/oauthrelay/pkg/users"
	"github.com/diyartec/oauthrelay/pkg/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/errors"
	"golang.org/x/exp/errors/fmt"
	"golang.org/x/sync/errgroup"
)

const (
	Version = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

type serveCmd struct {
	Addr string `kong:"help='listen address, defaults to :$PORT'"`
}

func (cmd *serveCmd) Run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := cfg.resolve(ctx)
	if err != nil {
		return err
	}
	if err := clog.Init(conf.LogLevel, conf.LogFile); err != nil {
		return err
	}
	defer clog.Logger.Sync()

	var errClient *errorreporting.Client
	if conf.ProjectID != "" {
		exporter, err := stackdriver.NewExporter(stackdriver.Options{
			ProjectID:              conf.ProjectID,
			DefaultTraceAttributes: map[string]interface{}{"build_rev": conf.BuildRev},
		})
		if err != nil {
			return fmt.Errorf("cli: error initializing trace exporter: %w", err)
		}
		defer exporter.Flush()
		trace.RegisterExporter(exporter)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(conf.TraceSampleRate)})

		errClient, err = errorreporting.NewClient(ctx, conf.ProjectID, errorreporting.Config{
			ServiceName:    "oauthrelay",
			ServiceVersion: conf.BuildRev,
			OnError: func(err error) {
				clog.Logger.Error("error reporting failed", zap.Error(err))
			},
		})
		if err != nil {
			return fmt.Errorf("cli: error initializing error reporting client: %w", err)
		}
		defer errClient.Close()
	}

	srv, err := newServer(ctx, conf, errClient)
	if err != nil {
		return err
	}
	addr := cmd.Addr
	if addr == "" {
		addr = ":" + conf.Port
	}
	httpServer := &http.Server{
		Addr: addr,
		Handler: &ochttp.Handler{
			Propagation: &propagation.HTTPFormat{},
			Handler:     srv.handler,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	logStartup(conf, srv.sessions.Type(), addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("cli: error serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		clog.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type server struct {
	handler  http.Handler
	sessions *session.Store
	registry *prometheus.Registry
}

func newServer(ctx context.Context, conf *config.Config, errClient *errorreporting.Client) (*server, error) {
	sessions, err := session.NewStore(ctx, conf.RedisURL, conf.RedisNamespace, conf.SessionTTL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	userStore := users.New(conf.SessionTTL)
	authService := google.New(google.Config{
		ClientID:        conf.ClientID,
		ClientSecret:    conf.ClientSecret,
		RedirectURL:     conf.RedirectURI,
		Scopes:          strings.Fields(conf.Scope),
		AuthURL:         conf.GoogleAuthURL,
		TokenURL:        conf.GoogleTokenURL,
		UserinfoURL:     conf.GoogleUserinfoURL,
		TokenTimeout:    conf.TokenTimeout,
		UserinfoTimeout: conf.UserinfoTimeout,
	})
	hook := webhook.New(conf.WebhookURL, conf.BuildRev, conf.WebhookTimeout, nil)

	flowService := flow.New(sessions, userStore, authService, hook, m, flow.Config{
		StateTTL:    conf.StateTTL,
		FrontendURL: conf.FrontendURL,
		Repository:  conf.BuildRepo,
		Revision:    conf.BuildRev,
	})

	handler := httpapi.New(httpapi.Config{
		Flow:     flowService,
		Sessions: sessions,
		Users:    userStore,
		Cookies: &session.Cookies{
			Key:      conf.SessionSecret,
			Secure:   conf.CookieSecure,
			SameSite: conf.SameSite(),
			MaxAge:   conf.SessionTTL,
		},
		ErrClient:   errClient,
		Metrics:     m,
		Gatherer:    reg,
		FrontendURL: conf.FrontendURL,
		Version:     Version,
		BuildRev:    conf.BuildRev,
		CORS: httpapi.CORSConfig{
			Enabled:          conf.CORSEnabled,
			AllowedOrigins:   conf.CORSAllowedOrigins,
			AllowCredentials: conf.CORSAllowCredentials,
		},
		RateLimit: httpapi.RateLimitConfig{
			Enabled:       conf.RateLimitEnabled,
			AuthBurst:     conf.RateLimitAuthBurst,
			AuthPerMinute: conf.RateLimitAuthPerMinute,
			APIBurst:      conf.RateLimitAPIBurst,
			APIPerMinute:  conf.RateLimitAPIPerMinute,
		},
		SecurityHeaders: conf.SecurityHeaders,
		TrustedProxies:  conf.TrustProxyHops,
	})

	return &server{
		handler:  handler,
		sessions: sessions,
		registry: reg,
	}, nil
}

func logStartup(conf *config.Config, storeType, addr string) {
	clog.Logger.Info("starting oauthrelay",
		zap.String("version", Version),
		zap.String("build_rev", conf.BuildRev),
		zap.String("addr", addr),
		zap.String("redirect_uri", conf.RedirectURI),
		zap.String("frontend_url", conf.FrontendURL),
		zap.String("scope", conf.Scope),
		zap.String("session_store", storeType),
		zap.String("session_secret_fingerprint", conf.SessionSecretFingerprint()),
		zap.Bool("cookie_secure", conf.CookieSecure),
		zap.String("cookie_samesite", conf.CookieSameSite),
	)
	for _, w := range conf.Warnings() {
		clog.Logger.Warn(w)
	}
}
