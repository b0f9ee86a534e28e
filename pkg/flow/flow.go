// Package flow runs the Google authorization-code relay: it issues the state
// for a new authorization and turns a provider callback into a token exchange,
// a profile lookup and a webhook delivery.
package flow

import (
	"context"
	"time"

	"github.com/diyartec/oauthrelay/pkg/clog"
	"github.com/diyartec/oauthrelay/pkg/metrics"
	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/diyartec/oauthrelay/pkg/rp"
	"github.com/diyartec/oauthrelay/pkg/state"
	"github.com/diyartec/oauthrelay/pkg/webhook"
	"go.uber.org/zap"
	"golang.org/x/exp/errors"
	"golang.org/x/exp/errors/fmt"
)

type Config struct {
	StateTTL    time.Duration
	FrontendURL string

	// Attached to error reports
	Repository string
	Revision   string
}

func New(sessions oauthrelay.SessionStore, users oauthrelay.UserStore, authService rp.AuthService, hook webhook.Sender, m *metrics.Metrics, conf Config) oauthrelay.FlowService {
	return &service{
		sessions: sessions,
		rp:       authService,
		metrics:  m,
		conf:     conf,
		steps: &steps{
			sessions: sessions,
			users:    users,
			rp:       authService,
			hook:     hook,
			metrics:  m,
			errInfo:  &clog.ErrInfo{Repository: conf.Repository, Revision: conf.Revision},
		},
	}
}

type service struct {
	sessions oauthrelay.SessionStore
	rp       rp.AuthService
	metrics  *metrics.Metrics
	conf     Config
	steps    flowSteps
}

type flowSteps interface {
	VerifyState(ctx context.Context, sessionID, state string) error
	ExchangeCode(ctx context.Context, code string) (*rp.Token, error)
	FetchProfile(ctx context.Context, token *rp.Token) oauthrelay.Profile
	Relay(ctx context.Context, payload *oauthrelay.RelayPayload)
	RecordUser(ctx context.Context, sessionID string, token *rp.Token, profile oauthrelay.Profile) string
}

func (s *service) Start(ctx context.Context, req *oauthrelay.StartRequest) (*oauthrelay.StartRedirect, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("flow: missing session id")
	}
	st, err := state.New()
	if err != nil {
		return nil, fmt.Errorf("flow: error generating state: %w", err)
	}
	expiry := time.Now().Add(s.conf.StateTTL)
	if err := s.sessions.SetState(ctx, req.SessionID, st, expiry); err != nil {
		return nil, fmt.Errorf("flow: error storing state: %w", err)
	}
	s.metrics.FlowStarted()
	clog.Set(ctx, zap.Time("state_expiry", expiry))

	return &oauthrelay.StartRedirect{
		URL:   s.rp.AuthCodeURL(st),
		State: st,
	}, nil
}

func (s *service) Callback(ctx context.Context, req *oauthrelay.CallbackRequest) (res *oauthrelay.CallbackRedirect, err error) {
	defer func() { s.metrics.Callback(resultLabel(err)) }()

	if err := s.steps.VerifyState(ctx, req.SessionID, req.Params.Get("state")); err != nil {
		return nil, err
	}

	code := req.Params.Get("code")
	if code == "" {
		desc := "missing code parameter"
		if e := req.Params.Get("error"); e != "" {
			desc = "provider returned error: " + e
			if d := req.Params.Get("error_description"); d != "" {
				desc += ": " + d
			}
			clog.Set(ctx, zap.String("provider_error", e))
		}
		return nil, oauthrelay.MissingCode(desc)
	}

	token, err := s.steps.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	profile := s.steps.FetchProfile(ctx, token)
	s.steps.Relay(ctx, &oauthrelay.RelayPayload{
		Provider: oauthrelay.ProviderGoogle,
		Profile:  profile,
		Tokens:   token.Bundle(),
	})
	userID := s.steps.RecordUser(ctx, req.SessionID, token, profile)

	return &oauthrelay.CallbackRedirect{
		URL:    oauthrelay.RedirectURI(s.conf.FrontendURL, map[string]string{"connected": oauthrelay.ProviderGoogle}),
		UserID: userID,
	}, nil
}

func resultLabel(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	var fe *oauthrelay.FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return oauthrelay.CodeServerError
}
