package flow

import (
	"context"
	"time"

	"github.com/diyartec/oauthrelay/pkg/clog"
	"github.com/diyartec/oauthrelay/pkg/metrics"
	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/diyartec/oauthrelay/pkg/rp"
	"github.com/diyartec/oauthrelay/pkg/webhook"
	"go.uber.org/zap"
	"golang.org/x/exp/errors"
	"golang.org/x/exp/errors/fmt"
)

type steps struct {
	sessions oauthrelay.SessionStore
	users    oauthrelay.UserStore
	rp       rp.AuthService
	hook     webhook.Sender
	metrics  *metrics.Metrics
	errInfo  *clog.ErrInfo
}

var _ flowSteps = (*steps)(nil)

func (s *steps) VerifyState(ctx context.Context, sessionID, st string) error {
	if st == "" {
		return oauthrelay.InvalidState("missing state parameter")
	}
	if sessionID == "" {
		return oauthrelay.InvalidState("missing session")
	}
	err := s.sessions.ConsumeState(ctx, sessionID, st, time.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, oauthrelay.ErrStateExpired):
		return oauthrelay.InvalidState("state has expired")
	case errors.Is(err, oauthrelay.ErrStateMismatch):
		return oauthrelay.InvalidState("state does not match")
	default:
		return fmt.Errorf("flow: error verifying state: %w", err)
	}
}

func (s *steps) ExchangeCode(ctx context.Context, code string) (*rp.Token, error) {
	start := time.Now()
	token, err := s.rp.Exchange(ctx, code)
	s.metrics.ObserveUpstream(metrics.CallToken, start)
	if err != nil {
		var ee *rp.ExchangeError
		if errors.As(err, &ee) {
			clog.Set(ctx, zap.Int("token_status", ee.Status), zap.NamedError("token_error", err))
			desc := ee.Body
			if desc == "" {
				desc = rp.Truncate(ee.Error(), 512)
			}
			return nil, oauthrelay.TokenExchangeFailed(desc)
		}
		return nil, fmt.Errorf("flow: error exchanging code: %w", err)
	}
	bundle := token.Bundle()
	clog.Set(ctx,
		zap.String("token_type", bundle.TokenType),
		zap.Int64("token_expires_in", bundle.ExpiresIn),
		zap.Bool("has_refresh_token", bundle.RefreshToken != ""),
		zap.String("token_scope", bundle.Scope),
		zap.String("rp_user_id", token.UserID),
	)
	return token, nil
}

// FetchProfile never fails; a failed lookup yields an error-marker profile.
func (s *steps) FetchProfile(ctx context.Context, token *rp.Token) oauthrelay.Profile {
	start := time.Now()
	profile, err := s.rp.Profile(ctx, token.AccessToken)
	s.metrics.ObserveUpstream(metrics.CallUserinfo, start)
	if err != nil {
		s.metrics.ProfileFetchFailed()
		clog.Set(ctx, zap.NamedError("profile_error", err))
		return oauthrelay.ProfileError("userinfo_failed: " + err.Error())
	}
	return profile
}

// Relay delivers the payload once. Failures are logged and counted only.
func (s *steps) Relay(ctx context.Context, payload *oauthrelay.RelayPayload) {
	start := time.Now()
	err := s.hook.Send(ctx, payload)
	s.metrics.ObserveUpstream(metrics.CallWebhook, start)
	s.metrics.Relay(err)
	if err != nil {
		clog.Set(ctx, zap.Bool("relayed", false))
		clog.Error(ctx, fmt.Errorf("flow: error relaying to webhook: %w", err), s.errInfo)
		return
	}
	clog.Set(ctx, zap.Bool("relayed", true))
}

// RecordUser stores the connected account and attaches it to the session,
// returning its id. Failures are logged only.
func (s *steps) RecordUser(ctx context.Context, sessionID string, token *rp.Token, profile oauthrelay.Profile) string {
	u := &oauthrelay.User{
		ID:      profile.String("id"),
		Email:   profile.String("email"),
		Name:    profile.String("name"),
		Picture: profile.String("picture"),
	}
	if u.ID == "" {
		u = &oauthrelay.User{
			ID:      token.UserID,
			Email:   token.Email,
			Name:    token.Name,
			Picture: token.Picture,
		}
	}
	if u.ID == "" {
		return ""
	}
	u.ConnectTime = time.Now()

	added, err := s.users.AddUser(ctx, u)
	if err != nil {
		clog.Error(ctx, fmt.Errorf("flow: error adding user: %w", err), s.errInfo)
		return ""
	}
	clog.Set(ctx, zap.String("user_id", u.ID), zap.Bool("user_added", added))
	if sessionID != "" {
		if err := s.sessions.SetUser(ctx, sessionID, u.ID); err != nil {
			clog.Error(ctx, fmt.Errorf("flow: error attaching user to session: %w", err), s.errInfo)
		}
	}
	return u.ID
}
