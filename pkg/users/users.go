// Package users records the Google accounts that completed a connection.
package users

import (
	"context"
	"time"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	gocache "github.com/patrickmn/go-cache"
	"go.opencensus.io/trace"
	"golang.org/x/exp/errors/fmt"
)

type service struct {
	db *gocache.Cache
}

// New returns an in-memory user store whose entries expire ttl after they are
// added. A zero ttl keeps entries until the process exits.
func New(ttl time.Duration) oauthrelay.UserStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &service{db: gocache.New(ttl, 10*time.Minute)}
}

func (s *service) GetUser(ctx context.Context, id string) (*oauthrelay.User, error) {
	v, ok := s.db.Get(id)
	if !ok {
		return nil, fmt.Errorf("users: error fetching user %s: %w", id, oauthrelay.ErrNotFound)
	}
	u := *v.(*oauthrelay.User)
	return &u, nil
}

func (s *service) AddUser(ctx context.Context, user *oauthrelay.User) (bool, error) {
	_, span := trace.StartSpan(ctx, "users.AddUser")
	span.AddAttributes(trace.StringAttribute("user_id", user.ID))
	defer span.End()

	if user.ID == "" {
		return false, fmt.Errorf("users: user id is required")
	}
	u := *user
	if u.ConnectTime.IsZero() {
		u.ConnectTime = time.Now()
	}
	if err := s.db.Add(u.ID, &u, gocache.DefaultExpiration); err != nil {
		// already exists
		return false, nil
	}
	span.AddAttributes(trace.BoolAttribute("inserted", true))
	return true, nil
}
