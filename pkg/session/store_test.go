package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/stretchr/testify/require"
)

func newTestStore(ttl time.Duration) *Store {
	return NewMemoryStore("test", ttl)
}

func TestNewStoreMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "", "test", time.Hour)
	require.NoError(t, err)
	require.Equal(t, TypeMemory, s.Type())
	require.NoError(t, s.Ping(context.Background()))
}

func TestNewStoreInvalidRedisURL(t *testing.T) {
	_, err := NewStore(context.Background(), "not-a-redis-url://", "test", time.Hour)
	require.Error(t, err)
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(time.Hour)
	ctx := context.Background()

	_, err := s.LoadSession(ctx, "missing")
	require.True(t, errors.Is(err, oauthrelay.ErrNotFound))

	in := &oauthrelay.Session{UserID: "user"}
	require.NoError(t, s.SaveSession(ctx, "sid", in))
	require.False(t, in.CreateTime.IsZero())

	out, err := s.LoadSession(ctx, "sid")
	require.NoError(t, err)
	require.Equal(t, "user", out.UserID)
	require.WithinDuration(t, in.CreateTime, out.CreateTime, time.Millisecond)

	require.NoError(t, s.DeleteSession(ctx, "sid"))
	_, err = s.LoadSession(ctx, "sid")
	require.True(t, errors.Is(err, oauthrelay.ErrNotFound))
	require.NoError(t, s.DeleteSession(ctx, "sid"))
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "sid", &oauthrelay.Session{}))
	time.Sleep(100 * time.Millisecond)
	_, err := s.LoadSession(ctx, "sid")
	require.True(t, errors.Is(err, oauthrelay.ErrNotFound))
}

func TestNamespacedKeys(t *testing.T) {
	s := newTestStore(time.Hour)
	require.Equal(t, "test:sess:abc", s.key("abc"))
}

func TestConsumeState(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	expiry := now.Add(5 * time.Minute)

	type testCase struct {
		Desc     string
		Setup    func(s *Store)
		State    string
		Now      time.Time
		Err      error
		Pending  string
		Consumed bool
	}
	for _, tc := range []testCase{
		{
			Desc:     "match",
			Setup:    func(s *Store) { require.NoError(t, s.SetState(ctx, "sid", "good", expiry)) },
			State:    "good",
			Now:      now,
			Consumed: true,
		},
		{
			Desc:    "mismatch keeps pending state",
			Setup:   func(s *Store) { require.NoError(t, s.SetState(ctx, "sid", "good", expiry)) },
			State:   "bad",
			Now:     now,
			Err:     oauthrelay.ErrStateMismatch,
			Pending: "good",
		},
		{
			Desc:    "empty state",
			Setup:   func(s *Store) { require.NoError(t, s.SetState(ctx, "sid", "good", expiry)) },
			State:   "",
			Now:     now,
			Err:     oauthrelay.ErrStateMismatch,
			Pending: "good",
		},
		{
			Desc:  "no session",
			Setup: func(*Store) {},
			State: "good",
			Now:   now,
			Err:   oauthrelay.ErrStateMismatch,
		},
		{
			Desc:  "no pending state",
			Setup: func(s *Store) { require.NoError(t, s.SaveSession(ctx, "sid", &oauthrelay.Session{})) },
			State: "good",
			Now:   now,
			Err:   oauthrelay.ErrStateMismatch,
		},
		{
			Desc:  "expired",
			Setup: func(s *Store) { require.NoError(t, s.SetState(ctx, "sid", "good", expiry)) },
			State: "good",
			Now:   expiry,
			Err:   oauthrelay.ErrStateExpired,
		},
	} {
		t.Run(tc.Desc, func(t *testing.T) {
			s := newTestStore(time.Hour)
			tc.Setup(s)

			err := s.ConsumeState(ctx, "sid", tc.State, tc.Now)
			if tc.Err != nil {
				require.True(t, errors.Is(err, tc.Err), "got %v", err)
			} else {
				require.NoError(t, err)
			}

			sess, err := s.LoadSession(ctx, "sid")
			if errors.Is(err, oauthrelay.ErrNotFound) {
				require.Empty(t, tc.Pending)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.Pending, sess.OAuthState)
			if tc.Pending == "" {
				require.True(t, sess.StateExpiry.IsZero())
			}
		})
	}
}

func TestConsumeStateSingleUse(t *testing.T) {
	s := newTestStore(time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "sid", "once", time.Now().Add(time.Minute)))
	require.NoError(t, s.ConsumeState(ctx, "sid", "once", time.Now()))
	err := s.ConsumeState(ctx, "sid", "once", time.Now())
	require.True(t, errors.Is(err, oauthrelay.ErrStateMismatch))
}

func TestSetStateReplaces(t *testing.T) {
	s := newTestStore(time.Hour)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, s.SetState(ctx, "sid", "first", exp))
	require.NoError(t, s.SetState(ctx, "sid", "second", exp))
	require.True(t, errors.Is(s.ConsumeState(ctx, "sid", "first", time.Now()), oauthrelay.ErrStateMismatch))
	require.NoError(t, s.ConsumeState(ctx, "sid", "second", time.Now()))
}

func TestSetUserKeepsState(t *testing.T) {
	s := newTestStore(time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "sid", "pending", time.Now().Add(time.Minute)))
	require.NoError(t, s.SetUser(ctx, "sid", "user-1"))

	sess, err := s.LoadSession(ctx, "sid")
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)
	require.Equal(t, "pending", sess.OAuthState)
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.Len(t, id, 22)
		require.False(t, seen[id])
		seen[id] = true
	}
}
