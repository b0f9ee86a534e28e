// Package session keeps browser sessions and their pending OAuth state in a
// TTL cache, either in process memory or in Redis.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"github.com/diyartec/oauthrelay/pkg/state"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/errors/fmt"
)

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"

	cleanupInterval = 10 * time.Minute
)

type Store struct {
	cache *cache.Cache[string]
	typ   string
	ns    string
	ttl   time.Duration
	ping  func(context.Context) error

	// serializes read-modify-write of a session within this process
	mtx sync.Mutex
}

var _ oauthrelay.SessionStore = (*Store)(nil)

// NewStore returns a Redis backed store when redisURL is set and an in-memory
// store otherwise. Sessions expire ttl after their last save.
func NewStore(ctx context.Context, redisURL, namespace string, ttl time.Duration) (*Store, error) {
	if redisURL == "" {
		return NewMemoryStore(namespace, ttl), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session: error parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: error connecting to redis: %w", err)
	}

	s := newStore(redis_store.NewRedis(client), TypeRedis, namespace, ttl)
	s.ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return s, nil
}

func NewMemoryStore(namespace string, ttl time.Duration) *Store {
	return newStore(gocache_store.NewGoCache(gocache.New(ttl, cleanupInterval)), TypeMemory, namespace, ttl)
}

func newStore(s store.StoreInterface, typ, namespace string, ttl time.Duration) *Store {
	return &Store{
		cache: cache.New[string](s),
		typ:   typ,
		ns:    namespace,
		ttl:   ttl,
		ping:  func(context.Context) error { return nil },
	}
}

func (s *Store) key(id string) string {
	return s.ns + ":sess:" + id
}

func (s *Store) Type() string {
	return s.typ
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.ping(ctx); err != nil {
		return fmt.Errorf("session: %s store unreachable: %w", s.typ, err)
	}
	return nil
}

// NewID returns a new random session id.
func NewID() string {
	data := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		panic(err)
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func isNotFound(err error) bool {
	var nf *store.NotFound
	return errors.As(err, &nf)
}

func (s *Store) LoadSession(ctx context.Context, id string) (*oauthrelay.Session, error) {
	data, err := s.cache.Get(ctx, s.key(id))
	if err != nil {
		if isNotFound(err) {
			err = oauthrelay.ErrNotFound
		}
		return nil, fmt.Errorf("session: error loading session %s: %w", id, err)
	}
	if data == "" {
		return nil, fmt.Errorf("session: error loading session %s: %w", id, oauthrelay.ErrNotFound)
	}
	res := &oauthrelay.Session{}
	if err := json.Unmarshal([]byte(data), res); err != nil {
		return nil, fmt.Errorf("session: error decoding session %s: %w", id, err)
	}
	return res, nil
}

func (s *Store) SaveSession(ctx context.Context, id string, sess *oauthrelay.Session) error {
	if sess.CreateTime.IsZero() {
		sess.CreateTime = time.Now()
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: error encoding session %s: %w", id, err)
	}
	if err := s.cache.Set(ctx, s.key(id), string(data), store.WithExpiration(s.ttl)); err != nil {
		return fmt.Errorf("session: error saving session %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.cache.Delete(ctx, s.key(id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("session: error deleting session %s: %w", id, err)
	}
	return nil
}

// loadOrNew returns the stored session or an empty one if none exists.
func (s *Store) loadOrNew(ctx context.Context, id string) (*oauthrelay.Session, error) {
	sess, err := s.LoadSession(ctx, id)
	if errors.Is(err, oauthrelay.ErrNotFound) {
		return &oauthrelay.Session{CreateTime: time.Now()}, nil
	}
	return sess, err
}

// SetState records state as the pending state of the session, replacing any
// earlier one.
func (s *Store) SetState(ctx context.Context, id, st string, expiry time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sess, err := s.loadOrNew(ctx, id)
	if err != nil {
		return err
	}
	sess.OAuthState = st
	sess.StateExpiry = expiry
	return s.SaveSession(ctx, id, sess)
}

// ConsumeState clears the pending state if it matches st and has not expired
// at now. A mismatch leaves the pending state in place; an expired state is
// cleared.
func (s *Store) ConsumeState(ctx context.Context, id, st string, now time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sess, err := s.LoadSession(ctx, id)
	if errors.Is(err, oauthrelay.ErrNotFound) {
		return fmt.Errorf("session: no pending state for session %s: %w", id, oauthrelay.ErrStateMismatch)
	}
	if err != nil {
		return err
	}
	if sess.OAuthState == "" {
		return fmt.Errorf("session: no pending state for session %s: %w", id, oauthrelay.ErrStateMismatch)
	}
	if !sess.StateExpiry.IsZero() && !now.Before(sess.StateExpiry) {
		sess.OAuthState = ""
		sess.StateExpiry = time.Time{}
		if err := s.SaveSession(ctx, id, sess); err != nil {
			return err
		}
		return fmt.Errorf("session: pending state for session %s: %w", id, oauthrelay.ErrStateExpired)
	}
	if !state.Equal(sess.OAuthState, st) {
		return fmt.Errorf("session: state for session %s: %w", id, oauthrelay.ErrStateMismatch)
	}
	sess.OAuthState = ""
	sess.StateExpiry = time.Time{}
	return s.SaveSession(ctx, id, sess)
}

// SetUser attaches a connected user to the session.
func (s *Store) SetUser(ctx context.Context, id, userID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sess, err := s.loadOrNew(ctx, id)
	if err != nil {
		return err
	}
	sess.UserID = userID
	return s.SaveSession(ctx, id, sess)
}
