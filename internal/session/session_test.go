package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/client"
	"accounts-service/internal/config"
	rediscache "accounts-service/internal/repository/redis"
	"accounts-service/internal/repository/sqlite"
)

const ttl = 30 * 24 * time.Hour

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestIssueAndLookup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	issuer := NewIssuer(newStore(t), ttl, WithClock(func() time.Time { return now }))

	sess, err := issuer.Issue(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, sess.Token, 64)
	assert.Equal(t, now.Add(ttl), sess.ExpiresAt)

	other, err := issuer.Issue(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.Token, other.Token)

	got, err := issuer.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	_, err = issuer.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = issuer.Lookup(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestExpiredSessionIsDeleted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	issuer := NewIssuer(store, time.Hour, WithClock(func() time.Time { return now }))

	sess, err := issuer.Issue(ctx, "user-1")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = issuer.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = store.FindSession(ctx, sess.Token)
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newStore(t), ttl)

	sess, err := issuer.Issue(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, issuer.Revoke(ctx, sess.Token))

	_, err = issuer.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, issuer.Revoke(ctx, sess.Token))
	require.NoError(t, issuer.Revoke(ctx, ""))
}

func TestCacheIsWrittenThroughAndEvicted(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	cache := rediscache.NewSessionCache(client.NewRedisClientFrom(rdb))

	store := newStore(t)
	issuer := NewIssuer(store, ttl, WithCache(cache))

	sess, err := issuer.Issue(ctx, "user-1")
	require.NoError(t, err)

	cached, err := cache.FindSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", cached.UserID)

	require.NoError(t, issuer.Revoke(ctx, sess.Token))
	_, err = cache.FindSession(ctx, sess.Token)
	assert.Error(t, err)
	_, err = issuer.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLookupRepopulatesCache(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	cache := rediscache.NewSessionCache(client.NewRedisClientFrom(rdb))

	store := newStore(t)
	sess, err := NewIssuer(store, ttl).Issue(ctx, "user-2")
	require.NoError(t, err)

	issuer := NewIssuer(store, ttl, WithCache(cache))
	_, err = issuer.Lookup(ctx, sess.Token)
	require.NoError(t, err)

	cached, err := cache.FindSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", cached.UserID)
}

func TestCookieWriter(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	cfg.Session = config.SessionConfig{TTL: ttl, CookieName: "ac.session-token", CookieDomain: ".example.com"}
	cw := NewCookieWriter(cfg)
	assert.Equal(t, "__Secure-ac.session-token", cw.Name())

	rec := httptest.NewRecorder()
	cw.Set(rec, "tok")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "tok", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, int(ttl.Seconds()), c.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cw.Name(), Value: "tok"})
	assert.Equal(t, "tok", cw.Token(req))
	assert.Empty(t, cw.Token(httptest.NewRequest(http.MethodGet, "/", nil)))

	rec = httptest.NewRecorder()
	cw.Clear(rec)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Less(t, cleared[0].MaxAge, 0)
}
