package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "sid", "secret", time.Hour, false), mr
}

func TestSessionRoundTripCarriesIdentity(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	_, ok := sess.Identity()
	assert.False(t, ok)

	sess.SetUser(5, 1)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, nil, sess))
	require.NotEmpty(t, sess.ID)
	assert.True(t, mr.Exists("session:"+sess.ID))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])

	loaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	id, ok := loaded.Identity()
	require.True(t, ok)
	assert.Equal(t, Identity{UserID: 5, TenantID: 1}, id)

	got, ok := IdentityFromContext(ContextWithSession(ctx, loaded))
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestCommitSkipsCleanAnonymousSessions(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	ctx := context.Background()
	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, nil, sess))
	assert.Empty(t, rec.Result().Cookies())
	assert.Empty(t, mr.Keys())
}

func TestDestroyRemovesSession(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	ctx := context.Background()
	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(5, 1)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), nil, sess))

	sm.Destroy(sess)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, nil, sess))
	assert.False(t, mr.Exists("session:"+sess.ID))
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestIdentityRejectsMalformedIDs(t *testing.T) {
	var nilSession *Session
	_, ok := nilSession.Identity()
	assert.False(t, ok)

	_, ok = (&Session{userID: "5", tenantID: "abc"}).Identity()
	assert.False(t, ok)
	_, ok = (&Session{userID: "0", tenantID: "1"}).Identity()
	assert.False(t, ok)
	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}

func TestCSRFTokenLifecycle(t *testing.T) {
	m := NewCSRFManager("csrf")
	ctx := context.Background()
	sess := &Session{ID: "abc"}

	require.ErrorIs(t, m.VerifyToken(ctx, sess, "anything"), ErrCSRFTokenMissing)

	token, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	again, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, m.VerifyToken(ctx, sess, token))
	require.ErrorIs(t, m.VerifyToken(ctx, sess, token+"x"), ErrCSRFTokenMismatch)
	require.ErrorIs(t, m.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
	require.ErrorIs(t, m.VerifyToken(ctx, nil, token), ErrCSRFTokenMissing)
}

func TestCoreScopesGroupByResource(t *testing.T) {
	grouped := ScopeActions()
	assert.Equal(t, []string{ActionView, ActionApprove, ActionEdit}, grouped[ResourceAccessOverrides])
	assert.Len(t, grouped, 4)
}
