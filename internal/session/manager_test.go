package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/storefront/internal/session"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManager(t *testing.T) (*session.Manager, *redis.Client, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := session.NewManager(session.NewStore(client), session.NewNotifier(client, nil), nil, session.Config{
		Secret:        "test-secret",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		ReuseInterval: 10 * time.Second,
	})
	m.SetClock(clk.Now)
	return m, client, clk
}

func issue(t *testing.T, m *session.Manager) (session.Resolution, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	res, err := m.Issue(context.Background(), rec, session.User{ID: "user-1", Email: "fan@example.com"})
	require.NoError(t, err)
	return res, rec.Result().Cookies()
}

func requestWith(cookies []*http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/account", nil)
	for _, c := range cookies {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestIssueAndResolve(t *testing.T) {
	m, _, _ := newManager(t)
	issued, cookies := issue(t, m)
	require.NotNil(t, cookieNamed(cookies, session.DefaultAccessCookie))
	require.NotNil(t, cookieNamed(cookies, session.DefaultRefreshCookie))

	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, requestWith(cookies))
	require.NoError(t, err)
	require.True(t, res.Authenticated())
	assert.Equal(t, "user-1", res.User.ID)
	assert.Equal(t, issued.SessionID, res.SessionID)
	assert.Empty(t, rec.Result().Cookies(), "valid access token must not rewrite cookies")
}

func TestResolveAnonymous(t *testing.T) {
	m, _, _ := newManager(t)
	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.False(t, res.Authenticated())
	assert.Empty(t, rec.Result().Cookies())
}

func TestResolveRefreshesExpiredAccessToken(t *testing.T) {
	m, _, clk := newManager(t)
	_, cookies := issue(t, m)
	clk.Advance(2 * time.Minute)

	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, requestWith(cookies))
	require.NoError(t, err)
	require.True(t, res.Authenticated())

	refreshed := rec.Result().Cookies()
	newRefresh := cookieNamed(refreshed, session.DefaultRefreshCookie)
	require.NotNil(t, newRefresh)
	assert.NotEqual(t, cookieNamed(cookies, session.DefaultRefreshCookie).Value, newRefresh.Value)
	require.NotNil(t, cookieNamed(refreshed, session.DefaultAccessCookie))

	// Refreshed cookies resolve without another rotation.
	rec = httptest.NewRecorder()
	res, err = m.Resolve(rec, requestWith(refreshed))
	require.NoError(t, err)
	assert.True(t, res.Authenticated())
	assert.Empty(t, rec.Result().Cookies())
}

func TestResolveToleratesConcurrentRotation(t *testing.T) {
	m, _, clk := newManager(t)
	_, cookies := issue(t, m)
	clk.Advance(2 * time.Minute)

	_, err := m.Resolve(httptest.NewRecorder(), requestWith(cookies))
	require.NoError(t, err)

	// A parallel request carrying the pre-rotation refresh token.
	clk.Advance(time.Second)
	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, requestWith(cookies))
	require.NoError(t, err)
	assert.True(t, res.Authenticated())
	got := rec.Result().Cookies()
	assert.NotNil(t, cookieNamed(got, session.DefaultAccessCookie))
	assert.Nil(t, cookieNamed(got, session.DefaultRefreshCookie))
}

// slowReads widens the window between reading a session and writing it back.
type slowReads struct{ delay time.Duration }

func (h slowReads) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h slowReads) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "get" {
			time.Sleep(h.delay)
		}
		return err
	}
}

func (h slowReads) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// jar applies Set-Cookie responses in order, the way a browser would.
func jar(base []*http.Cookie, responses ...*httptest.ResponseRecorder) []*http.Cookie {
	byName := make(map[string]*http.Cookie)
	var order []string
	set := func(c *http.Cookie) {
		if _, ok := byName[c.Name]; !ok {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}
	for _, c := range base {
		set(c)
	}
	for _, rec := range responses {
		for _, c := range rec.Result().Cookies() {
			set(c)
		}
	}
	out := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

func TestResolveParallelRefreshRotatesOnce(t *testing.T) {
	m, client, clk := newManager(t)
	issued, cookies := issue(t, m)
	client.AddHook(slowReads{delay: 30 * time.Millisecond})
	clk.Advance(2 * time.Minute)

	var (
		wg      sync.WaitGroup
		recs    = []*httptest.ResponseRecorder{httptest.NewRecorder(), httptest.NewRecorder()}
		results = make([]session.Resolution, len(recs))
		errs    = make([]error, len(recs))
	)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Resolve(recs[i], requestWith(cookies))
		}(i)
	}
	wg.Wait()

	rotated := 0
	for i, rec := range recs {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Authenticated(), "request %d", i)
		got := rec.Result().Cookies()
		assert.NotNil(t, cookieNamed(got, session.DefaultAccessCookie), "request %d", i)
		if cookieNamed(got, session.DefaultRefreshCookie) != nil {
			rotated++
		}
	}
	assert.Equal(t, 1, rotated, "exactly one request may rotate the refresh token")

	// Whichever response the browser applies last, it keeps the winner's
	// refresh token, and that token survives past the reuse interval.
	forward := cookieNamed(jar(cookies, recs[0], recs[1]), session.DefaultRefreshCookie)
	backward := cookieNamed(jar(cookies, recs[1], recs[0]), session.DefaultRefreshCookie)
	require.Equal(t, forward.Value, backward.Value)
	assert.NotEqual(t, cookieNamed(cookies, session.DefaultRefreshCookie).Value, forward.Value)

	clk.Advance(2 * time.Minute)
	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, requestWith(jar(cookies, recs[1], recs[0])))
	require.NoError(t, err)
	assert.True(t, res.Authenticated())
	assert.Equal(t, issued.SessionID, res.SessionID)
	assert.NotNil(t, cookieNamed(rec.Result().Cookies(), session.DefaultRefreshCookie))
}

func TestCompareAndSaveRejectsStaleHash(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := session.NewStore(client)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := &session.Session{ID: "sid-1", User: session.User{ID: "user-1"}, RefreshHash: "h1", RotatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Save(ctx, sess, now))

	next := *sess
	next.PrevHash, next.RefreshHash = "h1", "h2"
	require.NoError(t, store.CompareAndSave(ctx, &next, "h1", now))

	stale := *sess
	stale.PrevHash, stale.RefreshHash = "h1", "h3"
	assert.ErrorIs(t, store.CompareAndSave(ctx, &stale, "h1", now), session.ErrRotationConflict)

	got, err := store.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.RefreshHash)

	missing := *sess
	missing.ID = "sid-2"
	assert.ErrorIs(t, store.CompareAndSave(ctx, &missing, "h1", now), session.ErrSessionNotFound)
}

func TestResolveRevokesOnRefreshReuse(t *testing.T) {
	m, _, clk := newManager(t)
	issued, cookies := issue(t, m)
	clk.Advance(2 * time.Minute)

	rec := httptest.NewRecorder()
	_, err := m.Resolve(rec, requestWith(cookies))
	require.NoError(t, err)
	rotated := rec.Result().Cookies()

	clk.Advance(time.Minute)
	res, err := m.Resolve(httptest.NewRecorder(), requestWith(cookies))
	require.NoError(t, err)
	assert.False(t, res.Authenticated())

	user, err := m.Lookup(context.Background(), issued.SessionID)
	require.NoError(t, err)
	assert.Nil(t, user, "reuse must revoke the whole session")

	res, err = m.Resolve(httptest.NewRecorder(), requestWith(rotated))
	require.NoError(t, err)
	assert.False(t, res.Authenticated())
}

func TestResolveExpiredSession(t *testing.T) {
	m, _, clk := newManager(t)
	_, cookies := issue(t, m)
	clk.Advance(2 * time.Hour)

	rec := httptest.NewRecorder()
	res, err := m.Resolve(rec, requestWith(cookies))
	require.NoError(t, err)
	assert.False(t, res.Authenticated())
	cleared := cookieNamed(rec.Result().Cookies(), session.DefaultRefreshCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestRevoke(t *testing.T) {
	m, _, _ := newManager(t)
	issued, cookies := issue(t, m)

	rec := httptest.NewRecorder()
	sessionID, err := m.Revoke(context.Background(), rec, requestWith(cookies))
	require.NoError(t, err)
	assert.Equal(t, issued.SessionID, sessionID)

	res, err := m.Resolve(httptest.NewRecorder(), requestWith(cookies))
	require.NoError(t, err)
	assert.False(t, res.Authenticated())
}

func TestCurrentUserPrefersContext(t *testing.T) {
	m, _, _ := newManager(t)
	stored := session.Resolution{User: &session.User{ID: "from-context"}, SessionID: "sid"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(session.NewContext(req.Context(), stored))

	res, err := m.CurrentUser(httptest.NewRecorder(), req)
	require.NoError(t, err)
	assert.Equal(t, "from-context", res.User.ID)
}

func TestRefreshPublishesEvent(t *testing.T) {
	m, _, clk := newManager(t)
	issued, cookies := issue(t, m)

	sub, err := m.Subscribe(context.Background(), issued.SessionID)
	require.NoError(t, err)
	defer sub.Close()

	clk.Advance(2 * time.Minute)
	_, err = m.Resolve(httptest.NewRecorder(), requestWith(cookies))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, session.EventTokenRefreshed, ev.Type)
		assert.Equal(t, "user-1", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected refresh notification")
	}
}
