package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cardvault/storefront/internal/auth"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
	_ "github.com/cardvault/storefront/testing"
)

type stubRepo struct {
	mu       sync.Mutex
	user     *auth.User
	sessions map[string]string
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func confirmedUser(t *testing.T) *auth.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	confirmed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &auth.User{ID: "7d3c2f2e-1111-4c55-8e0e-0a8b1c2d3e4f", Email: "fan@test.local", PasswordHash: string(hashed), EmailConfirmedAt: &confirmed, IsActive: true}
}

func newAuthServer(t *testing.T, repo *stubRepo) (http.Handler, *session.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	sessions := session.NewManager(session.NewStore(redisClient), session.NewNotifier(redisClient, nil), nil, session.Config{Secret: "secret"})
	templates, err := view.NewEngine()
	require.NoError(t, err)
	handler := auth.NewHandler(nil, auth.NewService(repo), templates, sessions, shared.NewCSRFManager("csrfsecret", false), 0)

	r := chi.NewRouter()
	handler.MountRoutes(r)
	r.Route("/api/auth", handler.MountAPIRoutes)
	return r, sessions
}

func postLogin(srv http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestLoginPage(t *testing.T) {
	srv, _ := newAuthServer(t, &stubRepo{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?redirect=%2Faccount", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<form")
	assert.Contains(t, body, `name="redirect" value="/account"`)
	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == shared.CSRFCookieName {
			csrf = c
		}
	}
	assert.NotNil(t, csrf, "login page must issue the csrf nonce")
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, _ := newAuthServer(t, &stubRepo{user: confirmedUser(t)})
	rec := postLogin(srv, url.Values{"email": {"fan@test.local"}, "password": {"wrongpass"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid email or password")
}

func TestLoginValidationErrors(t *testing.T) {
	srv, _ := newAuthServer(t, &stubRepo{})
	rec := postLogin(srv, url.Values{"email": {"not-an-email"}, "password": {"short"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Enter a valid email address")
	assert.Contains(t, rec.Body.String(), "Must be at least 8 characters")
}

func TestLoginUnconfirmedEmail(t *testing.T) {
	user := confirmedUser(t)
	user.EmailConfirmedAt = nil
	srv, _ := newAuthServer(t, &stubRepo{user: user})
	rec := postLogin(srv, url.Values{"email": {"fan@test.local"}, "password": {"correctpass"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "confirm your email")
	for _, c := range rec.Result().Cookies() {
		assert.NotEqual(t, session.DefaultAccessCookie, c.Name)
	}
}

func TestLoginSuccessRedirectsAndIssuesSession(t *testing.T) {
	repo := &stubRepo{user: confirmedUser(t)}
	srv, _ := newAuthServer(t, repo)
	rec := postLogin(srv, url.Values{"email": {"FAN@test.local"}, "password": {"correctpass"}, "redirect": {"/account?tab=cards"}})

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/account?tab=cards", rec.Header().Get("Location"))
	names := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		names[c.Name] = true
		assert.True(t, c.HttpOnly)
	}
	assert.True(t, names[session.DefaultAccessCookie])
	assert.True(t, names[session.DefaultRefreshCookie])
	assert.Len(t, repo.sessions, 1)
}

func TestLoginRejectsOpenRedirect(t *testing.T) {
	srv, _ := newAuthServer(t, &stubRepo{user: confirmedUser(t)})
	rec := postLogin(srv, url.Values{"email": {"fan@test.local"}, "password": {"correctpass"}, "redirect": {"//evil.example.com"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestSessionEndpointAndLogout(t *testing.T) {
	repo := &stubRepo{user: confirmedUser(t)}
	srv, _ := newAuthServer(t, repo)
	login := postLogin(srv, url.Values{"email": {"fan@test.local"}, "password": {"correctpass"}})
	require.Equal(t, http.StatusSeeOther, login.Code)
	cookies := login.Result().Cookies()

	get := func() map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		for _, c := range cookies {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}
	body := get()
	require.NotNil(t, body["user"])
	assert.Equal(t, "fan@test.local", body["user"].(map[string]any)["email"])

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Empty(t, repo.sessions)

	assert.Nil(t, get()["user"])
}

func TestSanitizeRedirect(t *testing.T) {
	tests := map[string]string{
		"":                       "/",
		"/account":               "/account",
		"/checkout?step=2":       "/checkout?step=2",
		"https://evil.example":   "/",
		"//evil.example":         "/",
		`/\evil.example`:         "/",
		"account":                "/",
		"/login":                 "/",
		"/login?redirect=/admin": "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, auth.SanitizeRedirect(in), in)
	}
}
