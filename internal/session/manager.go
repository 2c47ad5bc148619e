package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultAccessCookie holds the signed access token.
	DefaultAccessCookie = "sf_access"
	// DefaultRefreshCookie holds the opaque refresh token.
	DefaultRefreshCookie = "sf_refresh"
)

// Config tunes token lifetimes and cookie attributes.
type Config struct {
	Secret        string
	AccessCookie  string
	RefreshCookie string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// ReuseInterval is how long a just-rotated refresh secret stays usable,
	// so parallel requests racing the same rotation are not logged out.
	ReuseInterval time.Duration
	Secure        bool
}

// Manager issues, resolves, refreshes and revokes sessions.
type Manager struct {
	store    *Store
	notifier *Notifier
	logger   *slog.Logger
	cfg      Config
	secret   []byte
	now      func() time.Time
}

// NewManager constructs a Manager. notifier may be nil.
func NewManager(store *Store, notifier *Notifier, logger *slog.Logger, cfg Config) *Manager {
	if cfg.AccessCookie == "" {
		cfg.AccessCookie = DefaultAccessCookie
	}
	if cfg.RefreshCookie == "" {
		cfg.RefreshCookie = DefaultRefreshCookie
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 720 * time.Hour
	}
	if cfg.ReuseInterval < 0 {
		cfg.ReuseInterval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessCookieName returns the access token cookie name.
func (m *Manager) AccessCookieName() string {
	return m.cfg.AccessCookie
}

// RefreshCookieName returns the refresh token cookie name.
func (m *Manager) RefreshCookieName() string {
	return m.cfg.RefreshCookie
}

// RefreshTTL returns how long a session lives without activity.
func (m *Manager) RefreshTTL() time.Duration {
	return m.cfg.RefreshTTL
}

// CurrentUser returns the resolution the edge gate already stored for this
// request, resolving from cookies only when none is present.
func (m *Manager) CurrentUser(w http.ResponseWriter, r *http.Request) (Resolution, error) {
	if res, ok := FromContext(r.Context()); ok {
		return res, nil
	}
	return m.Resolve(w, r)
}

// Resolve validates the access token and falls back to the refresh token.
// Refreshing writes new cookies on w. Missing, expired or revoked sessions
// resolve to an anonymous Resolution with a nil error; errors are reserved
// for store failures.
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (Resolution, error) {
	ctx := r.Context()
	now := m.now()

	if c, err := r.Cookie(m.cfg.AccessCookie); err == nil && c.Value != "" {
		claims, err := parseAccessToken(m.secret, c.Value, now)
		if err == nil {
			sess, err := m.store.Get(ctx, claims.SessionID)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					m.clearCookies(w)
					return Resolution{}, nil
				}
				return Resolution{}, fmt.Errorf("session: load: %w", err)
			}
			return Resolution{User: &sess.User, SessionID: sess.ID}, nil
		}
	}

	c, err := r.Cookie(m.cfg.RefreshCookie)
	if err != nil || c.Value == "" {
		return Resolution{}, nil
	}
	sessionID, secret, ok := decodeRefreshToken(c.Value)
	if !ok {
		m.clearCookies(w)
		return Resolution{}, nil
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			m.clearCookies(w)
			return Resolution{}, nil
		}
		return Resolution{}, fmt.Errorf("session: load: %w", err)
	}
	if !sess.ExpiresAt.After(now) {
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			m.logger.Warn("delete expired session", slog.String("session_id", sess.ID), slog.Any("error", err))
		}
		m.clearCookies(w)
		return Resolution{}, nil
	}

	switch {
	case verifyRefreshSecret(secret, sess.RefreshHash):
		err := m.rotate(ctx, w, sess, now)
		if errors.Is(err, ErrRotationConflict) || errors.Is(err, ErrSessionNotFound) {
			return m.resolveLostRotation(ctx, w, sessionID, secret, now)
		}
		if err != nil {
			return Resolution{}, err
		}
	case verifyRefreshSecret(secret, sess.PrevHash) && now.Sub(sess.RotatedAt) <= m.cfg.ReuseInterval:
		// Lost a race with a concurrent rotation: mint an access token only.
		if err := m.setAccessCookie(w, sess, now); err != nil {
			return Resolution{}, err
		}
	default:
		m.logger.Warn("refresh token reuse detected", slog.String("session_id", sess.ID), slog.String("user_id", sess.User.ID))
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			return Resolution{}, fmt.Errorf("session: revoke reused: %w", err)
		}
		m.clearCookies(w)
		m.publish(ctx, EventSignedOut, sess)
		return Resolution{}, nil
	}
	return Resolution{User: &sess.User, SessionID: sess.ID}, nil
}

// Issue starts a new session for the user and writes both cookies.
func (m *Manager) Issue(ctx context.Context, w http.ResponseWriter, user User) (Resolution, error) {
	now := m.now()
	secret, err := newRefreshSecret()
	if err != nil {
		return Resolution{}, fmt.Errorf("session: refresh secret: %w", err)
	}
	sess := &Session{
		ID:          uuid.NewString(),
		User:        user,
		RefreshHash: hashRefreshSecret(secret),
		RotatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.RefreshTTL),
	}
	if err := m.store.Save(ctx, sess, now); err != nil {
		return Resolution{}, fmt.Errorf("session: save: %w", err)
	}
	if err := m.setAccessCookie(w, sess, now); err != nil {
		return Resolution{}, err
	}
	m.setRefreshCookie(w, sess, secret)
	m.publish(ctx, EventSignedIn, sess)
	return Resolution{User: &sess.User, SessionID: sess.ID}, nil
}

// Revoke ends the request's session, if any, and clears the cookies.
func (m *Manager) Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	sessionID := m.sessionIDFromRequest(r)
	m.clearCookies(w)
	if sessionID == "" {
		return "", nil
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return sessionID, fmt.Errorf("session: load: %w", err)
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return sessionID, fmt.Errorf("session: delete: %w", err)
	}
	if sess != nil {
		m.publish(ctx, EventSignedOut, sess)
	}
	return sessionID, nil
}

// Lookup returns the user bound to a session id, or nil when it is gone.
func (m *Manager) Lookup(ctx context.Context, sessionID string) (*User, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	return &sess.User, nil
}

// Subscribe listens for change notifications on a session.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if m.notifier == nil {
		return nil, errors.New("session: notifications not configured")
	}
	return m.notifier.Subscribe(ctx, sessionID)
}

func (m *Manager) rotate(ctx context.Context, w http.ResponseWriter, sess *Session, now time.Time) error {
	secret, err := newRefreshSecret()
	if err != nil {
		return fmt.Errorf("session: refresh secret: %w", err)
	}
	expect := sess.RefreshHash
	sess.PrevHash = sess.RefreshHash
	sess.RefreshHash = hashRefreshSecret(secret)
	sess.RotatedAt = now
	sess.ExpiresAt = now.Add(m.cfg.RefreshTTL)
	if err := m.store.CompareAndSave(ctx, sess, expect, now); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	if err := m.setAccessCookie(w, sess, now); err != nil {
		return err
	}
	m.setRefreshCookie(w, sess, secret)
	m.publish(ctx, EventTokenRefreshed, sess)
	return nil
}

// resolveLostRotation reloads a session that a concurrent request rotated
// first. The caller's secret is now the previous one, so it earns an access
// token but no new refresh token.
func (m *Manager) resolveLostRotation(ctx context.Context, w http.ResponseWriter, sessionID, secret string, now time.Time) (Resolution, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			m.clearCookies(w)
			return Resolution{}, nil
		}
		return Resolution{}, fmt.Errorf("session: load: %w", err)
	}
	if !verifyRefreshSecret(secret, sess.PrevHash) && !verifyRefreshSecret(secret, sess.RefreshHash) {
		// Rotated more than once while this request was in flight.
		return Resolution{}, nil
	}
	if err := m.setAccessCookie(w, sess, now); err != nil {
		return Resolution{}, err
	}
	return Resolution{User: &sess.User, SessionID: sess.ID}, nil
}

func (m *Manager) sessionIDFromRequest(r *http.Request) string {
	if res, ok := FromContext(r.Context()); ok && res.SessionID != "" {
		return res.SessionID
	}
	if c, err := r.Cookie(m.cfg.AccessCookie); err == nil && c.Value != "" {
		// Expired tokens still identify the session to revoke.
		if claims, err := parseAccessToken(m.secret, c.Value, time.Time{}); err == nil {
			return claims.SessionID
		}
	}
	if c, err := r.Cookie(m.cfg.RefreshCookie); err == nil {
		if sessionID, _, ok := decodeRefreshToken(c.Value); ok {
			return sessionID
		}
	}
	return ""
}

func (m *Manager) setAccessCookie(w http.ResponseWriter, sess *Session, now time.Time) error {
	token, expiresAt, err := signAccessToken(m.secret, sess, m.cfg.AccessTTL, now)
	if err != nil {
		return err
	}
	http.SetCookie(w, m.cookie(m.cfg.AccessCookie, token, expiresAt))
	return nil
}

func (m *Manager) setRefreshCookie(w http.ResponseWriter, sess *Session, secret string) {
	http.SetCookie(w, m.cookie(m.cfg.RefreshCookie, encodeRefreshToken(sess.ID, secret), sess.ExpiresAt))
}

func (m *Manager) clearCookies(w http.ResponseWriter) {
	for _, name := range []string{m.cfg.AccessCookie, m.cfg.RefreshCookie} {
		c := m.cookie(name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (m *Manager) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Manager) publish(ctx context.Context, typ EventType, sess *Session) {
	if m.notifier == nil {
		return
	}
	ev := Event{Type: typ, SessionID: sess.ID, UserID: sess.User.ID, At: m.now()}
	if err := m.notifier.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish session event", slog.String("type", string(typ)), slog.Any("error", err))
	}
}
