package shared

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"
)

const (
	// CSRFCookieName holds the random nonce the form token is derived from.
	CSRFCookieName = "sf_csrf"
	// CSRFFormField is the form field name carrying the CSRF token.
	CSRFFormField = "csrf_token"
	// CSRFHeader is the header alternative to CSRFFormField.
	CSRFHeader = "X-CSRF-Token"
)

// CSRFManager issues and verifies double-submit CSRF tokens. The token is an
// HMAC of a per-browser nonce cookie, so it works before any login session exists.
type CSRFManager struct {
	secret []byte
	secure bool
}

// NewCSRFManager returns a CSRFManager using the provided secret key.
func NewCSRFManager(secret string, secure bool) *CSRFManager {
	return &CSRFManager{secret: []byte(secret), secure: secure}
}

// EnsureToken returns the token for the request's nonce cookie, setting a
// new nonce cookie on w when the request has none.
func (m *CSRFManager) EnsureToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(CSRFCookieName); err == nil && c.Value != "" {
		return m.sign(c.Value)
	}
	nonce := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    nonce,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return m.sign(nonce)
}

// VerifyToken compares the supplied token with the one derived from the nonce cookie.
func (m *CSRFManager) VerifyToken(r *http.Request, token string) error {
	c, err := r.Cookie(CSRFCookieName)
	if err != nil || c.Value == "" {
		return ErrCSRFTokenMissing
	}
	if token == "" {
		return ErrCSRFTokenMissing
	}
	if !hmac.Equal([]byte(m.sign(c.Value)), []byte(token)) {
		return ErrCSRFTokenMismatch
	}
	return nil
}

func (m *CSRFManager) sign(nonce string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
