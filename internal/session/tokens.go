package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type accessClaims struct {
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	SessionID        string     `json:"sid"`
	jwt.RegisteredClaims
}

func signAccessToken(secret []byte, sess *Session, ttl time.Duration, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(ttl)
	claims := accessClaims{
		Email:            sess.User.Email,
		EmailConfirmedAt: sess.User.EmailConfirmedAt,
		SessionID:        sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.User.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func parseAccessToken(secret []byte, raw string, now time.Time) (*accessClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &accessClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("session: invalid access token")
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, errors.New("session: access token missing subject")
	}
	return claims, nil
}

func newRefreshSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashRefreshSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func verifyRefreshSecret(secret, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashRefreshSecret(secret)), []byte(hash)) == 1
}

// refresh cookies carry "<session id>.<secret>".
func encodeRefreshToken(sessionID, secret string) string {
	return sessionID + "." + secret
}

func decodeRefreshToken(raw string) (sessionID, secret string, ok bool) {
	sessionID, secret, ok = strings.Cut(raw, ".")
	if !ok || sessionID == "" || secret == "" {
		return "", "", false
	}
	return sessionID, secret, true
}
