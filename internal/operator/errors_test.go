package operator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleAdminError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
		{"forbidden", ErrForbidden, http.StatusForbidden, "Forbidden"},
		{"wrapped forbidden", fmt.Errorf("admin page: %w", ErrForbidden), http.StatusForbidden, "Forbidden"},
		{"internal", Internal(errors.New("connection refused")), http.StatusInternalServerError, "connection refused"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "boom"},
		{"nil", nil, http.StatusInternalServerError, genericMessage},
		{"internal without cause", &Error{Kind: KindInternal}, http.StatusInternalServerError, genericMessage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleAdminError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, map[string]string{"error": tc.body}, decodeError(t, rec))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	internal := Internal(errors.New("db down"))
	assert.True(t, errors.Is(&Error{Kind: KindForbidden}, ErrForbidden))
	assert.False(t, errors.Is(ErrForbidden, ErrUnauthorized))
	assert.False(t, errors.Is(internal, ErrForbidden))
	assert.Equal(t, KindInternal, KindOf(internal))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.Equal(t, KindUnauthorized, KindOf(fmt.Errorf("wrap: %w", ErrUnauthorized)))
	assert.Equal(t, "db down", errors.Unwrap(internal).Error())
}

func TestRecover(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		status int
		body   string
	}{
		{"error value", errors.New("nil map write"), http.StatusInternalServerError, "nil map write"},
		{"forbidden value", ErrForbidden, http.StatusForbidden, "Forbidden"},
		{"non-error value", 42, http.StatusInternalServerError, genericMessage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := Recover(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tc.value)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newRequest(http.MethodGet, "/api/admin/me"))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body, decodeError(t, rec)["error"])
		})
	}
}
