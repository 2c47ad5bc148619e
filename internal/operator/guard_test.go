package operator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireOperatorNoSession(t *testing.T) {
	g := NewGuard(fakeResolver{}, newFakeDirectory(), nil)
	oc, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	assert.Nil(t, oc)
	require.ErrorIs(t, err, ErrUnauthorized)

	rec := httptest.NewRecorder()
	HandleAdminError(rec, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
}

func TestRequireOperatorResolveFailure(t *testing.T) {
	g := NewGuard(fakeResolver{err: errors.New("redis down")}, newFakeDirectory(), nil)
	_, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	assert.Equal(t, KindUnauthorized, KindOf(err))
}

func TestRequireOperatorNotAnOperator(t *testing.T) {
	g := NewGuard(signedIn("fan"), newFakeDirectory(), nil)
	_, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	require.ErrorIs(t, err, ErrForbidden)

	rec := httptest.NewRecorder()
	HandleAdminError(rec, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())
}

func TestRequireOperatorLookupFailure(t *testing.T) {
	dir := newFakeDirectory()
	dir.findErr = errors.New("too many connections")
	g := NewGuard(signedIn("fan"), dir, nil)
	_, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	assert.Equal(t, KindInternal, KindOf(err))

	rec := httptest.NewRecorder()
	HandleAdminError(rec, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"too many connections"}`, rec.Body.String())
}

func TestRequireOperatorSuccess(t *testing.T) {
	op := Operator{ID: "op-1", UserID: "staff", Role: RoleAdmin}
	dir := newFakeDirectory(op)
	g := NewGuard(signedIn("staff"), dir, nil)
	oc, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	require.NoError(t, err)
	assert.Equal(t, "staff", oc.User.ID)
	assert.Equal(t, op, oc.Operator)
	assert.NotNil(t, oc.Store)
	assert.Equal(t, []string{"staff"}, dir.actors, "store must be scoped to the caller")
}

func TestRequireOperatorSeesRevocationImmediately(t *testing.T) {
	dir := newFakeDirectory(Operator{ID: "op-1", UserID: "staff", Role: RoleAdmin})
	g := NewGuard(signedIn("staff"), dir, nil)
	_, err := g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	require.NoError(t, err)

	delete(dir.byUser, "staff")
	_, err = g.RequireOperator(httptest.NewRecorder(), newRequest(http.MethodGet, "/api/admin/me"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestContextRequireRole(t *testing.T) {
	oc := &Context{Operator: Operator{Role: RoleAdmin}}
	assert.ErrorIs(t, oc.RequireRole(RoleSuperAdmin), ErrForbidden)
	assert.NoError(t, oc.RequireRole(RoleAdmin, RoleSuperAdmin))
}

func TestGuardMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	dir := newFakeDirectory(Operator{ID: "op-1", UserID: "staff", Role: RoleAdmin})

	rec := httptest.NewRecorder()
	NewGuard(signedIn("staff"), dir, nil).Middleware(next).ServeHTTP(rec, newRequest(http.MethodGet, "/jobs/health"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	NewGuard(signedIn("fan"), dir, nil).Middleware(next).ServeHTTP(rec, newRequest(http.MethodGet, "/jobs/health"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	NewGuard(fakeResolver{}, dir, nil).Middleware(next).ServeHTTP(rec, newRequest(http.MethodGet, "/jobs/health"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
