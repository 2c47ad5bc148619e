package operator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cardvault/storefront/internal/session"
)

// UserResolver yields the request's session resolution.
type UserResolver interface {
	CurrentUser(w http.ResponseWriter, r *http.Request) (session.Resolution, error)
}

// Store performs operator data-store operations on behalf of one caller.
type Store interface {
	ListOperators(ctx context.Context, filter ListFilter) ([]Operator, error)
	GrantOperator(ctx context.Context, userID string, role Role) (Operator, error)
	RevokeOperator(ctx context.Context, id string) (Operator, error)
}

// Directory finds operators and hands out caller-scoped stores.
type Directory interface {
	FindByUserID(ctx context.Context, userID string) (Operator, error)
	As(actorID string) Store
}

// Context is the authorized caller handed to guarded handlers.
type Context struct {
	User     session.User
	Operator Operator
	Store    Store
}

// RequireRole fails with ErrForbidden unless the operator holds one of roles.
func (c *Context) RequireRole(roles ...Role) error {
	for _, role := range roles {
		if c.Operator.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

// Guard asserts that the caller is an authenticated operator.
type Guard struct {
	sessions  UserResolver
	directory Directory
	logger    *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(sessions UserResolver, directory Directory, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{sessions: sessions, directory: directory, logger: logger}
}

// RequireOperator resolves the session and the operator row on every call.
// Failures are *Error values classified Unauthorized, Forbidden or Internal.
func (g *Guard) RequireOperator(w http.ResponseWriter, r *http.Request) (*Context, error) {
	res, err := g.sessions.CurrentUser(w, r)
	if err != nil {
		g.logger.Warn("guard resolve session", slog.String("path", r.URL.Path), slog.Any("error", err))
		return nil, ErrUnauthorized
	}
	if !res.Authenticated() {
		return nil, ErrUnauthorized
	}
	op, err := g.directory.FindByUserID(r.Context(), res.User.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, Internal(err)
	}
	return &Context{
		User:     *res.User,
		Operator: op,
		Store:    g.directory.As(res.User.ID),
	}, nil
}

// Middleware runs RequireOperator before next and answers failures as JSON.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := g.RequireOperator(w, r); err != nil {
			HandleAdminError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
