// Package account serves the signed-in visitor's own account views.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/platform/httpx"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
)

// Resolver yields the request's session resolution.
type Resolver interface {
	CurrentUser(w http.ResponseWriter, r *http.Request) (session.Resolution, error)
}

// OperatorFinder looks up a user's operator row.
type OperatorFinder interface {
	FindByUserID(ctx context.Context, userID string) (operator.Operator, error)
}

// Handler serves /account and /api/account.
type Handler struct {
	logger    *slog.Logger
	sessions  Resolver
	operators OperatorFinder
	templates *view.Engine
	csrf      *shared.CSRFManager
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, sessions Resolver, operators OperatorFinder, templates *view.Engine, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, sessions: sessions, operators: operators, templates: templates, csrf: csrf}
}

// MountRoutes registers the account page.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.page)
}

// MountAPIRoutes registers the account JSON endpoint.
func (h *Handler) MountAPIRoutes(r chi.Router) {
	r.Get("/", h.api)
}

type accountPageData struct {
	ConfirmedAt time.Time
	Role        operator.Role
}

type accountResponse struct {
	User       session.User  `json:"user"`
	IsOperator bool          `json:"is_operator"`
	Role       operator.Role `json:"role,omitempty"`
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.CurrentUser(w, r)
	if err != nil || !res.Authenticated() {
		http.Redirect(w, r, "/login?"+url.Values{"redirect": {r.URL.Path}}.Encode(), http.StatusFound)
		return
	}
	role, err := h.role(r.Context(), res.User.ID)
	if err != nil {
		h.logger.Error("account operator lookup", slog.String("user_id", res.User.ID), slog.Any("error", err))
	}
	data := accountPageData{Role: role}
	if res.User.EmailConfirmedAt != nil {
		data.ConfirmedAt = *res.User.EmailConfirmedAt
	}
	viewData := view.TemplateData{
		Title:       "Your account",
		CSRFToken:   h.csrf.EnsureToken(w, r),
		CurrentPath: r.URL.Path,
		User:        res.User,
		Data:        data,
	}
	if err := h.templates.Render(w, "pages/account.html", viewData); err != nil {
		h.logger.Error("render account", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) api(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.CurrentUser(w, r)
	if err != nil || !res.Authenticated() {
		httpx.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	role, err := h.role(r.Context(), res.User.ID)
	if err != nil {
		h.logger.Error("account operator lookup", slog.String("user_id", res.User.ID), slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, accountResponse{User: *res.User, IsOperator: role != "", Role: role})
}

func (h *Handler) role(ctx context.Context, userID string) (operator.Role, error) {
	op, err := h.operators.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, operator.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return op.Role, nil
}
