package operator

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cardvault/storefront/internal/platform/httpx"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/view"
)

// Handler serves the admin REST surface. Every endpoint runs the guard first.
type Handler struct {
	logger    *slog.Logger
	guard     *Guard
	templates *view.Engine
	validator *validator.Validate
}

// NewHandler constructs a Handler. templates may be nil when only the JSON
// routes are mounted.
func NewHandler(logger *slog.Logger, guard *Guard, templates *view.Engine) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, guard: guard, templates: templates, validator: validator.New()}
}

// MountRoutes registers admin API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(Recover(h.logger))
	r.Get("/me", h.me)
	r.Get("/operators", h.listOperators)
	r.Post("/operators", h.grantOperator)
	r.Delete("/operators/{id}", h.revokeOperator)
}

type meResponse struct {
	User     session.User `json:"user"`
	Operator Operator     `json:"operator"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	oc, err := h.guard.RequireOperator(w, r)
	if err != nil {
		HandleAdminError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{User: oc.User, Operator: oc.Operator})
}

func (h *Handler) listOperators(w http.ResponseWriter, r *http.Request) {
	oc, err := h.guard.RequireOperator(w, r)
	if err != nil {
		HandleAdminError(w, err)
		return
	}
	filter := ListFilter{Role: Role(strings.TrimSpace(r.URL.Query().Get("role")))}
	if filter.Role != "" && !filter.Role.Valid() {
		httpx.Error(w, http.StatusBadRequest, "unknown role")
		return
	}
	ops, err := oc.Store.ListOperators(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if ops == nil {
		ops = []Operator{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operators": ops})
}

type grantRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Role   string `json:"role" validate:"required,oneof=admin super_admin"`
}

func (h *Handler) grantOperator(w http.ResponseWriter, r *http.Request) {
	oc, err := h.guard.RequireOperator(w, r)
	if err != nil {
		HandleAdminError(w, err)
		return
	}
	if err := oc.RequireRole(RoleSuperAdmin); err != nil {
		HandleAdminError(w, err)
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.JSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fieldErrors(err)})
		return
	}
	op, err := oc.Store.GrantOperator(r.Context(), req.UserID, Role(req.Role))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("operator granted", slog.String("actor_id", oc.User.ID), slog.String("user_id", op.UserID), slog.String("role", string(op.Role)))
	httpx.JSON(w, http.StatusCreated, op)
}

func (h *Handler) revokeOperator(w http.ResponseWriter, r *http.Request) {
	oc, err := h.guard.RequireOperator(w, r)
	if err != nil {
		HandleAdminError(w, err)
		return
	}
	if err := oc.RequireRole(RoleSuperAdmin); err != nil {
		HandleAdminError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		h.respondError(w, r, ErrNotFound)
		return
	}
	if id == oc.Operator.ID {
		h.respondError(w, r, ErrSelfRevoke)
		return
	}
	op, err := oc.Store.RevokeOperator(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("operator revoked", slog.String("actor_id", oc.User.ID), slog.String("user_id", op.UserID))
	httpx.NoContent(w)
}

// respondError maps domain errors; anything else goes through HandleAdminError.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Not Found")
	case errors.Is(err, ErrDuplicate):
		httpx.Error(w, http.StatusConflict, "user is already an operator")
	case errors.Is(err, ErrSelfRevoke):
		httpx.Error(w, http.StatusConflict, "cannot revoke your own operator access")
	case errors.Is(err, ErrUnknownUser):
		httpx.Error(w, http.StatusUnprocessableEntity, "unknown user")
	default:
		h.logger.Error("admin request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		HandleAdminError(w, err)
	}
}

func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
