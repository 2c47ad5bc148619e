package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/cardvault/storefront/internal/platform/httpx"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	templates   *view.Engine
	sessions    *session.Manager
	csrfManager *shared.CSRFManager
	validator   *validator.Validate
	loginLimit  int
}

// NewHandler constructs a Handler instance. loginLimit caps login attempts
// per client IP per minute; zero disables the cap.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *session.Manager, csrf *shared.CSRFManager, loginLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		templates:   templates,
		sessions:    sessions,
		csrfManager: csrf,
		validator:   validator.New(),
		loginLimit:  loginLimit,
	}
}

// MountRoutes registers auth page routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	if h.loginLimit > 0 {
		r.With(httprate.LimitByIP(h.loginLimit, time.Minute)).Post("/login", h.handleLogin)
	} else {
		r.Post("/login", h.handleLogin)
	}
	r.Post("/logout", h.handleLogout)
}

// MountAPIRoutes registers JSON auth routes.
func (h *Handler) MountAPIRoutes(r chi.Router) {
	r.Get("/session", h.currentSession)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

type loginPageData struct {
	Form     loginForm
	Errors   map[string]string
	Redirect string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	data := loginPageData{Redirect: SanitizeRedirect(r.URL.Query().Get("redirect"))}
	h.renderLogin(w, r, http.StatusOK, data)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	data := loginPageData{Form: form, Errors: make(map[string]string), Redirect: SanitizeRedirect(r.PostFormValue("redirect"))}
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				data.Errors[fieldErr.Field()] = fieldMessage(fieldErr)
			}
		}
		h.renderLogin(w, r, http.StatusBadRequest, data)
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	if err != nil {
		if errors.Is(err, shared.ErrEmailNotConfirmed) {
			data.Errors["general"] = "Please confirm your email address before signing in"
		} else {
			data.Errors["general"] = "Invalid email or password"
		}
		h.logger.Info("login rejected", slog.String("email", form.Email), slog.Any("reason", err))
		h.renderLogin(w, r, http.StatusBadRequest, data)
		return
	}

	res, err := h.sessions.Issue(r.Context(), w, user.SessionUser())
	if err != nil {
		h.logger.Error("issue session", slog.String("user_id", user.ID), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	expiresAt := time.Now().Add(h.sessions.RefreshTTL())
	if err := h.service.RegisterSession(r.Context(), res.SessionID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.logger.Info("user signed in", slog.String("user_id", user.ID), slog.String("session_id", res.SessionID))
	http.Redirect(w, r, data.Redirect, http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessions.Revoke(r.Context(), w, r)
	if err != nil {
		h.logger.Warn("revoke session", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	if sessionID != "" {
		if err := h.service.RemoveSession(r.Context(), sessionID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type sessionResponse struct {
	User      *session.User `json:"user"`
	SessionID string        `json:"session_id,omitempty"`
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.CurrentUser(w, r)
	if err != nil {
		h.logger.Error("resolve session", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	httpx.JSON(w, http.StatusOK, sessionResponse{User: res.User, SessionID: res.SessionID})
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	viewData := view.TemplateData{
		Title:       "Sign in",
		CSRFToken:   h.csrfManager.EnsureToken(w, r),
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, "pages/login.html", viewData); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "min":
		return "Must be at least " + fe.Param() + " characters"
	}
	return "Invalid value"
}

// SanitizeRedirect returns target when it is a local absolute path, and "/"
// otherwise. Scheme-relative and backslash forms are rejected, as is the
// login page itself.
func SanitizeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	if u.Path == "/login" || strings.HasPrefix(u.Path, "/login/") {
		return "/"
	}
	return u.RequestURI()
}
