package operator

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
)

// MountConsole registers the HTML operator console.
func (h *Handler) MountConsole(r chi.Router, csrf *shared.CSRFManager) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		h.console(w, r, csrf)
	})
}

type consolePageData struct {
	Operator  Operator
	Operators []Operator
}

func (h *Handler) console(w http.ResponseWriter, r *http.Request, csrf *shared.CSRFManager) {
	oc, err := h.guard.RequireOperator(w, r)
	switch KindOf(err) {
	case KindUnauthorized:
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	case KindForbidden:
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err != nil {
		h.logger.Error("admin console guard", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	ops, err := oc.Store.ListOperators(r.Context(), ListFilter{})
	if err != nil {
		h.logger.Error("admin console list", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	user := oc.User
	data := view.TemplateData{
		Title:       "Operator console",
		CSRFToken:   csrf.EnsureToken(w, r),
		CurrentPath: r.URL.Path,
		User:        &user,
		Data:        consolePageData{Operator: oc.Operator, Operators: ops},
	}
	if err := h.templates.Render(w, "pages/admin.html", data); err != nil {
		h.logger.Error("render admin console", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
