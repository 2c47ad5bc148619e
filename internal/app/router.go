package app

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cardvault/storefront/internal/account"
	"github.com/cardvault/storefront/internal/auth"
	"github.com/cardvault/storefront/internal/authstate"
	"github.com/cardvault/storefront/internal/gate"
	"github.com/cardvault/storefront/internal/observability"
	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
	"github.com/cardvault/storefront/jobs"
	"github.com/cardvault/storefront/web"
)

// Sessions resolves the visitor for page handlers owned by the router.
type Sessions interface {
	CurrentUser(w http.ResponseWriter, r *http.Request) (session.Resolution, error)
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	Templates        *view.Engine
	Sessions         Sessions
	CSRFManager      *shared.CSRFManager
	Gate             *gate.Gate
	Guard            *operator.Guard
	AuthHandler      *auth.Handler
	AccountHandler   *account.Handler
	OperatorHandler  *operator.Handler
	AuthStateHandler *authstate.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with storefront defaults. The auth
// state stream is the only route mounted without a request timeout, since a
// hijacked connection outlives any handler deadline.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:      params.Logger,
		Config:      params.Config,
		Gate:        params.Gate,
		CSRFManager: params.CSRFManager,
		Metrics:     params.Metrics,
	}) {
		r.Use(mw)
	}

	timeout := chimw.Timeout(requestTimeout(params.Config))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/", homeHandler(params))
		if params.AuthHandler != nil {
			params.AuthHandler.MountRoutes(r)
		}
		if params.AccountHandler != nil {
			r.Route("/account", params.AccountHandler.MountRoutes)
		}
		if params.OperatorHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				params.OperatorHandler.MountConsole(r, params.CSRFManager)
			})
		}
		if params.JobHandler != nil && params.Guard != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.Guard.Middleware)
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(corsOptions(params.Config)))
		r.Route("/auth", func(r chi.Router) {
			if params.AuthHandler != nil {
				r.With(timeout).Group(params.AuthHandler.MountAPIRoutes)
			}
			if params.AuthStateHandler != nil {
				params.AuthStateHandler.MountRoutes(r)
			}
		})
		if params.AccountHandler != nil {
			r.With(timeout).Route("/account", params.AccountHandler.MountAPIRoutes)
		}
		if params.OperatorHandler != nil {
			r.With(timeout).Route("/admin", params.OperatorHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

func requestTimeout(cfg *Config) time.Duration {
	if cfg != nil && cfg.AppRequestTimeout > 0 {
		return cfg.AppRequestTimeout
	}
	return 30 * time.Second
}

func corsOptions(cfg *Config) cors.Options {
	var origins []string
	if cfg != nil {
		origins = cfg.CORSAllowedOrigins
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", shared.CSRFHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func homeHandler(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := view.TemplateData{
			Title:       "Cardvault",
			CSRFToken:   params.CSRFManager.EnsureToken(w, r),
			CurrentPath: r.URL.Path,
		}
		if params.Sessions != nil {
			res, err := params.Sessions.CurrentUser(w, r)
			if err != nil {
				params.Logger.Warn("home resolve session", slog.Any("error", err))
			}
			data.User = res.User
		}
		if err := params.Templates.Render(w, "pages/home.html", data); err != nil {
			params.Logger.Error("render home", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
