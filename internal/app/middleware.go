package app

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/cardvault/storefront/internal/gate"
	"github.com/cardvault/storefront/internal/observability"
	"github.com/cardvault/storefront/internal/platform/httpx"
	"github.com/cardvault/storefront/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger      *slog.Logger
	Config      *Config
	Gate        *gate.Gate
	CSRFManager *shared.CSRFManager
	Metrics     *observability.Metrics
}

// MiddlewareStack installs the storefront middleware chain. The edge gate runs
// before CSRF so that anonymous callers of protected paths never reach a
// form handler. Request timeouts are applied per route group by NewRouter.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	globalLimit := 120
	if cfg.Config != nil && cfg.Config.GlobalRateLimit > 0 {
		globalLimit = cfg.Config.GlobalRateLimit
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5, "text/html", "text/css", "application/javascript", "application/json"),
		httprate.Limit(globalLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	if cfg.Gate != nil {
		middlewares = append(middlewares, cfg.Gate.Middleware)
	}
	if cfg.CSRFManager != nil {
		middlewares = append(middlewares, CSRFMiddleware(cfg.CSRFManager, logger))
	}
	return middlewares
}

// CSRFMiddleware verifies the double-submit token on unsafe form requests.
func CSRFMiddleware(csrf *shared.CSRFManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if csrfExempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(shared.CSRFHeader)
			if token == "" {
				token = r.PostFormValue(shared.CSRFFormField)
			}
			if err := csrf.VerifyToken(r, token); err != nil {
				logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				if strings.HasPrefix(r.URL.Path, "/api/") {
					httpx.Error(w, http.StatusForbidden, "Forbidden")
					return
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// csrfExempt reports whether r cannot carry a cross-site form submission:
// safe methods, webhooks, and API calls that a browser would preflight.
func csrfExempt(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	p := r.URL.Path
	if strings.HasPrefix(p, "/api/webhooks/") {
		return true
	}
	if !strings.HasPrefix(p, "/api/") {
		return false
	}
	if r.Method != http.MethodPost {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
