// Package gate implements the edge request gate: the first middleware to see
// a request, which resolves the session and applies the coarse redirect and
// 401 decisions before any handler runs.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/platform/httpx"
	"github.com/cardvault/storefront/internal/session"
)

// Decision names the gate outcome, used for metrics and logs.
type Decision string

const (
	DecisionExcluded      Decision = "excluded"
	DecisionPass          Decision = "pass"
	DecisionUnauthorized  Decision = "unauthorized"
	DecisionRedirectLogin Decision = "redirect_login"
	DecisionRedirectHome  Decision = "redirect_home"
)

// SessionResolver resolves (and possibly refreshes) the request session.
type SessionResolver interface {
	Resolve(w http.ResponseWriter, r *http.Request) (session.Resolution, error)
}

// OperatorFinder looks up the operator row of a user.
type OperatorFinder interface {
	FindByUserID(ctx context.Context, userID string) (operator.Operator, error)
}

// Recorder receives one call per gated request.
type Recorder interface {
	GateDecision(decision string)
}

// Gate is the edge request gate.
type Gate struct {
	rules     Rules
	sessions  SessionResolver
	operators OperatorFinder
	logger    *slog.Logger
	recorder  Recorder
}

// New constructs a Gate. recorder may be nil.
func New(rules Rules, sessions SessionResolver, operators OperatorFinder, logger *slog.Logger, recorder Recorder) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{rules: rules, sessions: sessions, operators: operators, logger: logger, recorder: recorder}
}

// Middleware applies the gate to every request.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := g.rules.Classify(r.URL.Path)
		if class == ClassExcluded {
			g.record(DecisionExcluded)
			next.ServeHTTP(w, r)
			return
		}

		// Refreshed cookies land on w's header map and therefore survive
		// whichever response is written below.
		res, err := g.sessions.Resolve(w, r)
		if err != nil {
			g.logger.Warn("gate resolve session", slog.String("path", r.URL.Path), slog.Any("error", err))
			res = session.Resolution{}
		}

		switch g.decide(r.Context(), class, res, r.URL.Path) {
		case DecisionUnauthorized:
			g.record(DecisionUnauthorized)
			httpx.Error(w, http.StatusUnauthorized, "Unauthorized")
		case DecisionRedirectLogin:
			g.record(DecisionRedirectLogin)
			target := g.rules.LoginPath
			if class == ClassProtectedPage {
				target += "?" + url.Values{"redirect": {r.URL.Path}}.Encode()
			}
			http.Redirect(w, r, target, http.StatusFound)
		case DecisionRedirectHome:
			g.record(DecisionRedirectHome)
			http.Redirect(w, r, g.rules.HomePath, http.StatusFound)
		default:
			g.record(DecisionPass)
			next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), res)))
		}
	})
}

func (g *Gate) decide(ctx context.Context, class Class, res session.Resolution, path string) Decision {
	switch class {
	case ClassProtectedAPI:
		if !res.Authenticated() {
			return DecisionUnauthorized
		}
	case ClassProtectedPage:
		if !res.Authenticated() {
			return DecisionRedirectLogin
		}
	case ClassAdmin:
		if !res.Authenticated() {
			return DecisionRedirectLogin
		}
		if _, err := g.operators.FindByUserID(ctx, res.User.ID); err != nil {
			if !errors.Is(err, operator.ErrNotFound) {
				g.logger.Error("gate operator lookup", slog.String("path", path), slog.String("user_id", res.User.ID), slog.Any("error", err))
			}
			return DecisionRedirectHome
		}
	case ClassAuthOnly:
		if res.Authenticated() {
			return DecisionRedirectHome
		}
	}
	return DecisionPass
}

func (g *Gate) record(d Decision) {
	if g.recorder != nil {
		g.recorder.GateDecision(string(d))
	}
}
