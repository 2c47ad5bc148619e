package operator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cardvault/storefront/internal/platform/httpx"
)

// Kind classifies a guard failure.
type Kind int

const (
	// KindInternal is any failure that is not an authorization outcome.
	KindInternal Kind = iota
	// KindUnauthorized means no authenticated user.
	KindUnauthorized
	// KindForbidden means an authenticated user without operator rights.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

const genericMessage = "Internal server error"

// Error is the tagged failure returned by the guard.
type Error struct {
	Kind Kind
	Err  error
}

var (
	// ErrUnauthorized matches any unauthorized guard failure via errors.Is.
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	// ErrForbidden matches any forbidden guard failure via errors.Is.
	ErrForbidden = &Error{Kind: KindForbidden}
)

// Internal wraps err as an internal guard failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return genericMessage
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the classification of err; unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HandleAdminError writes the JSON response for a failure raised behind the
// guard. Every error maps to exactly one response.
func HandleAdminError(w http.ResponseWriter, err error) {
	if err == nil {
		httpx.Error(w, http.StatusInternalServerError, genericMessage)
		return
	}
	switch KindOf(err) {
	case KindUnauthorized:
		httpx.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	case KindForbidden:
		httpx.Error(w, http.StatusForbidden, "Forbidden")
		return
	}
	msg := err.Error()
	if msg == "" {
		msg = genericMessage
	}
	httpx.Error(w, http.StatusInternalServerError, msg)
}

// Recover converts panics in guarded handlers into HandleAdminError responses.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("admin handler panic", slog.String("path", r.URL.Path), slog.Any("panic", v))
				err, _ := v.(error)
				HandleAdminError(w, err)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
