package authstate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cardvault/storefront/internal/operator"
)

// OperatorLookup resolves the operator row of a user.
type OperatorLookup interface {
	FindByUserID(ctx context.Context, userID string) (operator.Operator, error)
}

// OperatorState is the derived operator status of the tracked user.
type OperatorState struct {
	Loading    bool          `json:"loading"`
	IsOperator bool          `json:"is_operator"`
	Role       operator.Role `json:"role"`
}

// WatchOperator derives operator status from t. fn receives the base state
// with the derived status on every change. The lookup runs only when the
// user id changes, and the status reports loading while the base state does.
func WatchOperator(ctx context.Context, t *Tracker, lookup OperatorLookup, logger *slog.Logger, fn func(State, OperatorState)) (unwatch func()) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		known  bool
		userID string
		last   OperatorState
	)
	return t.Watch(func(s State) {
		if s.Loading {
			fn(s, OperatorState{Loading: true})
			return
		}
		if !known || s.UserID() != userID {
			known = true
			userID = s.UserID()
			last = resolveOperator(ctx, lookup, logger, userID)
		}
		fn(s, last)
	})
}

func resolveOperator(ctx context.Context, lookup OperatorLookup, logger *slog.Logger, userID string) OperatorState {
	if userID == "" {
		return OperatorState{}
	}
	op, err := lookup.FindByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, operator.ErrNotFound) {
			logger.Warn("authstate operator lookup", slog.String("user_id", userID), slog.Any("error", err))
		}
		return OperatorState{}
	}
	return OperatorState{IsOperator: true, Role: op.Role}
}
