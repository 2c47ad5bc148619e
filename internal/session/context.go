package session

import "context"

// Resolution is the outcome of resolving a request's session cookies.
// A nil User means the request is anonymous.
type Resolution struct {
	User      *User
	SessionID string
}

// Authenticated reports whether a user was resolved.
func (r Resolution) Authenticated() bool {
	return r.User != nil
}

type resolutionContextKey struct{}

// NewContext stores the resolution for the remainder of the request.
func NewContext(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey{}, res)
}

// FromContext extracts a resolution stored by NewContext.
func FromContext(ctx context.Context) (Resolution, bool) {
	res, ok := ctx.Value(resolutionContextKey{}).(Resolution)
	return res, ok
}
