package operator

import (
	"errors"
	"time"
)

// Role is the administrative tier of an operator.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Operator grants administrative capability to a user.
type Operator struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows ListOperators.
type ListFilter struct {
	Role Role
}

var (
	// ErrNotFound indicates there is no operator row.
	ErrNotFound = errors.New("operator: not found")
	// ErrDuplicate indicates the user already is an operator.
	ErrDuplicate = errors.New("operator: user already an operator")
	// ErrUnknownUser indicates the referenced user does not exist.
	ErrUnknownUser = errors.New("operator: unknown user")
	// ErrSelfRevoke indicates an operator tried to revoke their own row.
	ErrSelfRevoke = errors.New("operator: cannot revoke own access")
)
