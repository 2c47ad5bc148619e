package auth

import (
	"time"

	"github.com/cardvault/storefront/internal/session"
)

// User represents a storefront account.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	EmailConfirmedAt *time.Time
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionUser is the identity carried by the user's sessions.
func (u *User) SessionUser() session.User {
	return session.User{ID: u.ID, Email: u.Email, EmailConfirmedAt: u.EmailConfirmedAt}
}
