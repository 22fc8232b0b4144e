package entity

import (
	"errors"
	"time"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrRoleNotFound     = errors.New("role not found")
)

// Identity represents a row in the `identities` table joined with its role name.
type Identity struct {
	ID             int64      `db:"id"`
	Username       string     `db:"username"`
	Email          string     `db:"email"`
	PasswordHash   string     `db:"password_hash"`
	RoleID         int64      `db:"role_id"`
	Role           string     `db:"role_name"`
	Active         bool       `db:"active"`  // flipped by OTP verification
	Enabled        bool       `db:"enabled"` // admin controlled
	FailedAttempts int        `db:"failed_attempts"`
	Locked         bool       `db:"locked"`
	LockedAt       *time.Time `db:"locked_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Lock marks the identity locked as of now.
func (i *Identity) Lock(now time.Time) {
	i.Locked = true
	i.LockedAt = &now
}

// ResetFailures clears the failure counter and any lock.
func (i *Identity) ResetFailures() {
	i.FailedAttempts = 0
	i.Locked = false
	i.LockedAt = nil
}

// HasFailures reports whether ResetFailures would change anything.
func (i *Identity) HasFailures() bool {
	return i.FailedAttempts > 0 || i.Locked || i.LockedAt != nil
}

// LockExpiresAt returns when the current lock lapses; zero when unlocked.
func (i *Identity) LockExpiresAt(d time.Duration) time.Time {
	if !i.Locked || i.LockedAt == nil {
		return time.Time{}
	}
	return i.LockedAt.Add(d)
}

// Role is a named permission bundle carried on issued tokens.
type Role struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}
