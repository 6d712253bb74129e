package auth

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleCustomer:
		return true
	}
	return false
}

// User owns its own lockout state. Rows are never hard-deleted.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	FirstName           string     `json:"first_name"`
	LastName            string     `json:"last_name"`
	Role                Role       `json:"role"`
	PasswordHash        string     `json:"-"`
	EmailVerified       bool       `json:"is_email_verified"`
	FailedLoginAttempts int        `json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginIP         string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginAttempt is an immutable audit record, one per authentication attempt.
// UserID is nil when the presented identifier resolved to no account.
type LoginAttempt struct {
	ID            string    `json:"id"`
	UserID        *string   `json:"user_id,omitempty"`
	IP            string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"timestamp"`
}

// UsedReason values for PasswordResetToken. A token marked used through
// sibling invalidation keeps a nil UsedAt; only redemption stamps it.
const (
	UsedReasonRedeemed    = "redeemed"
	UsedReasonInvalidated = "invalidated"
)

type PasswordResetToken struct {
	ID         string
	UserID     string
	Token      string
	Used       bool
	UsedReason string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UsedAt     *time.Time
	CreatedIP  string
}

// ExpiredAt reports whether the token expiry has passed. Pure comparison,
// recomputed on every call.
func (t PasswordResetToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type EventKind string

const (
	EventPasswordChange EventKind = "password_change"
	EventEmailChange    EventKind = "email_change"
	EventRoleChange     EventKind = "role_change"
	EventAccountLock    EventKind = "account_lock"
	EventAccountUnlock  EventKind = "account_unlock"
	EventLoginSuccess   EventKind = "login_success"
	EventLoginFailure   EventKind = "login_failure"
	EventResetRequest   EventKind = "reset_request"
	EventResetComplete  EventKind = "reset_complete"
)

// SecurityLogEntry is append-only: never mutated, never deleted.
type SecurityLogEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventKind EventKind      `json:"event_type"`
	IP        string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
