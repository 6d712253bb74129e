package auth

import (
	"context"
	"time"
)

// UserStore persists identity records. Implementations return ErrUserNotFound
// for missing rows so callers never depend on driver sentinel errors.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// GetUserByLogin resolves either a username or an email address.
	GetUserByLogin(ctx context.Context, login string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserIdentity(ctx context.Context, id, firstName, lastName, email string, now time.Time) error
	SetPassword(ctx context.Context, id, passwordHash string, now time.Time) error
	SetRole(ctx context.Context, id string, role Role, now time.Time) error
	SetLastLogin(ctx context.Context, id, ip string, now time.Time) error
}

// LockoutStore mutates the per-user failed-attempt counter. Implementations
// must make RecordFailedLogin atomic under concurrent calls for the same user
// (row lock or equivalent), never read-modify-write at the caller.
type LockoutStore interface {
	// RecordFailedLogin increments the counter, stamps the failure time, and
	// sets a lock expiry of now+lockFor when the post-increment count has
	// reached threshold and no lock is currently in force. It returns the new
	// count and the lock expiry it set, nil when no lock was set by this call.
	RecordFailedLogin(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error)
	// ResetFailedLogins zeroes the counter and clears the lock, writing only
	// when there is something to clear. Returns whether a write happened.
	ResetFailedLogins(ctx context.Context, userID string, now time.Time) (bool, error)
}

type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, token PasswordResetToken) error
	GetResetToken(ctx context.Context, raw string) (PasswordResetToken, error)
	// MarkTokenRedeemed flips used for an unused token and stamps used_at.
	// Returns false when the token was already used (compare-on-used-flag, so
	// concurrent redeem/invalidate cannot both win).
	MarkTokenRedeemed(ctx context.Context, id string, now time.Time) (bool, error)
	// InvalidateOtherTokens marks every unused token of the user except keepID
	// as used with reason "invalidated", leaving used_at null.
	InvalidateOtherTokens(ctx context.Context, userID, keepID string) (int64, error)
}

// AuditStore is a dumb sink: it never interprets event kinds.
type AuditStore interface {
	CreateLoginAttempt(ctx context.Context, attempt LoginAttempt) error
	ListLoginAttempts(ctx context.Context, userID string, limit int) ([]LoginAttempt, error)
	AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error
	// ListSecurityLogs returns entries for a user, most recent first, ties
	// broken by insertion order.
	ListSecurityLogs(ctx context.Context, userID string, limit int) ([]SecurityLogEntry, error)
}

type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, userID, rawToken string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
}

// Store is the full persistence surface the auth service needs. *Repository
// is the Postgres implementation.
type Store interface {
	UserStore
	LockoutStore
	ResetTokenStore
	AuditStore
	RefreshTokenStore
}
