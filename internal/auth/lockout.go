package auth

import (
	"context"
	"time"
)

const (
	defaultLockThreshold = 5
	defaultLockDuration  = 30 * time.Minute
)

// Lockout tracks consecutive failed logins per user. State machine:
// unlocked --[threshold-th consecutive failure]--> locked --[expiry elapses
// or RecordSuccess]--> unlocked. Counts below the threshold are simply
// "unlocked with a nonzero counter".
type Lockout struct {
	store     LockoutStore
	audit     *AuditLog
	threshold int
	lockFor   time.Duration
}

func NewLockout(store LockoutStore, audit *AuditLog) *Lockout {
	return &Lockout{
		store:     store,
		audit:     audit,
		threshold: defaultLockThreshold,
		lockFor:   defaultLockDuration,
	}
}

func (l *Lockout) WithLimits(threshold int, lockFor time.Duration) *Lockout {
	if threshold > 0 {
		l.threshold = threshold
	}
	if lockFor > 0 {
		l.lockFor = lockFor
	}
	return l
}

// RecordFailure increments the user's counter and stamps the failure time.
// When the count reaches the threshold it sets the lock expiry and appends an
// account_lock entry. Returns the lock expiry when this call locked the
// account.
func (l *Lockout) RecordFailure(ctx context.Context, userID, ip, userAgent string, now time.Time) (*time.Time, error) {
	_, lockedUntil, err := l.store.RecordFailedLogin(ctx, userID, l.threshold, l.lockFor, now)
	if err != nil {
		return nil, err
	}

	if lockedUntil != nil {
		err = l.audit.Append(ctx, userID, EventAccountLock, ip, userAgent, map[string]any{
			"reason": "too many failed attempts",
		}, now)
		if err != nil {
			return nil, err
		}
	}

	return lockedUntil, nil
}

// RecordSuccess clears the counter and any lock. A second call in a row is a
// no-op: the store writes nothing when the counter is already zero.
func (l *Lockout) RecordSuccess(ctx context.Context, userID string, now time.Time) error {
	_, err := l.store.ResetFailedLogins(ctx, userID, now)
	return err
}

// IsLocked reports whether the lock expiry is set and strictly in the future.
// An elapsed lock reads as unlocked but is not cleared here; only
// RecordSuccess (or an explicit unlock) clears it.
func (l *Lockout) IsLocked(user User, now time.Time) bool {
	return user.LockedUntil != nil && user.LockedUntil.After(now)
}
