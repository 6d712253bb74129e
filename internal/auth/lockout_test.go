package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, store *memStore, id string) User {
	t.Helper()
	user := User{
		ID:       id,
		Username: "u-" + id,
		Email:    id + "@example.com",
		Role:     RoleCustomer,
	}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func TestLockoutLocksAtThreshold(t *testing.T) {
	store := newMemStore()
	lockout := NewLockout(store, NewAuditLog(store)).WithLimits(5, 30*time.Minute)
	seedUser(t, store, "u1")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		lockedUntil, err := lockout.RecordFailure(context.Background(), "u1", "10.0.0.1", "ua", now)
		require.NoError(t, err)
		assert.Nil(t, lockedUntil, "failure %d is below the threshold", i+1)
	}

	user, err := store.GetUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, user.FailedLoginAttempts)
	assert.False(t, lockout.IsLocked(user, now))

	lockedUntil, err := lockout.RecordFailure(context.Background(), "u1", "10.0.0.1", "ua", now)
	require.NoError(t, err)
	require.NotNil(t, lockedUntil)
	assert.Equal(t, now.Add(30*time.Minute), *lockedUntil)

	user, err = store.GetUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, user.FailedLoginAttempts)
	assert.True(t, lockout.IsLocked(user, now))

	logs, err := store.ListSecurityLogs(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, EventAccountLock, logs[0].EventKind)
	assert.Equal(t, "too many failed attempts", logs[0].Details["reason"])
}

func TestLockoutSuccessClearsAndIsIdempotent(t *testing.T) {
	store := newMemStore()
	lockout := NewLockout(store, NewAuditLog(store)).WithLimits(5, 30*time.Minute)
	seedUser(t, store, "u1")
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := lockout.RecordFailure(context.Background(), "u1", "ip", "ua", now)
		require.NoError(t, err)
	}

	require.NoError(t, lockout.RecordSuccess(context.Background(), "u1", now))
	user, err := store.GetUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, user.FailedLoginAttempts)
	assert.Nil(t, user.LockedUntil)

	// A second success has nothing to clear; the store reports no write.
	wrote, err := store.ResetFailedLogins(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestLockoutExpiryIsNotCleared(t *testing.T) {
	store := newMemStore()
	lockout := NewLockout(store, NewAuditLog(store)).WithLimits(5, 30*time.Minute)
	seedUser(t, store, "u1")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := lockout.RecordFailure(context.Background(), "u1", "ip", "ua", now)
		require.NoError(t, err)
	}

	later := now.Add(31 * time.Minute)
	user, err := store.GetUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, lockout.IsLocked(user, later))
	// The stale expiry stays on the row until a success or an explicit unlock.
	assert.NotNil(t, user.LockedUntil)
}

func TestLockoutRelocksAfterExpiredLock(t *testing.T) {
	store := newMemStore()
	lockout := NewLockout(store, NewAuditLog(store)).WithLimits(5, 30*time.Minute)
	seedUser(t, store, "u1")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := lockout.RecordFailure(context.Background(), "u1", "ip", "ua", now)
		require.NoError(t, err)
	}

	// After the lock lapses the counter is still past the threshold, so the
	// next failure locks again from the new failure time.
	later := now.Add(31 * time.Minute)
	lockedUntil, err := lockout.RecordFailure(context.Background(), "u1", "ip", "ua", later)
	require.NoError(t, err)
	require.NotNil(t, lockedUntil)
	assert.Equal(t, later.Add(30*time.Minute), *lockedUntil)
}
