package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, store *memStore, throttleLimit int) *Service {
	t.Helper()
	throttle := NewLoginThrottle(NewMemoryCounter(), throttleLimit, time.Minute)
	return NewService(store, throttle, "test-secret")
}

func registerUser(t *testing.T, service *Service, username, password string) User {
	t.Helper()
	user, err := service.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
	})
	require.NoError(t, err)
	return user
}

func TestAuthenticateSuccessResetsCounter(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "correct-horse")

	for i := 0; i < 2; i++ {
		_, _, err := service.Authenticate(context.Background(), "alice", "wrong", "10.0.0.1", "ua")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	got, tokens, err := service.Authenticate(context.Background(), "alice", "correct-horse", "10.0.0.1", "ua")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)

	stored, err := store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	assert.Equal(t, "10.0.0.1", stored.LastLoginIP)

	attempts, err := store.ListLoginAttempts(context.Background(), user.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.True(t, attempts[0].Success)

	logs, err := store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, kindsOf(logs), EventLoginSuccess)
	assert.Contains(t, kindsOf(logs), EventLoginFailure)
}

func TestAuthenticateLoginByEmail(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	registerUser(t, service, "alice", "correct-horse")

	_, _, err := service.Authenticate(context.Background(), "Alice@Example.com", "correct-horse", "ip", "ua")
	require.NoError(t, err)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)

	_, _, err := service.Authenticate(context.Background(), "nobody", "whatever", "10.0.0.1", "ua")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.attempts, 1)
	assert.Nil(t, store.attempts[0].UserID)
	assert.Equal(t, "no such user", store.attempts[0].FailureReason)
}

func TestAuthenticateLocksAtThreshold(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "correct-horse")

	// Every mismatch answers the same, including the one that trips the lock.
	for i := 0; i < 5; i++ {
		_, _, err := service.Authenticate(context.Background(), "alice", "wrong", "ip", "ua")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	stored, err := store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LockedUntil)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *stored.LockedUntil, 5*time.Second)

	// The lock surfaces on the attempt after the one that tripped it.
	_, _, err = service.Authenticate(context.Background(), "alice", "wrong", "ip", "ua")
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.WithinDuration(t, *stored.LockedUntil, locked.Until, time.Second)

	logs, err := store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, kindsOf(logs), EventAccountLock)
}

func TestAuthenticateLockedWithCorrectPassword(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "correct-horse")

	for i := 0; i < 5; i++ {
		_, _, _ = service.Authenticate(context.Background(), "alice", "wrong", "ip", "ua")
	}

	// The correct password is rejected while the lock holds, and the counter
	// does not move.
	_, _, err := service.Authenticate(context.Background(), "alice", "correct-horse", "ip", "ua")
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)

	stored, err := store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedLoginAttempts)

	attempts, err := store.ListLoginAttempts(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "locked", attempts[0].FailureReason)
}

func TestAuthenticateThrottleRecordsNoAttempt(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 1)
	registerUser(t, service, "alice", "correct-horse")

	_, _, err := service.Authenticate(context.Background(), "alice", "wrong", "10.0.0.1", "ua")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = service.Authenticate(context.Background(), "alice", "wrong", "10.0.0.1", "ua")
	var rate ErrRateLimited
	require.ErrorAs(t, err, &rate)
	assert.Greater(t, rate.RetryAfter, time.Duration(0))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.attempts, 1, "a throttled request leaves no attempt row")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	registerUser(t, service, "alice", "correct-horse")

	_, err := service.Register(context.Background(), RegisterInput{
		Username: "alice2",
		Email:    "alice@example.com",
		Password: "password123",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = service.Register(context.Background(), RegisterInput{
		Username: "alice",
		Email:    "other@example.com",
		Password: "password123",
	})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)

	err := service.RequestPasswordReset(context.Background(), "ghost@example.com", "ip")
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.resets)
	assert.Empty(t, store.logs)
}

type failingMailer struct {
	calls int
}

func (m *failingMailer) SendPasswordReset(to, token string) error {
	m.calls++
	return errors.New("smtp connection refused")
}

func TestRequestPasswordResetMailerFailureStaysSilent(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	registerUser(t, service, "alice", "correct-horse")

	mailer := &failingMailer{}
	service.WithMailer(mailer)

	// Known and unknown addresses must answer identically even when every
	// send fails, and the token is still issued.
	require.NoError(t, service.RequestPasswordReset(context.Background(), "alice@example.com", "ip"))
	require.NoError(t, service.RequestPasswordReset(context.Background(), "ghost@example.com", "ip"))
	assert.Equal(t, 1, mailer.calls)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.resets, 1)
}

func TestRequestPasswordResetInvalidatesPrior(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "correct-horse")

	require.NoError(t, service.RequestPasswordReset(context.Background(), "alice@example.com", "ip"))
	require.NoError(t, service.RequestPasswordReset(context.Background(), "alice@example.com", "ip"))

	store.mu.Lock()
	var active int
	for _, token := range store.resets {
		require.Equal(t, user.ID, token.UserID)
		if !token.Used {
			active++
		}
	}
	store.mu.Unlock()

	assert.Equal(t, 1, active, "only the newest token stays redeemable")
}

func TestRedeemPasswordResetEndToEnd(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "old-password")

	// Lock the account first; a completed reset must clear the lock.
	for i := 0; i < 5; i++ {
		_, _, _ = service.Authenticate(context.Background(), "alice", "wrong", "ip", "ua")
	}

	require.NoError(t, service.RequestPasswordReset(context.Background(), "alice@example.com", "ip"))

	store.mu.Lock()
	var raw string
	for _, token := range store.resets {
		raw = token.Token
	}
	store.mu.Unlock()
	require.NotEmpty(t, raw)

	require.NoError(t, service.RedeemPasswordReset(context.Background(), raw, "new-password", "ip", "ua"))

	stored, err := store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockedUntil)

	_, _, err = service.Authenticate(context.Background(), "alice", "new-password", "ip", "ua")
	require.NoError(t, err)

	logs, err := store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, kindsOf(logs), EventResetComplete)

	// The token is spent.
	err = service.RedeemPasswordReset(context.Background(), raw, "another-password", "ip", "ua")
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestRefreshRotation(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	registerUser(t, service, "alice", "correct-horse")

	_, tokens, err := service.Authenticate(context.Background(), "alice", "correct-horse", "ip", "ua")
	require.NoError(t, err)

	rotated, err := service.Refresh(context.Background(), tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	// The old token is revoked by the rotation.
	_, err = service.Refresh(context.Background(), tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.NoError(t, service.Logout(context.Background(), rotated.RefreshToken))
	_, err = service.Refresh(context.Background(), rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestChangePassword(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "old-password")

	err := service.ChangePassword(context.Background(), user.ID, "bogus", "new-password", "ip", "ua")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, service.ChangePassword(context.Background(), user.ID, "old-password", "new-password", "ip", "ua"))

	_, _, err = service.Authenticate(context.Background(), "alice", "new-password", "ip", "ua")
	require.NoError(t, err)

	logs, err := store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, kindsOf(logs), EventPasswordChange)
}

func TestUnlockAppendsOnlyWhenCleared(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	user := registerUser(t, service, "alice", "correct-horse")

	// Nothing to clear, nothing logged.
	require.NoError(t, service.Unlock(context.Background(), user.ID, "ip", "ua"))
	logs, err := store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.NotContains(t, kindsOf(logs), EventAccountUnlock)

	for i := 0; i < 5; i++ {
		_, _, _ = service.Authenticate(context.Background(), "alice", "wrong", "ip", "ua")
	}

	require.NoError(t, service.Unlock(context.Background(), user.ID, "ip", "ua"))
	stored, err := store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LockedUntil)
	assert.Equal(t, 0, stored.FailedLoginAttempts)

	logs, err = store.ListSecurityLogs(context.Background(), user.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, kindsOf(logs), EventAccountUnlock)
}
