package auth

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store used across the package tests. It mirrors
// the repository's semantics, including the write-only-when-dirty reset and
// the compare-on-used-flag redemption.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	resets   map[string]*PasswordResetToken
	attempts []LoginAttempt
	logs     []SecurityLogEntry
	refresh  map[string]*refreshRecord
}

type refreshRecord struct {
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*User),
		resets:  make(map[string]*PasswordResetToken),
		refresh: make(map[string]*refreshRecord),
	}
}

func (m *memStore) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := user
	m.users[user.ID] = &u
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return *u, nil
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) GetUserByLogin(_ context.Context, login string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == login || u.Email == login {
			return *u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) ListUsers(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, nil
}

func (m *memStore) UpdateUserIdentity(_ context.Context, id, firstName, lastName, email string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.FirstName, u.LastName, u.Email = firstName, lastName, email
	u.UpdatedAt = now
	return nil
}

func (m *memStore) SetPassword(_ context.Context, id, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = now
	return nil
}

func (m *memStore) SetRole(_ context.Context, id string, role Role, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Role = role
	u.UpdatedAt = now
	return nil
}

func (m *memStore) SetLastLogin(_ context.Context, id, ip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLoginIP = ip
		u.UpdatedAt = now
	}
	return nil
}

func (m *memStore) RecordFailedLogin(_ context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil, ErrUserNotFound
	}

	u.FailedLoginAttempts++
	stamp := now
	u.LastFailedLoginAt = &stamp

	currentlyLocked := u.LockedUntil != nil && u.LockedUntil.After(now)
	if u.FailedLoginAttempts >= threshold && !currentlyLocked {
		until := now.Add(lockFor)
		u.LockedUntil = &until
		return u.FailedLoginAttempts, &until, nil
	}

	return u.FailedLoginAttempts, nil, nil
}

func (m *memStore) ResetFailedLogins(_ context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if u.FailedLoginAttempts == 0 && u.LockedUntil == nil {
		return false, nil
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.UpdatedAt = now
	return true, nil
}

func (m *memStore) CreateResetToken(_ context.Context, token PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := token
	m.resets[token.ID] = &t
	return nil
}

func (m *memStore) GetResetToken(_ context.Context, raw string) (PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.resets {
		if t.Token == raw {
			return *t, nil
		}
	}
	return PasswordResetToken{}, ErrTokenInvalid
}

func (m *memStore) MarkTokenRedeemed(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.resets[id]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	t.UsedReason = UsedReasonRedeemed
	stamp := now
	t.UsedAt = &stamp
	return true, nil
}

func (m *memStore) InvalidateOtherTokens(_ context.Context, userID, keepID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, t := range m.resets {
		if t.UserID == userID && t.ID != keepID && !t.Used {
			t.Used = true
			t.UsedReason = UsedReasonInvalidated
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateLoginAttempt(_ context.Context, attempt LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *memStore) ListLoginAttempts(_ context.Context, userID string, limit int) ([]LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := make([]LoginAttempt, 0)
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if a.UserID != nil && *a.UserID == userID {
			attempts = append(attempts, a)
		}
		if limit > 0 && len(attempts) == limit {
			break
		}
	}
	return attempts, nil
}

func (m *memStore) AppendSecurityLog(_ context.Context, entry SecurityLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) ListSecurityLogs(_ context.Context, userID string, limit int) ([]SecurityLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]SecurityLogEntry, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].UserID == userID {
			entries = append(entries, m.logs[i])
		}
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, userID, rawToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[rawToken] = &refreshRecord{UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refresh[rawOldToken]
	if !ok || old.RevokedAt != nil || time.Now().After(old.ExpiresAt) {
		return "", ErrInvalidRefreshToken
	}
	now := time.Now()
	old.RevokedAt = &now
	m.refresh[rawNewToken] = &refreshRecord{UserID: old.UserID, ExpiresAt: newExpiresAt}
	return old.UserID, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, rawToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.refresh[rawToken]; ok && rec.RevokedAt == nil {
		now := time.Now()
		rec.RevokedAt = &now
	}
	return nil
}

// kindsOf collapses a log slice to its event kinds, newest first.
func kindsOf(entries []SecurityLogEntry) []EventKind {
	kinds := make([]EventKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.EventKind)
	}
	return kinds
}

var _ Store = (*memStore)(nil)
