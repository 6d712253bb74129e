package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres Store. The persistent store is the system of
// record for users, attempts, tokens and logs; nothing in memory is
// authoritative.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `
	id, username, email, first_name, last_name, role, password_hash,
	is_email_verified, failed_login_attempts, last_failed_login_at,
	locked_until, last_login_ip, created_at, updated_at
`

func scanUser(row *sql.Row) (User, error) {
	var user User
	var lastFailed, lockedUntil sql.NullTime
	var lastLoginIP sql.NullString

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&user.Role, &user.PasswordHash, &user.EmailVerified,
		&user.FailedLoginAttempts, &lastFailed, &lockedUntil, &lastLoginIP,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	if lastFailed.Valid {
		value := lastFailed.Time.UTC()
		user.LastFailedLoginAt = &value
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LockedUntil = &value
	}
	user.LastLoginIP = lastLoginIP.String

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (
			id, username, email, first_name, last_name, role, password_hash,
			is_email_verified, failed_login_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
	`, user.ID, user.Username, user.Email, user.FirstName, user.LastName,
		user.Role, user.PasswordHash, user.EmailVerified, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	// Profile and notification preferences are initialized here, in the same
	// transaction, so no read path ever has to create them on the fly.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
	`, user.ID, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
	`, user.ID, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification preferences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user tx: %w", err)
	}

	return nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByLogin(ctx context.Context, login string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 OR email = $1
	`, login))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by login: %w", err)
	}
	return user, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		var lastFailed, lockedUntil sql.NullTime
		var lastLoginIP sql.NullString
		err := rows.Scan(
			&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
			&user.Role, &user.PasswordHash, &user.EmailVerified,
			&user.FailedLoginAttempts, &lastFailed, &lockedUntil, &lastLoginIP,
			&user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if lastFailed.Valid {
			value := lastFailed.Time.UTC()
			user.LastFailedLoginAt = &value
		}
		if lockedUntil.Valid {
			value := lockedUntil.Time.UTC()
			user.LockedUntil = &value
		}
		user.LastLoginIP = lastLoginIP.String
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func (r *Repository) UpdateUserIdentity(ctx context.Context, id, firstName, lastName, email string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET first_name = $2, last_name = $3, email = $4, updated_at = $5
		WHERE id = $1
	`, id, firstName, lastName, email, now.UTC())
	if err != nil {
		return fmt.Errorf("update user identity: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) SetPassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) SetRole(ctx context.Context, id string, role Role, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET role = $2, updated_at = $3
		WHERE id = $1
	`, id, role, now.UTC())
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) SetLastLogin(ctx context.Context, id, ip string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET last_login_ip = $2, updated_at = $3
		WHERE id = $1
	`, id, ip, now.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordFailedLogin locks the user row so two concurrent failures for the
// same user never under- or over-count.
func (r *Repository) RecordFailedLogin(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, fmt.Errorf("lock user row: %w", err)
	}

	failed++

	var newLock *time.Time
	currentlyLocked := lockedUntil.Valid && lockedUntil.Time.After(now)
	if failed >= threshold && !currentlyLocked {
		until := now.Add(lockFor)
		newLock = &until
	}

	// Only the counter fields are written; everything else on the row is
	// untouched, including updated_at's peers.
	if newLock != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET failed_login_attempts = $2, last_failed_login_at = $3,
			    locked_until = $4, updated_at = $3
			WHERE id = $1
		`, userID, failed, now, newLock.UTC())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET failed_login_attempts = $2, last_failed_login_at = $3,
			    updated_at = $3
			WHERE id = $1
		`, userID, failed, now)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("record failed login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit failed login tx: %w", err)
	}

	return failed, newLock, nil
}

func (r *Repository) ResetFailedLogins(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
		  AND (failed_login_attempts > 0 OR locked_until IS NOT NULL)
	`, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reset failed logins: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset failed logins rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) CreateResetToken(ctx context.Context, token PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_resets (id, user_id, token, is_used, expires_at, created_at, created_ip)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6)
	`, token.ID, token.UserID, token.Token, token.ExpiresAt.UTC(), token.CreatedAt.UTC(), token.CreatedIP)
	if err != nil {
		return fmt.Errorf("insert password reset token: %w", err)
	}
	return nil
}

func (r *Repository) GetResetToken(ctx context.Context, raw string) (PasswordResetToken, error) {
	var token PasswordResetToken
	var usedReason sql.NullString
	var usedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token, is_used, used_reason, expires_at, created_at, used_at, created_ip
		FROM password_resets
		WHERE token = $1
	`, raw).Scan(
		&token.ID, &token.UserID, &token.Token, &token.Used, &usedReason,
		&token.ExpiresAt, &token.CreatedAt, &usedAt, &token.CreatedIP,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PasswordResetToken{}, ErrTokenInvalid
		}
		return PasswordResetToken{}, fmt.Errorf("query password reset token: %w", err)
	}

	token.UsedReason = usedReason.String
	if usedAt.Valid {
		value := usedAt.Time.UTC()
		token.UsedAt = &value
	}

	return token, nil
}

func (r *Repository) MarkTokenRedeemed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE password_resets
		SET is_used = TRUE, used_reason = $2, used_at = $3
		WHERE id = $1 AND is_used = FALSE
	`, id, UsedReasonRedeemed, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark reset token redeemed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark redeemed rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) InvalidateOtherTokens(ctx context.Context, userID, keepID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE password_resets
		SET is_used = TRUE, used_reason = $3
		WHERE user_id = $1 AND id <> $2 AND is_used = FALSE
	`, userID, keepID, UsedReasonInvalidated)
	if err != nil {
		return 0, fmt.Errorf("invalidate sibling reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate siblings rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) CreateLoginAttempt(ctx context.Context, attempt LoginAttempt) error {
	var userID any
	if attempt.UserID != nil {
		userID = *attempt.UserID
	}

	var reason any
	if attempt.FailureReason != "" {
		reason = attempt.FailureReason
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_attempts (id, user_id, ip_address, user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.ID, userID, attempt.IP, attempt.UserAgent, attempt.Success, reason, attempt.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (r *Repository) ListLoginAttempts(ctx context.Context, userID string, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, ip_address, user_agent, success, failure_reason, created_at
		FROM login_attempts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]LoginAttempt, 0)
	for rows.Next() {
		var attempt LoginAttempt
		var uid, reason sql.NullString
		if err := rows.Scan(&attempt.ID, &uid, &attempt.IP, &attempt.UserAgent, &attempt.Success, &reason, &attempt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		if uid.Valid {
			value := uid.String
			attempt.UserID = &value
		}
		attempt.FailureReason = reason.String
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}

	return attempts, nil
}

func (r *Repository) AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error {
	var details any
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode security log details: %w", err)
		}
		details = encoded
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO security_logs (id, user_id, event_type, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, entry.EventKind, entry.IP, entry.UserAgent, details, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	return nil
}

func (r *Repository) ListSecurityLogs(ctx context.Context, userID string, limit int) ([]SecurityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, ip_address, user_agent, details, created_at
		FROM security_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query security logs: %w", err)
	}
	defer rows.Close()

	entries := make([]SecurityLogEntry, 0)
	for rows.Next() {
		var entry SecurityLogEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.EventKind, &entry.IP, &entry.UserAgent, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode security log details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security logs: %w", err)
	}

	return entries, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, userID, rawToken string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id.String(), userID, hashToken(rawToken), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error) {
	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate new refresh token id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID string
	var userID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hashToken(rawOldToken)).Scan(&oldID, &userID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid || now.After(expiresAt.UTC()) {
		return "", ErrInvalidRefreshToken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, newID.String(), userID, hashToken(rawNewToken), newExpiresAt.UTC(), now)
	if err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE id = $1
	`, oldID, now)
	if err != nil {
		return "", fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return userID, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, hashToken(rawToken), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
