package auth

import (
	"context"
	"fmt"
	"time"
)

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedResetTokens   int64 `json:"deleted_reset_tokens"`
}

// CleanupStaleSecurityData prunes storage the retention policy no longer
// needs: old login attempts, dead (used or expired) reset tokens, and expired
// or long-revoked refresh tokens. Security logs are append-only and are never
// touched here.
func (r *Repository) CleanupStaleSecurityData(ctx context.Context, attemptRetention, tokenRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if attemptRetention <= 0 {
		attemptRetention = 90 * 24 * time.Hour
	}
	if tokenRetention <= 0 {
		tokenRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	attemptCutoff := now.Add(-attemptRetention)
	tokenCutoff := now.Add(-tokenRetention)

	deletedAttempts, err := r.deleteStaleLoginAttempts(ctx, attemptCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedResets, err := r.deleteDeadResetTokens(ctx, tokenCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedRefresh, err := r.deleteStaleRefreshTokens(ctx, tokenCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedRefresh,
		DeletedLoginAttempts: deletedAttempts,
		DeletedResetTokens:   deletedResets,
	}, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM login_attempts
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM login_attempts t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteDeadResetTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM password_resets
			WHERE (is_used OR expires_at < NOW()) AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM password_resets t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete dead reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dead reset tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}
