package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// 32 random bytes, 256 bits of entropy in the hex token.
	resetTokenBytes = 32

	defaultResetTTL = 24 * time.Hour
)

// PasswordResets manages the reset-token lifecycle: issue, sibling
// invalidation, redemption. Issuing does not invalidate prior tokens by
// itself; callers wanting one-active-token semantics call InvalidateSiblings
// after Issue.
type PasswordResets struct {
	tokens ResetTokenStore
	audit  *AuditLog
	ttl    time.Duration
}

func NewPasswordResets(tokens ResetTokenStore, audit *AuditLog) *PasswordResets {
	return &PasswordResets{tokens: tokens, audit: audit, ttl: defaultResetTTL}
}

func (p *PasswordResets) WithTTL(ttl time.Duration) *PasswordResets {
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

func (p *PasswordResets) Issue(ctx context.Context, userID, ip string, now time.Time) (PasswordResetToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return PasswordResetToken{}, fmt.Errorf("generate reset token id: %w", err)
	}
	raw, err := randomToken(resetTokenBytes)
	if err != nil {
		return PasswordResetToken{}, fmt.Errorf("generate reset token: %w", err)
	}

	token := PasswordResetToken{
		ID:        id.String(),
		UserID:    userID,
		Token:     raw,
		ExpiresAt: now.Add(p.ttl),
		CreatedAt: now,
		CreatedIP: ip,
	}
	if err := p.tokens.CreateResetToken(ctx, token); err != nil {
		return PasswordResetToken{}, err
	}

	err = p.audit.Append(ctx, userID, EventResetRequest, ip, "", map[string]any{
		"token_id": token.ID,
	}, now)
	if err != nil {
		return PasswordResetToken{}, err
	}

	return token, nil
}

// InvalidateSiblings marks every other unused token of the same user as used
// with reason "invalidated". The token itself is never touched.
func (p *PasswordResets) InvalidateSiblings(ctx context.Context, token PasswordResetToken) error {
	_, err := p.tokens.InvalidateOtherTokens(ctx, token.UserID, token.ID)
	return err
}

// Redeem validates the raw token and marks it redeemed. Expiry is checked
// before the used flag, so an expired-and-unused token reports ErrTokenExpired
// rather than a generic failure. The caller applies the new password hash and
// resets the lockout counter.
func (p *PasswordResets) Redeem(ctx context.Context, raw string, now time.Time) (PasswordResetToken, error) {
	token, err := p.tokens.GetResetToken(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return PasswordResetToken{}, ErrTokenInvalid
		}
		return PasswordResetToken{}, err
	}

	if token.ExpiredAt(now) {
		return PasswordResetToken{}, ErrTokenExpired
	}
	if token.Used {
		return PasswordResetToken{}, ErrTokenUsed
	}

	redeemed, err := p.tokens.MarkTokenRedeemed(ctx, token.ID, now)
	if err != nil {
		return PasswordResetToken{}, err
	}
	if !redeemed {
		// Lost the race against a concurrent redeem or invalidation.
		return PasswordResetToken{}, ErrTokenUsed
	}

	token.Used = true
	token.UsedReason = UsedReasonRedeemed
	token.UsedAt = &now
	return token, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
