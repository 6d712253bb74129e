package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLog is an append-only sink for security events. It attaches identity
// and timing and hands the entry to the store untouched; event kinds are
// opaque here so new kinds need no change in this component.
type AuditLog struct {
	store AuditStore
}

func NewAuditLog(store AuditStore) *AuditLog {
	return &AuditLog{store: store}
}

func (a *AuditLog) Append(ctx context.Context, userID string, kind EventKind, ip, userAgent string, details map[string]any, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate security log id: %w", err)
	}

	return a.store.AppendSecurityLog(ctx, SecurityLogEntry{
		ID:        id.String(),
		UserID:    userID,
		EventKind: kind,
		IP:        ip,
		UserAgent: userAgent,
		Details:   details,
		CreatedAt: now,
	})
}

// ListForUser returns the user's entries, most recent first.
func (a *AuditLog) ListForUser(ctx context.Context, userID string, limit int) ([]SecurityLogEntry, error) {
	return a.store.ListSecurityLogs(ctx, userID, limit)
}
