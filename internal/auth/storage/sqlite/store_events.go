package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
)

// AppendSecurityEvent records an operational alert signal.
func (s *Store) AppendSecurityEvent(ctx context.Context, event storage.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO security_events (id, kind, user_id, credential_id, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		event.ID,
		event.Kind,
		event.UserID,
		event.CredentialID,
		event.Detail,
		toMillis(event.CreatedAt),
	); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}
