package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/user"
	"github.com/gatekeyhq/gatekey/internal/platform/id"
)

const credentialColumns = `
credential_id, provider_id, user_id, public_key, sign_count, transports,
aaguid, attestation_type, backup_eligible, backup_state,
created_at, updated_at, last_used_at
`

// ListUserCredentials returns every WebAuthn credential registered by a user.
func (s *Store) ListUserCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+credentialColumns+`
FROM webauthn_credentials
WHERE user_id = ?
ORDER BY created_at, credential_id
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	credentials := make([]storage.WebAuthnCredential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// GetCredential resolves a credential by its authenticator-chosen id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.WebAuthnCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.WebAuthnCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.WebAuthnCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.WebAuthnCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM webauthn_credentials
WHERE credential_id = ?
`, credentialID)

	credential, err := scanCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebAuthnCredential{}, storage.ErrNotFound
		}
		return storage.WebAuthnCredential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// CreateCredential persists a credential and its provider link atomically.
func (s *Store) CreateCredential(ctx context.Context, credential storage.WebAuthnCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}

	providerID := credential.ProviderID
	if strings.TrimSpace(providerID) == "" {
		generated, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate provider id: %w", err)
		}
		providerID = generated
	}

	transports, err := json.Marshal(credential.Transports)
	if err != nil {
		return fmt.Errorf("encode transports: %w", err)
	}

	var lastUsed sql.NullInt64
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO providers (id, user_id, kind, created_at)
VALUES (?, ?, ?, ?)
`, providerID, credential.UserID, string(user.ProviderKindWebAuthn), toMillis(credential.CreatedAt)); err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO webauthn_credentials (
	credential_id, provider_id, user_id, public_key, sign_count, transports,
	aaguid, attestation_type, backup_eligible, backup_state,
	created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.CredentialID,
		providerID,
		credential.UserID,
		credential.PublicKey,
		int64(credential.SignCount),
		string(transports),
		credential.AAGUID,
		credential.AttestationType,
		boolToInt(credential.BackupEligible),
		boolToInt(credential.BackupState),
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential: %w", err)
	}
	return nil
}

// UpdateCredentialCounter persists the verified signature counter as a
// compare-and-set: the row only changes when the counter strictly advances,
// or both old and new are zero. Zero rows affected on an existing credential
// means another verification won the race or the counter regressed.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE webauthn_credentials
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND (sign_count < ? OR (sign_count = 0 AND ? = 0))
`, int64(signCount), toMillis(usedAt), toMillis(usedAt), credentialID, int64(signCount), int64(signCount))
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	if affected == 0 {
		var exists int64
		err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM webauthn_credentials WHERE credential_id = ?
`, credentialID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update credential counter: %w", err)
		}
		return storage.ErrCounterRegressed
	}
	return nil
}

// DeleteUserCredential removes a credential owned by userID along with its
// provider link. Unknown or foreign credential ids delete nothing and report
// no error, so callers cannot probe for existence.
func (s *Store) DeleteUserCredential(ctx context.Context, userID string, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	// Removing the provider cascades to the credential row.
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM providers
WHERE id IN (
	SELECT provider_id FROM webauthn_credentials
	WHERE credential_id = ? AND user_id = ?
)
`, credentialID, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

type scanFunc func(dest ...any) error

func scanCredential(scan scanFunc) (storage.WebAuthnCredential, error) {
	var credential storage.WebAuthnCredential
	var signCount int64
	var transports string
	var aaguid []byte
	var backupEligible, backupState int64
	var createdAt, updatedAt int64
	var lastUsed sql.NullInt64

	if err := scan(
		&credential.CredentialID,
		&credential.ProviderID,
		&credential.UserID,
		&credential.PublicKey,
		&signCount,
		&transports,
		&aaguid,
		&credential.AttestationType,
		&backupEligible,
		&backupState,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.WebAuthnCredential{}, err
	}

	credential.SignCount = uint32(signCount)
	credential.AAGUID = aaguid
	credential.BackupEligible = backupEligible != 0
	credential.BackupState = backupState != 0
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	if transports != "" {
		if err := json.Unmarshal([]byte(transports), &credential.Transports); err != nil {
			return storage.WebAuthnCredential{}, fmt.Errorf("decode transports: %w", err)
		}
	}
	return credential, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
