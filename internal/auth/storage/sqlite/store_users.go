package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/user"
	"github.com/gatekeyhq/gatekey/internal/platform/id"
)

// GetUser fetches a user identity record.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, created_at, updated_at
FROM users
WHERE id = ?
`, userID)

	var found user.User
	var createdAt, updatedAt int64
	if err := row.Scan(&found.ID, &found.Username, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	found.CreatedAt = fromMillis(createdAt)
	found.UpdatedAt = fromMillis(updatedAt)
	return found, nil
}

// DeleteUser removes a user. Providers and credentials cascade with it.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetEmailCredential fetches an email credential by its unique email.
func (s *Store) GetEmailCredential(ctx context.Context, email string) (storage.EmailCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.EmailCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EmailCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return storage.EmailCredential{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT email, provider_id, user_id, password_hash, created_at, updated_at
FROM email_credentials
WHERE email = ?
`, email)

	var credential storage.EmailCredential
	var createdAt, updatedAt int64
	if err := row.Scan(
		&credential.Email,
		&credential.ProviderID,
		&credential.UserID,
		&credential.PasswordHash,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EmailCredential{}, storage.ErrNotFound
		}
		return storage.EmailCredential{}, fmt.Errorf("get email credential: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	return credential, nil
}

// GetEmailCredentialByUserID fetches the email credential owned by a user.
func (s *Store) GetEmailCredentialByUserID(ctx context.Context, userID string) (storage.EmailCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.EmailCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EmailCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.EmailCredential{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT email, provider_id, user_id, password_hash, created_at, updated_at
FROM email_credentials
WHERE user_id = ?
`, userID)

	var credential storage.EmailCredential
	var createdAt, updatedAt int64
	if err := row.Scan(
		&credential.Email,
		&credential.ProviderID,
		&credential.UserID,
		&credential.PasswordHash,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EmailCredential{}, storage.ErrNotFound
		}
		return storage.EmailCredential{}, fmt.Errorf("get email credential by user: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	return credential, nil
}

// CreateUserWithEmailCredential persists user, provider, and credential as one
// atomic unit. A duplicate email maps to ErrEmailInUse.
func (s *Store) CreateUserWithEmailCredential(ctx context.Context, u user.User, email string, passwordHash []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email is required")
	}
	if len(passwordHash) == 0 {
		return fmt.Errorf("password hash is required")
	}

	providerID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate provider id: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, username, created_at, updated_at)
VALUES (?, ?, ?, ?)
`, u.ID, u.Username, toMillis(u.CreatedAt), toMillis(u.UpdatedAt)); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO providers (id, user_id, kind, created_at)
VALUES (?, ?, ?, ?)
`, providerID, u.ID, string(user.ProviderKindEmail), toMillis(u.CreatedAt)); err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO email_credentials (email, provider_id, user_id, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, email, providerID, u.ID, passwordHash, toMillis(u.CreatedAt), toMillis(u.UpdatedAt)); err != nil {
		if isUniqueViolation(err, "email_credentials.email") {
			return storage.ErrEmailInUse
		}
		return fmt.Errorf("insert email credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user with email credential: %w", err)
	}
	return nil
}
