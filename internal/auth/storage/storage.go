// Package storage defines the persistence interfaces for GateKey identity
// data. The credential repository exclusively owns user, provider, and
// credential records; services never share mutable state outside it.
package storage

import (
	"context"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/user"
	"github.com/gatekeyhq/gatekey/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrEmailInUse indicates an email address is already registered.
var ErrEmailInUse = errors.New(errors.CodeEmailInUse, "email already in use")

// ErrCounterRegressed indicates a signature counter update did not advance
// past the stored counter. A concurrent verification already claimed the
// counter value, or a cloned authenticator replayed an old one.
var ErrCounterRegressed = errors.New(errors.CodeVerificationFailed, "signature counter regressed")

// WebAuthnCredential stores a registered passkey for a user.
//
// SignCount is the authenticator-reported signature counter. It only ever
// grows; authenticators without counter support stay at zero.
type WebAuthnCredential struct {
	CredentialID    string // base64url, chosen by the authenticator
	UserID          string
	ProviderID      string
	PublicKey       []byte
	SignCount       uint32
	Transports      []string
	AAGUID          []byte
	AttestationType string
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastUsedAt      *time.Time
}

// EmailCredential stores the password-based credential for a user.
type EmailCredential struct {
	Email        string
	PasswordHash []byte
	ProviderID   string
	UserID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecurityEvent records an operational alert signal, such as a signature
// counter regression pointing at a cloned authenticator.
type SecurityEvent struct {
	ID           string
	Kind         string
	UserID       string
	CredentialID string
	Detail       string
	CreatedAt    time.Time
}

// SecurityEventKindCounterRegression flags a replayed or cloned credential.
const SecurityEventKindCounterRegression = "COUNTER_REGRESSION"

// UserStore persists user identity records.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (user.User, error)
	// DeleteUser removes a user and cascades to its providers and credentials.
	DeleteUser(ctx context.Context, userID string) error
}

// CredentialStore persists WebAuthn credentials and their provider links.
type CredentialStore interface {
	ListUserCredentials(ctx context.Context, userID string) ([]WebAuthnCredential, error)
	// GetCredential resolves a credential by its authenticator-chosen id,
	// returning the owning user id inside the record.
	GetCredential(ctx context.Context, credentialID string) (WebAuthnCredential, error)
	// CreateCredential persists a credential and its provider link atomically.
	CreateCredential(ctx context.Context, credential WebAuthnCredential) error
	// UpdateCredentialCounter persists a verified signature counter. The
	// write is conditional: it succeeds only when signCount is strictly
	// greater than the stored counter, or both are zero. A counter that does
	// not advance yields ErrCounterRegressed, so concurrent verifications
	// against the same credential cannot both claim the same counter value.
	// No other credential field changes on authentication.
	UpdateCredentialCounter(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error
	// DeleteUserCredential removes a credential owned by userID. Deleting an
	// unknown or foreign credential id is not an error.
	DeleteUserCredential(ctx context.Context, userID string, credentialID string) error
}

// EmailStore persists email credentials.
type EmailStore interface {
	GetEmailCredential(ctx context.Context, email string) (EmailCredential, error)
	// GetEmailCredentialByUserID resolves the email credential owned by a
	// user, if any.
	GetEmailCredentialByUserID(ctx context.Context, userID string) (EmailCredential, error)
	// CreateUserWithEmailCredential persists the user, provider link, and
	// email credential as one atomic unit. A duplicate email yields
	// ErrEmailInUse.
	CreateUserWithEmailCredential(ctx context.Context, u user.User, email string, passwordHash []byte) error
}

// SecurityEventStore persists operational alert signals.
type SecurityEventStore interface {
	AppendSecurityEvent(ctx context.Context, event SecurityEvent) error
}
