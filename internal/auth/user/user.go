// Package user defines the identity anchor shared by every credential kind.
package user

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/platform/id"
)

// ProviderKind names a linked authentication method.
type ProviderKind string

const (
	// ProviderKindEmail is the email/password credential kind.
	ProviderKindEmail ProviderKind = "EMAIL"
	// ProviderKindWebAuthn is the passkey credential kind.
	ProviderKindWebAuthn ProviderKind = "WEBAUTHN"
)

// User represents an authenticated identity record.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser creates a durable user identity.
//
// This is the canonical point where an untrusted username becomes a stable
// identity that credentials and tokens bind to.
func NewUser(username string, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("username is required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Username:  username,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
