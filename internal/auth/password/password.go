// Package password implements the email/password login path. It feeds the
// same token issuer as the passkey ceremonies.
package password

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/token"
	"github.com/gatekeyhq/gatekey/internal/auth/user"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/gatekeyhq/gatekey/internal/platform/id"
	"golang.org/x/crypto/bcrypt"
)

const (
	hashCost          = 10
	minPasswordLength = 8
)

// ErrInvalidCredentials covers both an unknown email and a wrong password.
// The two cases are never distinguished to the caller.
var ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid email or password")

// dummyHash is compared against when the email is unknown so the two
// failure paths cost roughly the same.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// TokenIssuer mints session tokens for verified identities.
type TokenIssuer interface {
	Issue(claims token.Claims) (string, error)
}

// Session is the result of a successful email login or registration.
type Session struct {
	AccessToken string
	UserID      string
	Email       string
	Username    string
}

// Service verifies and registers email credentials.
type Service struct {
	users  storage.UserStore
	emails storage.EmailStore
	tokens TokenIssuer

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService builds an email credential verifier.
func NewService(users storage.UserStore, emails storage.EmailStore, tokens TokenIssuer) *Service {
	return &Service{
		users:       users,
		emails:      emails,
		tokens:      tokens,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// Login checks an email/password pair and mints a session token. Unknown
// email and wrong password both return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	if s == nil || s.emails == nil || s.users == nil || s.tokens == nil {
		return Session{}, fmt.Errorf("password service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	email = normalizeEmail(email)
	if email == "" || password == "" {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Session{}, ErrInvalidCredentials
	}

	credential, err := s.emails.GetEmailCredential(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("load email credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(credential.PasswordHash, []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	owner, err := s.users.GetUser(ctx, credential.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("load credential owner: %w", err)
	}

	return s.mintSession(owner, credential.Email)
}

// Register creates the user, provider link, and email credential as one
// atomic unit and mints a session token. A duplicate email yields
// storage.ErrEmailInUse.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	if s == nil || s.emails == nil || s.tokens == nil {
		return Session{}, fmt.Errorf("password service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "a valid email address is required")
	}
	if len(password) < minPasswordLength {
		return Session{}, apperrors.New(apperrors.CodeInvalidCredentials,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	newUser, err := user.NewUser(email, s.clock, s.idGenerator)
	if err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}

	if err := s.emails.CreateUserWithEmailCredential(ctx, newUser, email, hash); err != nil {
		if errors.Is(err, storage.ErrEmailInUse) {
			return Session{}, storage.ErrEmailInUse
		}
		return Session{}, fmt.Errorf("persist email credential: %w", err)
	}

	return s.mintSession(newUser, email)
}

func (s *Service) mintSession(owner user.User, email string) (Session, error) {
	accessToken, err := s.tokens.Issue(token.Claims{
		UserID:   owner.ID,
		Email:    email,
		Username: owner.Username,
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue session token: %w", err)
	}
	return Session{
		AccessToken: accessToken,
		UserID:      owner.ID,
		Email:       email,
		Username:    owner.Username,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
