// Package token mints and verifies the stateless session tokens GateKey
// issues after a successful authentication.
//
// Tokens are never revoked server-side; logout is purely a client-side
// discard. Validity is determined entirely by signature and expiry at
// verification time.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/platform/config"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/golang-jwt/jwt/v5"
)

const minSecretLength = 32

// ErrInvalidToken covers every verification failure uniformly. Callers never
// learn whether a token was expired, tampered with, or malformed.
var ErrInvalidToken = apperrors.New(apperrors.CodeUnauthorized, "invalid session token")

// Config controls session token issuance.
type Config struct {
	Secret string        `env:"GATEKEY_TOKEN_SECRET"`
	Issuer string        `env:"GATEKEY_TOKEN_ISSUER" envDefault:"gatekey"`
	TTL    time.Duration `env:"GATEKEY_TOKEN_TTL"    envDefault:"168h"`
}

// LoadConfigFromEnv reads token configuration and validates the secret.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if len(cfg.Secret) < minSecretLength {
		return Config{}, fmt.Errorf("GATEKEY_TOKEN_SECRET must be at least %d bytes", minSecretLength)
	}
	if cfg.TTL <= 0 {
		return Config{}, fmt.Errorf("GATEKEY_TOKEN_TTL must be positive")
	}
	return cfg, nil
}

// Claims is the identity a session token carries.
type Claims struct {
	UserID   string
	Email    string
	Username string
}

// sessionClaims is the internal claims type used for JWT encoding.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Issuer signs and verifies session tokens with a symmetric secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewIssuer builds a token issuer from validated configuration.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "gatekey"
	}
	return &Issuer{
		secret: []byte(cfg.Secret),
		issuer: issuer,
		ttl:    cfg.TTL,
		clock:  time.Now,
	}, nil
}

// WithClock replaces the issuer clock. Intended for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	if clock != nil {
		i.clock = clock
	}
	return i
}

// Issue signs a session token for a verified identity.
func (i *Issuer) Issue(claims Claims) (string, error) {
	if i == nil {
		return "", fmt.Errorf("issuer is not configured")
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", fmt.Errorf("user id is required")
	}

	now := i.clock().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		UserID:   claims.UserID,
		Email:    claims.Email,
		Username: claims.Username,
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded identity.
// Every failure maps to ErrInvalidToken; the cause stays wrapped for logs.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	if i == nil {
		return Claims{}, fmt.Errorf("issuer is not configured")
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, ErrInvalidToken
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return i.clock().UTC() }),
	)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid session token", err)
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		UserID:   parsed.UserID,
		Email:    parsed.Email,
		Username: parsed.Username,
	}, nil
}
