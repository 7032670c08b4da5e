// Package httpapi exposes the authentication service as a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gatekeyhq/gatekey/internal/auth/passkey"
	"github.com/gatekeyhq/gatekey/internal/auth/password"
	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/token"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/gatekeyhq/gatekey/internal/platform/requestctx"
	"github.com/go-webauthn/webauthn/protocol"
)

const maxRequestBody = 1 << 20

// passkeyService is the ceremony surface the API consumes.
type passkeyService interface {
	BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, userID string, responseJSON []byte) (string, error)
	BeginLogin(ctx context.Context, userID string) (passkey.LoginOptions, error)
	FinishLogin(ctx context.Context, ceremonyKey string, responseJSON []byte) (passkey.Session, error)
	ListCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error)
	DeleteCredential(ctx context.Context, userID, credentialID string) error
}

// passwordService is the email credential surface the API consumes.
type passwordService interface {
	Login(ctx context.Context, email, pass string) (password.Session, error)
	Register(ctx context.Context, email, pass string) (password.Session, error)
}

// tokenVerifier checks bearer tokens on protected routes.
type tokenVerifier interface {
	Verify(tokenString string) (token.Claims, error)
}

// Server routes authentication requests to the underlying services.
type Server struct {
	passkeys  passkeyService
	passwords passwordService
	tokens    tokenVerifier
	users     storage.UserStore
}

// NewServer wires the HTTP surface.
func NewServer(passkeys passkeyService, passwords passwordService, tokens tokenVerifier, users storage.UserStore) *Server {
	return &Server{
		passkeys:  passkeys,
		passwords: passwords,
		tokens:    tokens,
		users:     users,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/passkeys/registration/options", s.withSession(s.handleRegistrationOptions))
	mux.HandleFunc("POST /v1/passkeys/registration/verify", s.withSession(s.handleRegistrationVerify))
	mux.HandleFunc("POST /v1/passkeys/login/options", s.handleLoginOptions)
	mux.HandleFunc("POST /v1/passkeys/login/verify", s.handleLoginVerify)
	mux.HandleFunc("GET /v1/passkeys", s.withSession(s.handleListPasskeys))
	mux.HandleFunc("DELETE /v1/passkeys/{credentialID}", s.withSession(s.handleDeletePasskey))
	mux.HandleFunc("POST /v1/email/login", s.handleEmailLogin)
	mux.HandleFunc("POST /v1/email/register", s.handleEmailRegister)
	mux.HandleFunc("GET /v1/session", s.withSession(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/account", s.withSession(s.handleDeleteAccount))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// withSession verifies the bearer token and stashes the claims in the
// request context. Missing and invalid tokens are indistinguishable.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, rawToken, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
			return
		}
		claims, err := s.tokens.Verify(strings.TrimSpace(rawToken))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "invalid session token")
			return
		}
		ctx := requestctx.WithSession(r.Context(), requestctx.Session{
			UserID:   claims.UserID,
			Email:    claims.Email,
			Username: claims.Username,
		})
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// decodeJSON reads a strict request body. Unknown fields and trailing data
// are rejected at the boundary.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return false
	}
	if decoder.More() {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return false
	}
	return true
}

// decodeOptionalJSON reads a strict request body for routes where the body
// may be absent. An empty body leaves target at its zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return false
	}
	if decoder.More() {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return false
	}
	return true
}

// writeDomainError maps a service error to the JSON error shape.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "request canceled")
		return
	}

	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		code := domainErr.Code
		status := code.HTTPStatus()
		message := domainErr.Message
		if status >= http.StatusInternalServerError {
			log.Printf("internal error: %v", err)
			message = "internal error"
		}
		writeJSONError(w, status, string(code), message)
		return
	}

	log.Printf("internal error: %v", err)
	writeJSONError(w, http.StatusInternalServerError, string(apperrors.CodeUnknown), "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
