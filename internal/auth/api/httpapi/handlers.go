package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/gatekeyhq/gatekey/internal/platform/requestctx"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type sessionResponse struct {
	Verified    bool        `json:"verified"`
	AccessToken string      `json:"access_token"`
	User        userPayload `json:"user"`
}

type passkeySummary struct {
	CredentialID   string   `json:"credential_id"`
	Transports     []string `json:"transports,omitempty"`
	BackupEligible bool     `json:"backup_eligible"`
	BackupState    bool     `json:"backup_state"`
	CreatedAt      string   `json:"created_at"`
	LastUsedAt     string   `json:"last_used_at,omitempty"`
}

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}

	creation, err := s.passkeys.BeginRegistration(r.Context(), session.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

func (s *Server) handleRegistrationVerify(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}

	var request struct {
		Response json.RawMessage `json:"response"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}
	if len(request.Response) == 0 {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "response is required")
		return
	}

	credentialID, err := s.passkeys.FinishRegistration(r.Context(), session.UserID, request.Response)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified":      true,
		"credential_id": credentialID,
	})
}

func (s *Server) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID string `json:"user_id"`
	}
	// Anonymous clients may begin a discoverable login with no body at all.
	if !decodeOptionalJSON(w, r, &request) {
		return
	}

	options, err := s.passkeys.BeginLogin(r.Context(), request.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id": options.CeremonyKey,
		"options":     options.Assertion,
	})
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var request struct {
		CeremonyID string          `json:"ceremony_id"`
		Response   json.RawMessage `json:"response"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.CeremonyID) == "" || len(request.Response) == 0 {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "ceremony_id and response are required")
		return
	}

	result, err := s.passkeys.FinishLogin(r.Context(), request.CeremonyID, request.Response)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Verified:    true,
		AccessToken: result.AccessToken,
		User: userPayload{
			ID:       result.UserID,
			Username: result.Username,
			Email:    result.Email,
		},
	})
}

func (s *Server) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}

	credentials, err := s.passkeys.ListCredentials(r.Context(), session.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]passkeySummary, 0, len(credentials))
	for _, credential := range credentials {
		summary := passkeySummary{
			CredentialID:   credential.CredentialID,
			Transports:     credential.Transports,
			BackupEligible: credential.BackupEligible,
			BackupState:    credential.BackupState,
			CreatedAt:      credential.CreatedAt.UTC().Format(time.RFC3339),
		}
		if credential.LastUsedAt != nil {
			summary.LastUsedAt = credential.LastUsedAt.UTC().Format(time.RFC3339)
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": summaries})
}

func (s *Server) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}

	credentialID := strings.TrimSpace(r.PathValue("credentialID"))
	if credentialID == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "credential id is required")
		return
	}

	if err := s.passkeys.DeleteCredential(r.Context(), session.UserID, credentialID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleEmailLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}

	result, err := s.passwords.Login(r.Context(), request.Email, request.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Verified:    true,
		AccessToken: result.AccessToken,
		User: userPayload{
			ID:       result.UserID,
			Username: result.Username,
			Email:    result.Email,
		},
	})
}

func (s *Server) handleEmailRegister(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &request) {
		return
	}

	result, err := s.passwords.Register(r.Context(), request.Email, request.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		Verified:    true,
		AccessToken: result.AccessToken,
		User: userPayload{
			ID:       result.UserID,
			Username: result.Username,
			Email:    result.Email,
		},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}
	writeJSON(w, http.StatusOK, userPayload{
		ID:       session.UserID,
		Username: session.Username,
		Email:    session.Email,
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	session, ok := requestctx.SessionFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, string(apperrors.CodeUnauthorized), "a bearer token is required")
		return
	}

	if err := s.users.DeleteUser(r.Context(), session.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// the token outlived the account; nothing left to delete
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
