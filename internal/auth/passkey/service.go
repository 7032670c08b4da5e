package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/challenge"
	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/telemetry"
	"github.com/gatekeyhq/gatekey/internal/auth/token"
	"github.com/gatekeyhq/gatekey/internal/auth/user"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/gatekeyhq/gatekey/internal/platform/id"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrCredentialNotRegistered indicates the credential id embedded in an
// authentication response is unknown.
var ErrCredentialNotRegistered = apperrors.New(apperrors.CodeCredentialNotRegistered, "credential is not registered")

// ErrVerificationFailed indicates a signature, origin, relying-party-id, or
// counter check failed. Treated as a potential attack signal and logged.
var ErrVerificationFailed = apperrors.New(apperrors.CodeVerificationFailed, "passkey verification failed")

// webAuthnProvider is the ceremony surface consumed from go-webauthn.
// *webauthn.WebAuthn satisfies it; tests substitute fakes.
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// credentialParser decodes raw ceremony responses at the boundary.
type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultCredentialParser struct{}

func (defaultCredentialParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultCredentialParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// TokenIssuer mints session tokens for verified identities.
type TokenIssuer interface {
	Issue(claims token.Claims) (string, error)
}

// Session is the result of a successful passkey authentication.
type Session struct {
	AccessToken  string
	UserID       string
	Email        string
	Username     string
	CredentialID string
}

// LoginOptions is what beginLogin hands back to the client: the assertion
// options plus the ceremony key to echo on finish.
type LoginOptions struct {
	Assertion   *protocol.CredentialAssertion
	CeremonyKey string
}

// Service orchestrates WebAuthn ceremonies. It is stateless between calls;
// all cross-call state lives in the challenge store and the repository.
type Service struct {
	users       storage.UserStore
	credentials storage.CredentialStore
	emails      storage.EmailStore
	challenges  challenge.Store
	tokens      TokenIssuer
	events      *telemetry.Emitter

	provider webAuthnProvider
	parser   credentialParser
	config   Config

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService wires a passkey ceremony orchestrator.
func NewService(
	provider *webauthn.WebAuthn,
	cfg Config,
	users storage.UserStore,
	credentials storage.CredentialStore,
	emails storage.EmailStore,
	challenges challenge.Store,
	tokens TokenIssuer,
	events *telemetry.Emitter,
) *Service {
	return &Service{
		users:       users,
		credentials: credentials,
		emails:      emails,
		challenges:  challenges,
		tokens:      tokens,
		events:      events,
		provider:    provider,
		parser:      defaultCredentialParser{},
		config:      cfg,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

func (s *Service) ready() error {
	if s == nil || s.provider == nil || s.parser == nil {
		return fmt.Errorf("passkey provider is not configured")
	}
	if s.users == nil || s.credentials == nil || s.challenges == nil {
		return fmt.Errorf("passkey storage is not configured")
	}
	return nil
}

func registrationKey(userID string) string { return "reg:" + userID }
func loginKey(ceremonyKey string) string   { return "login:" + ceremonyKey }

// BeginRegistration issues creation options for adding a passkey to an
// already-authenticated user. Existing credentials populate the exclusion
// list so an authenticator cannot re-register a key it already offered.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	owner, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ceremonyUser, err := s.loadCeremonyUser(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load ceremony user: %w", err)
	}

	var opts []webauthn.RegistrationOption
	if len(ceremonyUser.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.provider.BeginRegistration(ceremonyUser, opts...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := s.putCeremony(ctx, registrationKey(userID), session, s.config.RegistrationTTL); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration verifies an attestation response and persists the new
// credential. The pending challenge is consumed before verification runs, so
// a failed attempt cannot be replayed against the same challenge.
func (s *Service) FinishRegistration(ctx context.Context, userID string, responseJSON []byte) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if len(responseJSON) == 0 {
		return "", fmt.Errorf("credential response is required")
	}

	session, err := s.takeCeremony(ctx, registrationKey(userID))
	if err != nil {
		return "", err
	}

	owner, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	ceremonyUser, err := s.loadCeremonyUser(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("load ceremony user: %w", err)
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeVerificationFailed, "parse credential response", err)
	}
	validated, err := s.provider.CreateCredential(ceremonyUser, session, parsed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeVerificationFailed, "verify registration response", err)
	}

	record := s.toStoredCredential(owner.ID, validated)
	if err := s.credentials.CreateCredential(ctx, record); err != nil {
		return "", fmt.Errorf("persist credential: %w", err)
	}
	return record.CredentialID, nil
}

// BeginLogin issues assertion options. With a user id the allow-list names
// that user's credentials; with an empty id the flow is discoverable and the
// authenticator supplies the credential at finish time. The returned ceremony
// key must be echoed to FinishLogin.
func (s *Service) BeginLogin(ctx context.Context, userID string) (LoginOptions, error) {
	if err := s.ready(); err != nil {
		return LoginOptions{}, err
	}
	userID = strings.TrimSpace(userID)

	var (
		assertion   *protocol.CredentialAssertion
		session     *webauthn.SessionData
		ceremonyKey string
	)
	if userID == "" {
		anonymousID, err := s.idGenerator()
		if err != nil {
			return LoginOptions{}, fmt.Errorf("generate ceremony key: %w", err)
		}
		ceremonyKey = anonymousID
		assertion, session, err = s.provider.BeginDiscoverableLogin()
		if err != nil {
			return LoginOptions{}, fmt.Errorf("begin discoverable login: %w", err)
		}
	} else {
		owner, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return LoginOptions{}, err
		}
		ceremonyUser, err := s.loadCeremonyUser(ctx, owner)
		if err != nil {
			return LoginOptions{}, fmt.Errorf("load ceremony user: %w", err)
		}
		if len(ceremonyUser.credentials) == 0 {
			return LoginOptions{}, ErrCredentialNotRegistered
		}
		ceremonyKey = userID
		assertion, session, err = s.provider.BeginLogin(ceremonyUser)
		if err != nil {
			return LoginOptions{}, fmt.Errorf("begin login: %w", err)
		}
	}

	if err := s.putCeremony(ctx, loginKey(ceremonyKey), session, s.config.LoginTTL); err != nil {
		return LoginOptions{}, err
	}
	return LoginOptions{Assertion: assertion, CeremonyKey: ceremonyKey}, nil
}

// FinishLogin verifies an assertion response and mints a session token.
//
// Identity comes from the credential id embedded in the response, never from
// the caller-supplied ceremony key. The signature counter must advance on
// every use unless both stored and reported counters are zero; a regression
// fails verification and records a security event.
func (s *Service) FinishLogin(ctx context.Context, ceremonyKey string, responseJSON []byte) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	if s.tokens == nil {
		return Session{}, fmt.Errorf("token issuer is not configured")
	}
	ceremonyKey = strings.TrimSpace(ceremonyKey)
	if ceremonyKey == "" {
		return Session{}, challenge.ErrChallengeMissing
	}
	if len(responseJSON) == 0 {
		return Session{}, fmt.Errorf("credential response is required")
	}

	session, err := s.takeCeremony(ctx, loginKey(ceremonyKey))
	if err != nil {
		return Session{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "parse credential response", err)
	}

	credentialID := encodeCredentialID(parsed.RawID)
	stored, err := s.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, ErrCredentialNotRegistered
		}
		return Session{}, fmt.Errorf("resolve credential: %w", err)
	}

	owner, err := s.users.GetUser(ctx, stored.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("load credential owner: %w", err)
	}

	validated, err := s.validateAssertion(ctx, owner, session, parsed)
	if err != nil {
		return Session{}, err
	}

	if validated.Authenticator.CloneWarning {
		s.events.EmitCounterRegression(ctx, owner.ID, credentialID,
			fmt.Sprintf("reported counter %d did not advance past stored counter %d",
				parsed.Response.AuthenticatorData.Counter, stored.SignCount))
		return Session{}, apperrors.New(apperrors.CodeVerificationFailed, "signature counter did not advance")
	}

	// The store write is conditional on the counter strictly advancing, so
	// two concurrent verifications of the same assertion cannot both land.
	now := s.clock().UTC()
	if err := s.credentials.UpdateCredentialCounter(ctx, credentialID, validated.Authenticator.SignCount, now); err != nil {
		if errors.Is(err, storage.ErrCounterRegressed) {
			s.events.EmitCounterRegression(ctx, owner.ID, credentialID,
				fmt.Sprintf("stored counter advanced past reported counter %d during verification",
					validated.Authenticator.SignCount))
			return Session{}, apperrors.New(apperrors.CodeVerificationFailed, "signature counter did not advance")
		}
		return Session{}, fmt.Errorf("persist signature counter: %w", err)
	}

	email := ""
	if s.emails != nil {
		if emailCredential, err := s.emails.GetEmailCredentialByUserID(ctx, owner.ID); err == nil {
			email = emailCredential.Email
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Session{}, fmt.Errorf("load email credential: %w", err)
		}
	}

	accessToken, err := s.tokens.Issue(token.Claims{
		UserID:   owner.ID,
		Email:    email,
		Username: owner.Username,
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue session token: %w", err)
	}

	return Session{
		AccessToken:  accessToken,
		UserID:       owner.ID,
		Email:        email,
		Username:     owner.Username,
		CredentialID: credentialID,
	}, nil
}

// ListCredentials returns the user's registered passkeys.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]storage.WebAuthnCredential, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return s.credentials.ListUserCredentials(ctx, userID)
}

// DeleteCredential removes a passkey owned by userID. Unknown and foreign
// credential ids return the same result as a successful delete so existence
// never leaks across accounts.
func (s *Service) DeleteCredential(ctx context.Context, userID, credentialID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	credentialID = strings.TrimSpace(credentialID)
	if userID == "" || credentialID == "" {
		return fmt.Errorf("user id and credential id are required")
	}
	return s.credentials.DeleteUserCredential(ctx, userID, credentialID)
}

// validateAssertion runs the known-user or discoverable verification path,
// depending on how the ceremony was begun.
func (s *Service) validateAssertion(ctx context.Context, owner user.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if len(session.UserID) != 0 {
		ceremonyUser, err := s.loadCeremonyUser(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("load ceremony user: %w", err)
		}
		validated, err := s.provider.ValidateLogin(ceremonyUser, session, parsed)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify assertion", err)
		}
		return validated, nil
	}

	_, validated, err := s.provider.ValidatePasskeyLogin(s.discoverableUserHandler(ctx), session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify discoverable assertion", err)
	}
	return validated, nil
}

func (s *Service) discoverableUserHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		owner, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.loadCeremonyUser(ctx, owner)
	}
}

func (s *Service) putCeremony(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode ceremony state: %w", err)
	}
	if err := s.challenges.Put(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("store ceremony state: %w", err)
	}
	return nil
}

func (s *Service) takeCeremony(ctx context.Context, key string) (webauthn.SessionData, error) {
	payload, err := s.challenges.TakeAndInvalidate(ctx, key)
	if err != nil {
		return webauthn.SessionData{}, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(payload, &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode ceremony state: %w", err)
	}
	return session, nil
}

// ceremonyUser adapts a stored user and credentials to webauthn.User.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte { return []byte(u.user.ID) }

func (u *ceremonyUser) WebAuthnName() string { return u.user.Username }

func (u *ceremonyUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *ceremonyUser) WebAuthnIcon() string { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (s *Service) loadCeremonyUser(ctx context.Context, owner user.User) (*ceremonyUser, error) {
	records, err := s.credentials.ListUserCredentials(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{user: owner, credentials: credentials}, nil
}

func decodeStoredCredentials(records []storage.WebAuthnCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		rawID, err := decodeCredentialID(record.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("decode credential id %s: %w", record.CredentialID, err)
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
		for _, transport := range record.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(transport))
		}
		credentials = append(credentials, webauthn.Credential{
			ID:              rawID,
			PublicKey:       record.PublicKey,
			AttestationType: record.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: record.BackupEligible,
				BackupState:    record.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    record.AAGUID,
				SignCount: record.SignCount,
			},
		})
	}
	return credentials, nil
}

func (s *Service) toStoredCredential(userID string, credential *webauthn.Credential) storage.WebAuthnCredential {
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	now := s.clock().UTC()
	return storage.WebAuthnCredential{
		CredentialID:    encodeCredentialID(credential.ID),
		UserID:          userID,
		PublicKey:       credential.PublicKey,
		SignCount:       credential.Authenticator.SignCount,
		Transports:      transports,
		AAGUID:          credential.Authenticator.AAGUID,
		AttestationType: credential.AttestationType,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCredentialID(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}
