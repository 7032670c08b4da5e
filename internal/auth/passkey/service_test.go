package passkey

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/challenge"
	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/auth/telemetry"
	"github.com/gatekeyhq/gatekey/internal/auth/token"
	"github.com/gatekeyhq/gatekey/internal/auth/user"
	apperrors "github.com/gatekeyhq/gatekey/internal/platform/errors"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

type fakeStore struct {
	users            map[string]user.User
	credentials      map[string]storage.WebAuthnCredential
	emailCredentials map[string]storage.EmailCredential
	events           []storage.SecurityEvent
	counterUpdates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:            make(map[string]user.User),
		credentials:      make(map[string]storage.WebAuthnCredential),
		emailCredentials: make(map[string]storage.EmailCredential),
	}
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) DeleteUser(_ context.Context, userID string) error {
	if _, ok := f.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.users, userID)
	return nil
}

func (f *fakeStore) ListUserCredentials(_ context.Context, userID string) ([]storage.WebAuthnCredential, error) {
	var out []storage.WebAuthnCredential
	for _, c := range f.credentials {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCredential(_ context.Context, credentialID string) (storage.WebAuthnCredential, error) {
	c, ok := f.credentials[credentialID]
	if !ok {
		return storage.WebAuthnCredential{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateCredential(_ context.Context, credential storage.WebAuthnCredential) error {
	f.credentials[credential.CredentialID] = credential
	return nil
}

func (f *fakeStore) UpdateCredentialCounter(_ context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	c, ok := f.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if signCount <= c.SignCount && !(signCount == 0 && c.SignCount == 0) {
		return storage.ErrCounterRegressed
	}
	c.SignCount = signCount
	c.LastUsedAt = &usedAt
	f.credentials[credentialID] = c
	f.counterUpdates++
	return nil
}

func (f *fakeStore) DeleteUserCredential(_ context.Context, userID, credentialID string) error {
	c, ok := f.credentials[credentialID]
	if ok && c.UserID == userID {
		delete(f.credentials, credentialID)
	}
	return nil
}

func (f *fakeStore) GetEmailCredential(_ context.Context, email string) (storage.EmailCredential, error) {
	c, ok := f.emailCredentials[email]
	if !ok {
		return storage.EmailCredential{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetEmailCredentialByUserID(_ context.Context, userID string) (storage.EmailCredential, error) {
	for _, c := range f.emailCredentials {
		if c.UserID == userID {
			return c, nil
		}
	}
	return storage.EmailCredential{}, storage.ErrNotFound
}

func (f *fakeStore) CreateUserWithEmailCredential(_ context.Context, u user.User, email string, passwordHash []byte) error {
	if _, ok := f.emailCredentials[email]; ok {
		return storage.ErrEmailInUse
	}
	f.users[u.ID] = u
	f.emailCredentials[email] = storage.EmailCredential{Email: email, PasswordHash: passwordHash, UserID: u.ID}
	return nil
}

func (f *fakeStore) AppendSecurityEvent(_ context.Context, event storage.SecurityEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeIssuer struct {
	issued []token.Claims
}

func (f *fakeIssuer) Issue(claims token.Claims) (string, error) {
	f.issued = append(f.issued, claims)
	return "token-for-" + claims.UserID, nil
}

type fakeProvider struct {
	session   *webauthn.SessionData
	beganUser webauthn.User

	createdCredential *webauthn.Credential
	createErr         error

	validatedCredential *webauthn.Credential
	validateErr         error

	discoverableCalls int
	validateCalls     int
	passkeyCalls      int
}

func (f *fakeProvider) BeginRegistration(u webauthn.User, _ ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	f.beganUser = u
	return &protocol.CredentialCreation{}, f.session, nil
}

func (f *fakeProvider) CreateCredential(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createdCredential, nil
}

func (f *fakeProvider) BeginLogin(u webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	f.beganUser = u
	return &protocol.CredentialAssertion{}, f.session, nil
}

func (f *fakeProvider) BeginDiscoverableLogin(_ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	f.discoverableCalls++
	return &protocol.CredentialAssertion{}, f.session, nil
}

func (f *fakeProvider) ValidateLogin(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	f.validateCalls++
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.validatedCredential, nil
}

func (f *fakeProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, _ webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	f.passkeyCalls++
	if f.validateErr != nil {
		return nil, nil, f.validateErr
	}
	resolved, err := handler(parsed.RawID, parsed.Response.UserHandle)
	if err != nil {
		return nil, nil, err
	}
	return resolved, f.validatedCredential, nil
}

type fakeParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(_ []byte) (*protocol.ParsedCredentialCreationData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.creation, nil
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(_ []byte) (*protocol.ParsedCredentialAssertionData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.assertion, nil
}

func encodeRawID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func newTestService(t *testing.T, provider *fakeProvider, parser *fakeParser) (*Service, *fakeStore, *fakeIssuer) {
	t.Helper()
	store := newFakeStore()
	issuer := &fakeIssuer{}
	service := &Service{
		users:       store,
		credentials: store,
		emails:      store,
		challenges:  challenge.NewMemoryStore(),
		tokens:      issuer,
		events:      telemetry.NewEmitter(store),
		provider:    provider,
		parser:      parser,
		config:      defaultConfig(),
		clock:       time.Now,
		idGenerator: func() (string, error) { return "ceremony-1", nil },
	}
	return service, store, issuer
}

func assertionFor(rawID []byte, userHandle []byte, counter uint32) *protocol.ParsedCredentialAssertionData {
	return &protocol.ParsedCredentialAssertionData{
		ParsedPublicKeyCredential: protocol.ParsedPublicKeyCredential{
			RawID: protocol.URLEncodedBase64(rawID),
		},
		Response: protocol.ParsedAssertionResponse{
			AuthenticatorData: protocol.AuthenticatorData{Counter: counter},
			UserHandle:        userHandle,
		},
	}
}

func TestBeginRegistrationUnknownUser(t *testing.T) {
	service, _, _ := newTestService(t, &fakeProvider{session: &webauthn.SessionData{}}, &fakeParser{})
	if _, err := service.BeginRegistration(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginRegistrationLoadsExistingCredentials(t *testing.T) {
	provider := &fakeProvider{session: &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")}}
	service, store, _ := newTestService(t, provider, &fakeParser{})
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}
	store.credentials[encodeRawID([]byte("existing"))] = storage.WebAuthnCredential{
		CredentialID: encodeRawID([]byte("existing")),
		UserID:       "user-1",
		PublicKey:    []byte("pk"),
	}

	creation, err := service.BeginRegistration(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if creation == nil {
		t.Fatal("expected creation options")
	}

	began, ok := provider.beganUser.(*ceremonyUser)
	if !ok {
		t.Fatalf("unexpected user type %T", provider.beganUser)
	}
	if len(began.credentials) != 1 {
		t.Fatalf("expected 1 existing credential in ceremony user, got %d", len(began.credentials))
	}
	if string(began.credentials[0].ID) != "existing" {
		t.Fatalf("unexpected credential id %q", began.credentials[0].ID)
	}
}

func TestFinishRegistrationWithoutBegin(t *testing.T) {
	service, store, _ := newTestService(t, &fakeProvider{}, &fakeParser{})
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}

	_, err := service.FinishRegistration(context.Background(), "user-1", []byte("{}"))
	if !errors.Is(err, challenge.ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing, got %v", err)
	}
}

func TestFinishRegistrationPersistsCredential(t *testing.T) {
	newCredential := &webauthn.Credential{
		ID:              []byte("fresh-cred"),
		PublicKey:       []byte("public-key"),
		AttestationType: "none",
		Transport:       []protocol.AuthenticatorTransport{protocol.Internal},
		Authenticator:   webauthn.Authenticator{AAGUID: []byte("aaguid"), SignCount: 7},
	}
	provider := &fakeProvider{
		session:           &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		createdCredential: newCredential,
	}
	parser := &fakeParser{creation: &protocol.ParsedCredentialCreationData{}}
	service, store, _ := newTestService(t, provider, parser)
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}

	if _, err := service.BeginRegistration(context.Background(), "user-1"); err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}

	credentialID, err := service.FinishRegistration(context.Background(), "user-1", []byte("{}"))
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if credentialID != encodeRawID([]byte("fresh-cred")) {
		t.Fatalf("unexpected credential id %q", credentialID)
	}

	stored, ok := store.credentials[credentialID]
	if !ok {
		t.Fatal("credential was not persisted")
	}
	if stored.UserID != "user-1" || stored.SignCount != 7 {
		t.Fatalf("unexpected stored credential %+v", stored)
	}
	if len(stored.Transports) != 1 || stored.Transports[0] != "internal" {
		t.Fatalf("unexpected transports %v", stored.Transports)
	}
}

func TestFinishRegistrationFailureConsumesChallenge(t *testing.T) {
	provider := &fakeProvider{
		session:   &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		createErr: errors.New("challenge mismatch"),
	}
	parser := &fakeParser{creation: &protocol.ParsedCredentialCreationData{}}
	service, store, _ := newTestService(t, provider, parser)
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}

	if _, err := service.BeginRegistration(context.Background(), "user-1"); err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}

	_, err := service.FinishRegistration(context.Background(), "user-1", []byte("{}"))
	if got := apperrors.GetCode(err); got != apperrors.CodeVerificationFailed {
		t.Fatalf("expected CodeVerificationFailed, got %v (%v)", got, err)
	}
	if len(store.credentials) != 0 {
		t.Fatal("failed verification must not persist a credential")
	}

	// the consumed challenge is gone even though verification failed
	_, err = service.FinishRegistration(context.Background(), "user-1", []byte("{}"))
	if !errors.Is(err, challenge.ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing on retry, got %v", err)
	}
}

func TestBeginLoginKnownUserWithoutCredentials(t *testing.T) {
	service, store, _ := newTestService(t, &fakeProvider{session: &webauthn.SessionData{}}, &fakeParser{})
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}

	_, err := service.BeginLogin(context.Background(), "user-1")
	if !errors.Is(err, ErrCredentialNotRegistered) {
		t.Fatalf("expected ErrCredentialNotRegistered, got %v", err)
	}
}

func TestBeginLoginAnonymousIssuesCeremonyKey(t *testing.T) {
	provider := &fakeProvider{session: &webauthn.SessionData{Challenge: "c1"}}
	service, _, _ := newTestService(t, provider, &fakeParser{})

	options, err := service.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if options.CeremonyKey != "ceremony-1" {
		t.Fatalf("expected generated ceremony key, got %q", options.CeremonyKey)
	}
	if provider.discoverableCalls != 1 {
		t.Fatalf("expected discoverable begin, got %d calls", provider.discoverableCalls)
	}
}

func registerLoginFixture(t *testing.T, provider *fakeProvider, service *Service, store *fakeStore, storedCount uint32) string {
	t.Helper()
	credentialID := encodeRawID([]byte("cred-1"))
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}
	store.emailCredentials["ada@example.com"] = storage.EmailCredential{Email: "ada@example.com", UserID: "user-1"}
	store.credentials[credentialID] = storage.WebAuthnCredential{
		CredentialID: credentialID,
		UserID:       "user-1",
		PublicKey:    []byte("pk"),
		SignCount:    storedCount,
	}

	options, err := service.BeginLogin(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	return options.CeremonyKey
}

func TestFinishLoginKnownUser(t *testing.T) {
	provider := &fakeProvider{
		session: &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		validatedCredential: &webauthn.Credential{
			ID:            []byte("cred-1"),
			Authenticator: webauthn.Authenticator{SignCount: 6},
		},
	}
	parser := &fakeParser{assertion: assertionFor([]byte("cred-1"), nil, 6)}
	service, store, issuer := newTestService(t, provider, parser)
	ceremonyKey := registerLoginFixture(t, provider, service, store, 5)

	session, err := service.FinishLogin(context.Background(), ceremonyKey, []byte("{}"))
	if err != nil {
		t.Fatalf("FinishLogin: %v", err)
	}
	if session.UserID != "user-1" || session.Email != "ada@example.com" || session.Username != "ada" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if provider.validateCalls != 1 || provider.passkeyCalls != 0 {
		t.Fatalf("expected the known-user validation path, got %d/%d", provider.validateCalls, provider.passkeyCalls)
	}
	if got := store.credentials[session.CredentialID].SignCount; got != 6 {
		t.Fatalf("expected persisted counter 6, got %d", got)
	}
	if len(issuer.issued) != 1 {
		t.Fatalf("expected 1 issued token, got %d", len(issuer.issued))
	}
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	provider := &fakeProvider{session: &webauthn.SessionData{Challenge: "c1"}}
	parser := &fakeParser{assertion: assertionFor([]byte("never-registered"), nil, 0)}
	service, _, _ := newTestService(t, provider, parser)

	options, err := service.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}

	_, err = service.FinishLogin(context.Background(), options.CeremonyKey, []byte("{}"))
	if !errors.Is(err, ErrCredentialNotRegistered) {
		t.Fatalf("expected ErrCredentialNotRegistered, got %v", err)
	}
}

func TestFinishLoginCounterRegression(t *testing.T) {
	provider := &fakeProvider{
		session: &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		validatedCredential: &webauthn.Credential{
			ID:            []byte("cred-1"),
			Authenticator: webauthn.Authenticator{SignCount: 5, CloneWarning: true},
		},
	}
	parser := &fakeParser{assertion: assertionFor([]byte("cred-1"), nil, 5)}
	service, store, issuer := newTestService(t, provider, parser)
	ceremonyKey := registerLoginFixture(t, provider, service, store, 5)

	_, err := service.FinishLogin(context.Background(), ceremonyKey, []byte("{}"))
	if got := apperrors.GetCode(err); got != apperrors.CodeVerificationFailed {
		t.Fatalf("expected CodeVerificationFailed, got %v (%v)", got, err)
	}
	if store.counterUpdates != 0 {
		t.Fatal("counter must not advance on a regression")
	}
	if len(issuer.issued) != 0 {
		t.Fatal("no token may be issued on a regression")
	}
	if len(store.events) != 1 || store.events[0].Kind != storage.SecurityEventKindCounterRegression {
		t.Fatalf("expected a counter regression security event, got %+v", store.events)
	}
}

func TestFinishLoginConcurrentCounterWriteLoses(t *testing.T) {
	// The library check passes against the loaded snapshot, but the stored
	// counter moved underneath the ceremony. The conditional store write is
	// the arbiter: the late verification fails and alerts.
	provider := &fakeProvider{
		session: &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		validatedCredential: &webauthn.Credential{
			ID:            []byte("cred-1"),
			Authenticator: webauthn.Authenticator{SignCount: 6},
		},
	}
	parser := &fakeParser{assertion: assertionFor([]byte("cred-1"), nil, 6)}
	service, store, issuer := newTestService(t, provider, parser)
	ceremonyKey := registerLoginFixture(t, provider, service, store, 5)

	credentialID := encodeRawID([]byte("cred-1"))
	racing := store.credentials[credentialID]
	racing.SignCount = 6
	store.credentials[credentialID] = racing

	_, err := service.FinishLogin(context.Background(), ceremonyKey, []byte("{}"))
	if got := apperrors.GetCode(err); got != apperrors.CodeVerificationFailed {
		t.Fatalf("expected CodeVerificationFailed, got %v (%v)", got, err)
	}
	if store.counterUpdates != 0 {
		t.Fatal("losing verification must not record a counter update")
	}
	if len(issuer.issued) != 0 {
		t.Fatal("no token may be issued when the counter write loses")
	}
	if len(store.events) != 1 || store.events[0].Kind != storage.SecurityEventKindCounterRegression {
		t.Fatalf("expected a counter regression security event, got %+v", store.events)
	}
}

func TestFinishLoginAnonymousResolvesByUserHandle(t *testing.T) {
	provider := &fakeProvider{
		session: &webauthn.SessionData{Challenge: "c1"},
		validatedCredential: &webauthn.Credential{
			ID:            []byte("cred-1"),
			Authenticator: webauthn.Authenticator{SignCount: 2},
		},
	}
	credentialID := encodeRawID([]byte("cred-1"))
	parser := &fakeParser{assertion: assertionFor([]byte("cred-1"), []byte("user-1"), 2)}
	service, store, _ := newTestService(t, provider, parser)
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}
	store.credentials[credentialID] = storage.WebAuthnCredential{
		CredentialID: credentialID,
		UserID:       "user-1",
		PublicKey:    []byte("pk"),
		SignCount:    1,
	}

	options, err := service.BeginLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}

	session, err := service.FinishLogin(context.Background(), options.CeremonyKey, []byte("{}"))
	if err != nil {
		t.Fatalf("FinishLogin: %v", err)
	}
	if session.UserID != "user-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if provider.passkeyCalls != 1 || provider.validateCalls != 0 {
		t.Fatalf("expected the discoverable validation path, got %d/%d", provider.passkeyCalls, provider.validateCalls)
	}
}

func TestFinishLoginConsumedCeremony(t *testing.T) {
	provider := &fakeProvider{
		session: &webauthn.SessionData{Challenge: "c1", UserID: []byte("user-1")},
		validatedCredential: &webauthn.Credential{
			ID:            []byte("cred-1"),
			Authenticator: webauthn.Authenticator{SignCount: 6},
		},
	}
	parser := &fakeParser{assertion: assertionFor([]byte("cred-1"), nil, 6)}
	service, store, _ := newTestService(t, provider, parser)
	ceremonyKey := registerLoginFixture(t, provider, service, store, 5)

	if _, err := service.FinishLogin(context.Background(), ceremonyKey, []byte("{}")); err != nil {
		t.Fatalf("first FinishLogin: %v", err)
	}
	_, err := service.FinishLogin(context.Background(), ceremonyKey, []byte("{}"))
	if !errors.Is(err, challenge.ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing on duplicate submit, got %v", err)
	}
}

func TestDeleteCredentialDoesNotLeakExistence(t *testing.T) {
	service, store, _ := newTestService(t, &fakeProvider{}, &fakeParser{})
	credentialID := encodeRawID([]byte("cred-1"))
	store.credentials[credentialID] = storage.WebAuthnCredential{CredentialID: credentialID, UserID: "owner"}

	unknownErr := service.DeleteCredential(context.Background(), "owner", "missing-id")
	foreignErr := service.DeleteCredential(context.Background(), "other-user", credentialID)
	if unknownErr != nil || foreignErr != nil {
		t.Fatalf("deletes must not leak existence: %v / %v", unknownErr, foreignErr)
	}
	if _, ok := store.credentials[credentialID]; !ok {
		t.Fatal("foreign delete must not remove the credential")
	}

	if err := service.DeleteCredential(context.Background(), "owner", credentialID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, ok := store.credentials[credentialID]; ok {
		t.Fatal("owner delete must remove the credential")
	}
}

func TestListCredentials(t *testing.T) {
	service, store, _ := newTestService(t, &fakeProvider{}, &fakeParser{})
	store.users["user-1"] = user.User{ID: "user-1", Username: "ada"}
	store.credentials["a"] = storage.WebAuthnCredential{CredentialID: "a", UserID: "user-1"}
	store.credentials["b"] = storage.WebAuthnCredential{CredentialID: "b", UserID: "someone-else"}

	listed, err := service.ListCredentials(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(listed) != 1 || listed[0].CredentialID != "a" {
		t.Fatalf("unexpected list %+v", listed)
	}
}
