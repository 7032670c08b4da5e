// Package telemetry records security events that warrant operational
// alerting, such as a signature counter regression.
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/storage"
	"github.com/gatekeyhq/gatekey/internal/platform/id"
)

// Emitter records security events.
type Emitter struct {
	store       storage.SecurityEventStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewEmitter creates a new security event emitter.
func NewEmitter(store storage.SecurityEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now, idGenerator: id.NewID}
}

// Emit records a security event. It is a no-op when the store is nil, and
// never fails the calling operation: an event that cannot be persisted is
// logged and dropped.
func (e *Emitter) Emit(ctx context.Context, event storage.SecurityEvent) {
	if e == nil || e.store == nil {
		return
	}
	if event.ID == "" {
		eventID, err := e.idGenerator()
		if err != nil {
			log.Printf("security event id: %v", err)
			return
		}
		event.ID = eventID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.clock().UTC()
	}
	if err := e.store.AppendSecurityEvent(ctx, event); err != nil {
		log.Printf("append security event kind=%s: %v", event.Kind, err)
	}
}

// EmitCounterRegression flags a possible cloned authenticator for the given
// credential. Distinct from an ordinary failed login attempt.
func (e *Emitter) EmitCounterRegression(ctx context.Context, userID, credentialID, detail string) {
	e.Emit(ctx, storage.SecurityEvent{
		Kind:         storage.SecurityEventKindCounterRegression,
		UserID:       userID,
		CredentialID: credentialID,
		Detail:       detail,
	})
}
