// Package requestctx carries verified session identity through contexts.
package requestctx

import "context"

// Session is the verified identity attached to an authenticated request.
type Session struct {
	UserID   string
	Email    string
	Username string
}

// sessionContextKey is the context key for the verified session.
type sessionContextKey struct{}

// WithSession stores a verified session in context.
func WithSession(ctx context.Context, session Session) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the verified session stored in context.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	session, ok := ctx.Value(sessionContextKey{}).(Session)
	return session, ok
}
