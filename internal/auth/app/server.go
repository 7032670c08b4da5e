// Package app assembles the authentication service: storage, services, the
// HTTP surface, and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gatekeyhq/gatekey/internal/auth/api/httpapi"
	"github.com/gatekeyhq/gatekey/internal/auth/challenge"
	"github.com/gatekeyhq/gatekey/internal/auth/passkey"
	"github.com/gatekeyhq/gatekey/internal/auth/password"
	"github.com/gatekeyhq/gatekey/internal/auth/storage/sqlite"
	"github.com/gatekeyhq/gatekey/internal/auth/telemetry"
	"github.com/gatekeyhq/gatekey/internal/auth/token"
	"github.com/gatekeyhq/gatekey/internal/platform/otel"
)

const challengeSweepInterval = time.Minute

// Server hosts the authentication service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	challenges *challenge.MemoryStore
}

// New creates a configured server listening on addr.
func New(addr string) (*Server, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	tokenConfig, err := token.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load token config: %w", err)
	}
	issuer, err := token.NewIssuer(tokenConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build token issuer: %w", err)
	}

	passkeyConfig := passkey.LoadConfigFromEnv()
	relyingParty, err := passkey.NewWebAuthn(passkeyConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure relying party: %w", err)
	}

	challenges := challenge.NewMemoryStore()
	events := telemetry.NewEmitter(store)
	passkeys := passkey.NewService(relyingParty, passkeyConfig, store, store, store, challenges, issuer, events)
	passwords := password.NewService(store, store, issuer)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	api := httpapi.NewServer(passkeys, passwords, issuer, store)
	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: api.Handler()},
		store:      store,
		challenges: challenges,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, addr string) error {
	server, err := New(addr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	otelShutdown, err := otel.Setup(serverCtx, "gatekey")
	if err != nil {
		log.Printf("otel setup: %v", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	s.challenges.StartSweeper(serverCtx, challengeSweepInterval)

	log.Printf("server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openStore() (*sqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("GATEKEY_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "gatekey.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}
