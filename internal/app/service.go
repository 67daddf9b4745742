// Package app is the gateway between editor clients and document sessions:
// it authenticates connections, upgrades them to WebSockets and drives one
// collab.Session per connection.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tandem/sync/internal/collab"
	"tandem/sync/internal/config"
	"tandem/sync/internal/identity"
	"tandem/sync/internal/store"
	"tandem/sync/internal/transport"
)

// snapshotStore is the persistence the gateway needs: it seeds sessions,
// receives their autosaves and answers the readiness probe. Both
// store.SnapshotStore and store.ObjectStore satisfy it.
type snapshotStore interface {
	Save(ctx context.Context, documentID, content string, version uint64, savedBy string) error
	Load(ctx context.Context, documentID string) (store.Snapshot, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	snaps    snapshotStore
	bus      transport.Factory
	verifier *identity.Verifier
}

func NewService(cfg config.Config, snaps snapshotStore, bus transport.Factory) *Service {
	return &Service{
		cfg:      cfg,
		snaps:    snaps,
		bus:      bus,
		verifier: identity.NewVerifier(cfg.JWTSecret),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.snaps.Ping(ctx)
}

// Authenticate resolves the identity behind a request. Tokens ride in the
// Authorization header or, for WebSocket clients that cannot set headers, in
// the token query parameter. Without a token the request becomes a guest
// when guests are allowed, named by the name query parameter.
func (s *Service) Authenticate(r *http.Request) (identity.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		ident, err := s.verifier.Verify(token)
		if err != nil {
			return identity.Identity{}, fmt.Errorf("verify access token: %w", err)
		}
		return ident, nil
	}

	if s.cfg.AllowGuests {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			name = "Guest"
		}
		return identity.Identity{UserID: "guest_" + uuid.NewString(), DisplayName: name}, nil
	}

	return identity.Identity{}, fmt.Errorf("missing access token: %w", identity.ErrInvalidToken)
}

// LoadSnapshot returns the last persisted snapshot of a document.
func (s *Service) LoadSnapshot(ctx context.Context, documentID string) (store.Snapshot, error) {
	snap, err := s.snaps.Load(ctx, documentID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return snap, nil
}

// Transport hands out a channel connection publishing as userID. The caller
// owns it and closes it when the session ends.
func (s *Service) Transport(userID string) transport.Transport {
	return s.bus.Client(userID)
}

// OpenSession attaches ident to documentID over tr with the configured
// session tuning. The mode picks the idle timeout surface.
func (s *Service) OpenSession(ctx context.Context, documentID string, ident identity.Identity, mode collab.Mode, tr transport.Transport) (*collab.Session, error) {
	idle := s.cfg.EditorIdleAfter
	if mode == collab.ModeViewer {
		idle = s.cfg.ViewerIdleAfter
	}
	return collab.Open(ctx, collab.Options{
		DocumentID:      documentID,
		UserID:          ident.UserID,
		DisplayName:     ident.DisplayName,
		Transport:       tr,
		Saver:           s.snaps,
		Mode:            mode,
		IdleAfter:       idle,
		ReannounceEvery: s.cfg.ReannounceEvery,
		CursorInterval:  s.cfg.CursorInterval,
		SaveDebounce:    s.cfg.AutosaveDebounce,
	})
}
