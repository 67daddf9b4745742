package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tandem/sync/internal/config"
	"tandem/sync/internal/identity"
	"tandem/sync/internal/store"
)

func signToken(t *testing.T, secret, sub, name string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticateBearerToken(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", "usr_1", "Ada"))

	ident, err := svc.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID != "usr_1" || ident.DisplayName != "Ada" {
		t.Fatalf("identity = %+v, want usr_1/Ada", ident)
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})

	token := signToken(t, "secret", "usr_2", "Grace")
	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc1?token="+token, nil)

	ident, err := svc.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID != "usr_2" {
		t.Fatalf("identity = %+v, want usr_2", ident)
	}
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "usr_1", "Ada"))

	_, err := svc.Authenticate(req)
	if !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("authenticate error = %v, want ErrInvalidToken", err)
	}
	if status, _, _, _ := mapError(err); status != http.StatusUnauthorized {
		t.Fatalf("mapped status = %d, want 401", status)
	}
}

func TestAuthenticateMissingTokenWithoutGuests(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc1", nil)
	if _, err := svc.Authenticate(req); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("authenticate error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateGuest(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret", AllowGuests: true})

	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc1?name=Drifter", nil)
	ident, err := svc.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !strings.HasPrefix(ident.UserID, "guest_") {
		t.Fatalf("guest user id %q, want guest_ prefix", ident.UserID)
	}
	if ident.DisplayName != "Drifter" {
		t.Fatalf("guest display name %q, want Drifter", ident.DisplayName)
	}

	again, err := svc.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if again.UserID == ident.UserID {
		t.Fatal("guest ids must be unique per connection")
	}
}

func TestLoadSnapshotKeepsNotFound(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})

	_, err := svc.LoadSnapshot(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("load error = %v, want ErrNotFound", err)
	}
	if status, code, _, _ := mapError(err); status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("mapped to %d/%s, want 404/NOT_FOUND", status, code)
	}
}
