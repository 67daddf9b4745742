package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tandem/sync/internal/config"
	"tandem/sync/internal/store"
	"tandem/sync/internal/transport"
)

// fakeSnapshots is the in-memory stand-in for the snapshot store.
type fakeSnapshots struct {
	mu     sync.Mutex
	snaps  map[string]store.Snapshot
	pingFn func(context.Context) error
	saveFn func(ctx context.Context, documentID, content string, version uint64, savedBy string) error
	loadFn func(ctx context.Context, documentID string) (store.Snapshot, error)
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snaps: map[string]store.Snapshot{}}
}

func (f *fakeSnapshots) Save(ctx context.Context, documentID, content string, version uint64, savedBy string) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, documentID, content, version, savedBy)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[documentID] = store.Snapshot{
		DocumentID: documentID,
		Content:    content,
		Version:    version,
		SavedBy:    savedBy,
	}
	return nil
}

func (f *fakeSnapshots) Load(ctx context.Context, documentID string) (store.Snapshot, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[documentID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (f *fakeSnapshots) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeSnapshots) get(documentID string) (store.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[documentID]
	return snap, ok
}

func newTestService(fs *fakeSnapshots, cfg config.Config) *Service {
	return NewService(cfg, fs, transport.NewMemoryBus())
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	fs := newFakeSnapshots()
	fs.pingFn = func(context.Context) error { return nil }
	server := NewHTTPServer(newTestService(fs, config.Config{JWTSecret: "secret"}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}

	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}

	storageCheck, exists := checks["storage"].(map[string]any)
	if !exists {
		t.Fatalf("expected storage check, got %v", checks["storage"])
	}

	if storageStatus, exists := storageCheck["status"]; !exists || storageStatus != "ok" {
		t.Errorf("expected storage status=ok, got %v", storageStatus)
	}
}

func TestReadyEndpoint_StorageFailure(t *testing.T) {
	fs := newFakeSnapshots()
	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	server := NewHTTPServer(newTestService(fs, config.Config{JWTSecret: "secret"}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}

	checks := response["checks"].(map[string]any)
	storageCheck, exists := checks["storage"].(map[string]any)
	if !exists {
		t.Fatalf("expected storage check, got %v", checks["storage"])
	}

	if storageErr, exists := storageCheck["error"]; !exists || storageErr != "connection refused" {
		t.Errorf("expected storage error='connection refused', got %v", storageErr)
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"}), "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeSnapshots(), config.Config{JWTSecret: "secret"}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}

	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}
