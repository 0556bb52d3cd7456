package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/frostbridge/frostbridge/internal/liebherr"
)

type memoryBlobStore struct {
	mu   sync.Mutex
	data []byte
}

func (m *memoryBlobStore) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrBlobNotFound
	}
	return m.data, nil
}

func (m *memoryBlobStore) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func newTestManager(t *testing.T, tokenURL string, store BlobStore) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TokenURL:  tokenURL,
		ClientID:  "client-id",
		Username:  "user@example.com",
		Password:  "hunter2",
		StatePath: filepath.Join(t.TempDir(), "state.json"),
	}, store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"access_token":"`+access+`","refresh_token":"`+refresh+`","expires_in":3600,"token_type":"Bearer"}`)
}

func TestPasswordGrantWhenNoState(t *testing.T) {
	var grants []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "grant_type=password") {
			grants = append(grants, "password")
		} else {
			grants = append(grants, "refresh")
		}
		writeToken(w, "tok-1", "refresh-1")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("unexpected token: %s", token)
	}
	if len(grants) != 1 || grants[0] != "password" {
		t.Fatalf("expected one password grant, got %v", grants)
	}

	// Cached token is reused without another round trip.
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("cached Token: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected no extra grants, got %v", grants)
	}
}

func TestRefreshTokenPreferredAfterInvalidate(t *testing.T) {
	var grants []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "grant_type=refresh_token") {
			grants = append(grants, "refresh")
			writeToken(w, "tok-2", "refresh-2")
			return
		}
		grants = append(grants, "password")
		writeToken(w, "tok-1", "refresh-1")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("initial Token: %v", err)
	}

	m.Invalidate()

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	if token != "tok-2" {
		t.Fatalf("unexpected token: %s", token)
	}
	if len(grants) != 2 || grants[1] != "refresh" {
		t.Fatalf("expected refresh grant second, got %v", grants)
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeToken(w, "tok-1", "refresh-1")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)

	const workers = 16
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}()
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if tokens[i] != "tok-1" {
			t.Fatalf("worker %d got token %q", i, tokens[i])
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 auth call, got %d", calls.Load())
	}
}

func TestRejectedRefreshFallsBackToPassword(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := WriteState(statePath, State{SchemaVersion: SchemaVersion, RefreshToken: "stale"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var grants []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "grant_type=refresh_token") {
			grants = append(grants, "refresh")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		grants = append(grants, "password")
		writeToken(w, "tok-fresh", "refresh-fresh")
	}))
	defer server.Close()

	m, err := NewManager(Config{
		TokenURL:  server.URL,
		ClientID:  "client-id",
		Username:  "user@example.com",
		Password:  "hunter2",
		StatePath: statePath,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-fresh" {
		t.Fatalf("unexpected token: %s", token)
	}
	if len(grants) != 2 || grants[0] != "refresh" || grants[1] != "password" {
		t.Fatalf("unexpected grant order: %v", grants)
	}

	// The fresh refresh token replaces the stale one on disk.
	state, err := LoadState(statePath)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.RefreshToken != "refresh-fresh" {
		t.Fatalf("unexpected persisted refresh token: %s", state.RefreshToken)
	}
}

func TestBadCredentialsArePermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	_, err := m.Token(context.Background())
	if !liebherr.IsPermanentAuth(err) {
		t.Fatalf("expected permanent auth error, got %v", err)
	}
}

func TestServerTroubleIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if liebherr.IsPermanentAuth(err) {
		t.Fatalf("5xx must classify as transient, got %v", err)
	}
	if !liebherr.IsRetryable(err) {
		t.Fatalf("transient auth errors must be retryable")
	}
}

func TestStateRestoredFromBlob(t *testing.T) {
	store := &memoryBlobStore{}
	if err := store.Save(context.Background(), []byte(`{"schema_version":1,"refresh_token":"from-blob"}`)); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	var sawRefresh bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "refresh_token=from-blob") {
			sawRefresh = true
		}
		writeToken(w, "tok-1", "refresh-1")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, store)
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !sawRefresh {
		t.Fatalf("expected refresh token from blob to be used")
	}
}
