package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/frostbridge/frostbridge/internal/liebherr"
)

const defaultMargin = 30 * time.Second

// Config declares the token endpoint and account credentials.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	StatePath    string
	// Margin is how long before expiry a cached token stops being handed
	// out. Zero means the 30s default.
	Margin time.Duration
}

// Manager owns the credential state for the SmartDevice account. It hands out
// access tokens valid for at least the configured margin, refreshing
// synchronously when needed. Concurrent callers share one in-flight refresh.
type Manager struct {
	cfg        Config
	oauthCfg   *oauth2.Config
	blobStore  BlobStore
	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	expiresAt    time.Time
	refreshToken string
	inflight     chan struct{}
	lastErr      error
}

// NewManager loads any persisted refresh state and returns a manager. The
// blob store is optional; pass nil to keep state on the local disk only.
func NewManager(cfg Config, blobStore BlobStore) (*Manager, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if cfg.Margin <= 0 {
		cfg.Margin = defaultMargin
	}

	m := &Manager{
		cfg:        cfg,
		blobStore:  blobStore,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
	}

	if err := m.loadInitialState(); err != nil {
		return nil, err
	}
	return m, nil
}

// Token returns an access token unexpired for at least the safety margin,
// refreshing first if needed. Waiters piggyback on an in-flight refresh
// instead of issuing their own.
func (m *Manager) Token(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.accessToken != "" && time.Until(m.expiresAt) > m.cfg.Margin {
			token := m.accessToken
			m.mu.Unlock()
			return token, nil
		}

		if m.inflight != nil {
			done := m.inflight
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			m.mu.Lock()
			if m.accessToken != "" && time.Until(m.expiresAt) > m.cfg.Margin {
				token := m.accessToken
				m.mu.Unlock()
				return token, nil
			}
			err := m.lastErr
			m.mu.Unlock()
			if err != nil {
				return "", err
			}
			continue
		}

		done := make(chan struct{})
		m.inflight = done
		m.mu.Unlock()

		err := m.refresh(ctx)

		m.mu.Lock()
		m.inflight = nil
		m.lastErr = err
		m.mu.Unlock()
		close(done)

		if err != nil {
			tokenValid.Set(0)
			return "", err
		}

		m.mu.Lock()
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
}

// Invalidate discards the cached access token. The refresh token is kept;
// the next Token call refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	tokenValid.Set(0)
}

// refresh exchanges the refresh token for a new access token, falling back to
// full re-authentication when the refresh token is missing or rejected.
func (m *Manager) refresh(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	m.mu.Lock()
	refreshToken := m.refreshToken
	m.mu.Unlock()

	var token *oauth2.Token
	var err error

	if refreshToken != "" {
		source := m.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		token, err = source.Token()
		if err != nil && !rejectedByServer(err) {
			refreshFailure.WithLabelValues("transient").Inc()
			return &liebherr.AuthError{Err: err}
		}
	}

	if token == nil {
		// No refresh token, or the server rejected it: full re-auth.
		token, err = m.oauthCfg.PasswordCredentialsToken(ctx, m.cfg.Username, m.cfg.Password)
		if err != nil {
			if rejectedByServer(err) {
				refreshFailure.WithLabelValues("permanent").Inc()
				return &liebherr.AuthError{Permanent: true, Err: err}
			}
			refreshFailure.WithLabelValues("transient").Inc()
			return &liebherr.AuthError{Err: err}
		}
	}

	m.mu.Lock()
	m.accessToken = token.AccessToken
	m.expiresAt = token.Expiry
	if token.RefreshToken != "" {
		m.refreshToken = token.RefreshToken
	}
	state := State{SchemaVersion: SchemaVersion, RefreshToken: m.refreshToken}
	m.mu.Unlock()

	m.persist(ctx, state)
	refreshSuccess.Inc()
	tokenValid.Set(1)
	return nil
}

// rejectedByServer distinguishes credential rejection from transport or
// server trouble.
func rejectedByServer(err error) bool {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return false
	}
	switch retrieve.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// persist writes refresh state to disk and mirrors it to the blob store.
// Both are best-effort: a valid in-memory token beats a persistence hiccup.
func (m *Manager) persist(ctx context.Context, state State) {
	if state.RefreshToken == "" {
		return
	}
	if err := WriteState(m.cfg.StatePath, state); err != nil {
		refreshFailure.WithLabelValues("persist").Inc()
	}
	if m.blobStore == nil {
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		remotePersistOK.Set(0)
		return
	}
	if err := m.blobStore.Save(ctx, data); err != nil {
		remotePersistOK.Set(0)
		return
	}
	remotePersistOK.Set(1)
}

func (m *Manager) loadInitialState() error {
	local, localErr := LoadState(m.cfg.StatePath)
	if localErr == nil {
		m.refreshToken = local.RefreshToken
		return nil
	}
	if !errors.Is(localErr, ErrStateNotFound) {
		return localErr
	}

	if m.blobStore == nil {
		return nil
	}

	data, blobErr := m.blobStore.Load(context.Background())
	if blobErr != nil {
		if errors.Is(blobErr, ErrBlobNotFound) {
			return nil
		}
		return blobErr
	}
	blob, err := DecodeState(data)
	if err != nil {
		return err
	}
	m.refreshToken = blob.RefreshToken
	if err := WriteState(m.cfg.StatePath, blob); err != nil {
		return err
	}
	return nil
}
