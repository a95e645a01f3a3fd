// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/planfirst/mcp-auth/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, SessionStore, FlowStore, and TokenStore.
//
// All maps are guarded by a single RWMutex so that check-then-act sequences
// (consume-code, consume-pending-request, consume-refresh-token) are atomic
// with respect to concurrent requests.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	sessions      map[string]*storage.Session
	pending       map[string]*storage.PendingAuthorization
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used. The background sweep only bounds memory growth; correctness of TTL
// enforcement comes from lazy expiry checks on every read.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		sessions:        make(map[string]*storage.Session),
		pending:         make(map[string]*storage.PendingAuthorization),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine. Safe to call more than
// once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ==================== ClientStore ====================

// SaveClient saves a registered client
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client, nil
}

// ValidateClientSecret validates a client's secret against the stored bcrypt
// hash. Public clients (no stored hash) fail validation: they have nothing
// to authenticate with.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		// Burn comparable time so unknown clients are not distinguishable
		// from wrong secrets by timing.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(clientSecret))
		return storage.ErrNotFound
	}

	if client.ClientSecretHash == "" {
		return storage.ErrNotFound
	}

	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret))
}

// ListClients lists all registered clients
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients, nil
}

// ==================== SessionStore ====================

// SaveSession saves a user session
func (s *Store) SaveSession(_ context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID, treating expired sessions as absent.
func (s *Store) GetSession(_ context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// ==================== FlowStore ====================

// SavePendingAuthorization saves a pending authorization request
func (s *Store) SavePendingAuthorization(_ context.Context, pending *storage.PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pending.Token] = pending
	return nil
}

// GetPendingAuthorization retrieves a pending request without consuming it.
func (s *Store) GetPendingAuthorization(_ context.Context, token string) (*storage.PendingAuthorization, error) {
	s.mu.RLock()
	pending, ok := s.pending[token]
	s.mu.RUnlock()

	if !ok || time.Now().After(pending.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return pending, nil
}

// AtomicConsumePendingAuthorization atomically retrieves and deletes a
// pending request. Expired entries are deleted and reported as not found.
func (s *Store) AtomicConsumePendingAuthorization(_ context.Context, token string) (*storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pending, token)

	if time.Now().After(pending.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return pending, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
	return nil
}

// AtomicConsumeAuthorizationCode atomically retrieves and deletes an
// authorization code. The delete happens under the same lock as the lookup,
// so a second exchange attempt for the same code always fails.
func (s *Store) AtomicConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.authCodes, code)

	if time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return authCode, nil
}

// ==================== TokenStore ====================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(_ context.Context, token *storage.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token.Token] = token
	return nil
}

// GetAccessToken retrieves an access token, treating expired tokens as absent.
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	record, ok := s.accessTokens[token]
	s.mu.RUnlock()

	if !ok || time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
	return nil
}

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Token] = token
	return nil
}

// AtomicConsumeRefreshToken atomically retrieves and deletes a refresh token.
func (s *Store) AtomicConsumeRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, token)

	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, token)
	return nil
}

var (
	dummyHashOnce  sync.Once
	dummyHashValue []byte
)

// dummyHash returns a real bcrypt hash of a throwaway value, generated once.
func dummyHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHashValue, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)
	})
	return dummyHashValue
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired sessions, pending requests, codes, and tokens.
// This bounds memory growth; lazy expiry on read is what enforces TTLs.
func (s *Store) cleanup() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	for token, pending := range s.pending {
		if now.After(pending.ExpiresAt) {
			delete(s.pending, token)
			removed++
		}
	}
	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for token, record := range s.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(s.accessTokens, token)
			removed++
		}
	}
	for token, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", removed)
	}
}
