// Package storage defines interfaces for persisting OAuth clients, sessions,
// authorization flow state, and issued tokens. It supports pluggable backend
// implementations; the in-memory implementation lives in storage/memory.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by all stores when a record does not exist,
// has expired, or has already been consumed. Callers must not be able to
// distinguish those cases through the storage API.
var ErrNotFound = errors.New("storage: not found")

// Client represents a registered OAuth client (RFC 7591).
// Clients are immutable after creation; re-registration creates a new client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string // "none" or "client_secret_post"
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	ClientIDIssuedAt        time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.TokenEndpointAuthMethod != "" && c.TokenEndpointAuthMethod != "none"
}

// AuthorizationRequest is the validated query of a GET /oauth/authorize call.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PendingAuthorization correlates an in-progress /authorize flow across the
// login/consent redirect chain. It is keyed by an opaque, unguessable token
// carried in a short-lived cookie and is consumed exactly once.
type PendingAuthorization struct {
	Token     string
	Request   AuthorizationRequest
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session is a logged-in user session, looked up by a session cookie.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use credential bound to the pending request
// it was issued for. The token endpoint consumes it atomically.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken is an issued bearer token with its binding metadata.
type AccessToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken is an issued refresh token. Refresh tokens rotate: each use
// consumes the old record and creates a new one.
type RefreshToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// SessionStore manages logged-in user sessions.
type SessionStore interface {
	// SaveSession saves a user session
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID. Expired sessions are treated as
	// absent and return ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// DeleteSession removes a session
	DeleteSession(ctx context.Context, sessionID string) error
}

// FlowStore manages in-progress authorization flows: pending authorization
// requests awaiting login/consent, and issued authorization codes awaiting
// exchange.
type FlowStore interface {
	// SavePendingAuthorization saves a pending authorization request
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// GetPendingAuthorization retrieves a pending request without consuming
	// it. Used to render the consent page. Expired entries return ErrNotFound.
	GetPendingAuthorization(ctx context.Context, token string) (*PendingAuthorization, error)

	// AtomicConsumePendingAuthorization atomically retrieves and deletes a
	// pending request. Only one concurrent caller can succeed for a given
	// token; all others receive ErrNotFound.
	// SECURITY: This operation MUST be atomic so that two concurrent consent
	// submissions cannot both complete the same authorization.
	AtomicConsumePendingAuthorization(ctx context.Context, token string) (*PendingAuthorization, error)

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeAuthorizationCode atomically retrieves and deletes an
	// authorization code. A second exchange attempt for the same code
	// receives ErrNotFound, which the server maps to invalid_grant.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore manages issued access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token. Expired tokens return
	// ErrNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// AtomicConsumeRefreshToken atomically retrieves and deletes a refresh
	// token. This is the synchronization point for rotation: only one
	// concurrent refresh can succeed with a given token.
	AtomicConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token
	DeleteRefreshToken(ctx context.Context, token string) error
}
