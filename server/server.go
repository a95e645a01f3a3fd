package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/planfirst/mcp-auth/security"
	"github.com/planfirst/mcp-auth/storage"
)

// UserAuthenticator verifies end-user credentials on the login page. The
// deployment decides what a user database looks like; the server only needs
// a yes/no answer and a stable user identifier.
type UserAuthenticator interface {
	// Authenticate checks the credentials and returns the user's stable ID.
	// Any error means the login page shows a generic failure message.
	Authenticate(ctx context.Context, username, password string) (userID string, err error)
}

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging token and code prefixes.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the OAuth 2.1 authorization server logic. It owns client
// registration, the authorize/login/consent flow, and the token endpoint
// grants; HTTP concerns live in the root package handler.
type Server struct {
	clientStore  storage.ClientStore
	sessionStore storage.SessionStore
	flowStore    storage.FlowStore
	tokenStore   storage.TokenStore
	userAuth     UserAuthenticator

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	sessionStore storage.SessionStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	userAuth UserAuthenticator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if userAuth == nil {
		return nil, fmt.Errorf("user authenticator is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore:  clientStore,
		sessionStore: sessionStore,
		flowStore:    flowStore,
		tokenStore:   tokenStore,
		userAuth:     userAuth,
		Config:       config,
		Logger:       logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// GetClient retrieves a client by ID (for use by the handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// ValidateClientCredentials validates client credentials for the token endpoint
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, codes, and session IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
