// Package upstream implements the OAuth client side of the system: the PKCE
// authorization dance against the upstream calendar provider and encrypted
// persistence of the resulting tokens. It is the counterpart of the server
// packages, which face downstream MCP clients.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/planfirst/mcp-auth/security"
)

var (
	// ErrNotAuthenticated indicates no upstream tokens are stored yet; the
	// operator must complete the provider authorization flow first.
	ErrNotAuthenticated = errors.New("upstream: not authenticated with provider")

	// ErrRefreshFailed indicates the stored refresh token was rejected by
	// the provider. Re-authorization is required.
	ErrRefreshFailed = errors.New("upstream: token refresh failed")

	// ErrFlowNotStarted indicates ExchangeCode was called without a
	// preceding AuthorizationURL call in this process.
	ErrFlowNotStarted = errors.New("upstream: authorization flow not started")
)

// Tokens is the persisted shape of the provider token set. ExpiresAt is
// epoch milliseconds.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Expiry returns the token expiry as a time.Time; zero when unset.
func (t *Tokens) Expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiresAt)
}

// ClientConfig configures the upstream OAuth client.
type ClientConfig struct {
	// OAuth is the provider configuration (endpoints, credentials, scopes,
	// redirect URL). See the google subpackage for a ready-made config.
	OAuth *oauth2.Config

	// TokensPath is where the encrypted token set is persisted.
	TokensPath string

	// Encryption encrypts tokens at rest. Required.
	Encryption *security.Service

	// RefreshThreshold is how close to expiry a token may get before
	// EnsureValidToken refreshes it. Default: 5 minutes.
	RefreshThreshold time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Client drives the authorization flow against the upstream provider and
// keeps the token set fresh. Safe for concurrent use.
type Client struct {
	oauth      *oauth2.Config
	tokensPath string
	encryption *security.Service
	threshold  time.Duration
	logger     *slog.Logger
	auditor    *security.Auditor

	mu       sync.Mutex
	verifier string  // PKCE verifier retained between AuthorizationURL and ExchangeCode
	tokens   *Tokens // cached copy of the persisted token set
}

// NewClient creates an upstream OAuth client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.OAuth == nil {
		return nil, fmt.Errorf("oauth config is required")
	}
	if cfg.Encryption == nil {
		return nil, fmt.Errorf("encryption service is required")
	}
	if cfg.TokensPath == "" {
		return nil, fmt.Errorf("tokens path is required")
	}
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		oauth:      cfg.OAuth,
		tokensPath: cfg.TokensPath,
		encryption: cfg.Encryption,
		threshold:  threshold,
		logger:     logger,
	}, nil
}

// SetAuditor sets the security auditor
func (c *Client) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// AuthorizationURL builds the provider authorization URL with a fresh PKCE
// verifier. access_type=offline and prompt=consent force the provider to
// issue a refresh token even on re-authorization.
func (c *Client) AuthorizationURL(state string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verifier = oauth2.GenerateVerifier()
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(c.verifier),
	)
}

// ExchangeCode exchanges the provider's authorization code using the retained
// PKCE verifier and persists the resulting token set encrypted.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	c.mu.Lock()
	verifier := c.verifier
	c.verifier = ""
	c.mu.Unlock()

	if verifier == "" {
		return nil, ErrFlowNotStarted
	}

	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code with provider: %w", err)
	}

	tokens := fromOAuth2Token(token)
	if err := c.StoreTokens(tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// StoreTokens encrypts and persists a token set atomically, and updates the
// in-memory cache.
func (c *Client) StoreTokens(tokens *Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := c.encryption.EncryptToFile(string(data), c.tokensPath); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()

	if c.auditor != nil {
		c.auditor.LogEvent(security.Event{
			Type: security.EventUpstreamTokensStored,
			Details: map[string]any{
				"has_refresh_token": tokens.RefreshToken != "",
				"scope":             tokens.Scope,
			},
		})
	}
	c.logger.Info("Stored upstream provider tokens",
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_at", tokens.Expiry())
	return nil
}

// GetTokens loads the persisted token set, preferring the in-memory cache.
// Returns ErrNotAuthenticated when no valid token file exists.
func (c *Client) GetTokens() (*Tokens, error) {
	c.mu.Lock()
	if c.tokens != nil {
		tokens := c.tokens
		c.mu.Unlock()
		return tokens, nil
	}
	c.mu.Unlock()

	plaintext, ok, err := c.encryption.DecryptFromFile(c.tokensPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthenticated
	}

	var tokens Tokens
	if err := json.Unmarshal([]byte(plaintext), &tokens); err != nil {
		c.logger.Warn("Stored token file is not valid JSON, treating as absent", "error", err)
		return nil, ErrNotAuthenticated
	}

	c.mu.Lock()
	c.tokens = &tokens
	c.mu.Unlock()
	return &tokens, nil
}

// EnsureValidToken returns an access token that is valid for at least the
// refresh threshold, refreshing with the provider when needed. The refreshed
// token set is persisted before the new access token is returned.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	tokens, err := c.GetTokens()
	if err != nil {
		return "", err
	}

	if !security.IsTokenExpiringSoon(tokens.Expiry(), c.threshold) {
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}

	refreshed, err := c.refresh(ctx, tokens)
	if err != nil {
		if c.auditor != nil {
			c.auditor.LogEvent(security.Event{
				Type:    security.EventUpstreamRefreshFailed,
				Details: map[string]any{"error": err.Error()},
			})
		}
		c.logger.Error("Upstream token refresh failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges the refresh token for a new token set and persists it.
// Providers may omit the refresh token from the response; the previous one
// is carried forward in that case.
func (c *Client) refresh(ctx context.Context, tokens *Tokens) (*Tokens, error) {
	source := c.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tokens.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return nil, err
	}

	refreshed := fromOAuth2Token(token)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if refreshed.Scope == "" {
		refreshed.Scope = tokens.Scope
	}

	if err := c.StoreTokens(refreshed); err != nil {
		return nil, err
	}
	c.logger.Info("Refreshed upstream provider token", "expires_at", refreshed.Expiry())
	return refreshed, nil
}

func fromOAuth2Token(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		tokens.ExpiresAt = token.Expiry.UnixMilli()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens
}
