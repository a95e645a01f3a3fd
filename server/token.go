package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/planfirst/mcp-auth/security"
	"github.com/planfirst/mcp-auth/storage"
)

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
// The code is consumed atomically so a second exchange always fails, and all
// validation failures collapse to a generic invalid_grant for the client;
// the specific reason only appears in the debug log.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier, ipAddress string) (*oauth2.Token, string, error) {
	authCode, err := s.flowStore.AtomicConsumeAuthorizationCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "code_not_found_or_expired",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "invalid_authorization_code")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Code is now consumed; no other request can use it.

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"provided_client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, ipAddress, "client_id_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, ipAddress, "redirect_uri_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		s.Logger.Debug("PKCE validation failed",
			"reason", err.Error(),
			"client_id", clientID)
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	token, err := s.issueTokens(ctx, authCode.UserID, clientID, authCode.Scope)
	if err != nil {
		return nil, "", err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, ipAddress, authCode.Scope)
	}

	return token, authCode.Scope, nil
}

// ExchangeRefreshToken rotates a refresh token: the presented token is
// consumed atomically and a fresh access/refresh pair is issued. A replayed
// refresh token therefore fails, and only one of two concurrent refreshes
// can win.
func (s *Server) ExchangeRefreshToken(ctx context.Context, refreshToken, clientID, ipAddress string) (*oauth2.Token, string, error) {
	record, err := s.tokenStore.AtomicConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "token_not_found_or_expired",
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventTokenReuseDetected,
				ClientID:  clientID,
				IPAddress: ipAddress,
			})
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "invalid_refresh_token")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if record.ClientID != clientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"provided_client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.UserID, clientID, ipAddress, "client_id_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	token, err := s.issueTokens(ctx, record.UserID, clientID, record.Scope)
	if err != nil {
		return nil, "", err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.UserID, clientID, ipAddress, true)
	}

	return token, record.Scope, nil
}

// issueTokens creates and persists a new access/refresh token pair.
func (s *Server) issueTokens(ctx context.Context, userID, clientID, scope string) (*oauth2.Token, error) {
	now := time.Now()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	refreshExpiry := now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)

	access := &storage.AccessToken{
		Token:     generateRandomToken(),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: accessExpiry,
	}
	refresh := &storage.RefreshToken{
		Token:     generateRandomToken(),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: refreshExpiry,
	}

	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		Expiry:       accessExpiry,
	}, nil
}

// ValidateAccessToken resolves a bearer token to its record. Expired or
// unknown tokens return storage.ErrNotFound.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}
	return s.tokenStore.GetAccessToken(ctx, token)
}
