package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/planfirst/mcp-auth/security"
	"github.com/planfirst/mcp-auth/storage"
)

// Client type constants
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	TokenEndpointAuthMethodNone = "none"
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// RegistrationRequest carries the accepted RFC 7591 metadata fields.
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
}

// RegisterClient registers a new OAuth client via dynamic registration.
// Returns the stored client and, for confidential clients, the plaintext
// secret. The secret is returned exactly once; only its bcrypt hash is kept.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("%s: at least one redirect_uri is required", ErrorCodeInvalidClientMetadata)
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventClientRegistrationRejected,
					IPAddress: clientIP,
					Details: map[string]any{
						"reason": "redirect_uri_validation_failed",
					},
				})
			}
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", clientIP)
			return nil, "", fmt.Errorf("%s: %w", ErrorCodeInvalidRedirectURI, err)
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodPost:
	default:
		return nil, "", fmt.Errorf("%s: unsupported token_endpoint_auth_method: %s", ErrorCodeInvalidClientMetadata, authMethod)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, "", fmt.Errorf("%s: unsupported grant_type: %s", ErrorCodeInvalidClientMetadata, gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, "", fmt.Errorf("%s: unsupported response_type: %s", ErrorCodeInvalidClientMetadata, rt)
		}
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, "", fmt.Errorf("%s: %w", ErrorCodeInvalidClientMetadata, err)
	}

	clientSecret, clientSecretHash, err := generateClientSecret(authMethod)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientSecretHash:        clientSecretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  splitScope(req.Scope),
		ClientIDIssuedAt:        time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypePublic
	if client.IsConfidential() {
		clientType = ClientTypeConfidential
	}
	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// generateClientSecret generates and hashes a secret for confidential clients.
// Public clients get no secret; PKCE is their proof of possession.
func generateClientSecret(authMethod string) (string, string, error) {
	if authMethod == TokenEndpointAuthMethodNone {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}
