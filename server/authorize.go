package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/planfirst/mcp-auth/security"
	"github.com/planfirst/mcp-auth/storage"
)

// AuthorizationRequestError describes why an authorization request was
// rejected. Redirectable reports whether the client's redirect_uri was
// validated: if true, the error may be delivered as a redirect with error
// query parameters; if false, the error must be shown directly because
// redirecting to an unvalidated URI would be an open redirect.
type AuthorizationRequestError struct {
	Code         string
	Description  string
	Redirectable bool
}

func (e *AuthorizationRequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ValidateAuthorizationRequest validates the query parameters of an
// authorization request. Client identity and redirect URI are checked first;
// everything after that yields a redirectable error.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown_client")
		}
		return &AuthorizationRequestError{
			Code:        ErrorCodeInvalidClient,
			Description: "unknown client",
		}
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: req.ClientID,
				Details:  map[string]any{"redirect_uri": req.RedirectURI},
			})
		}
		return &AuthorizationRequestError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uri is not registered for this client",
		}
	}

	// The redirect URI is validated from here on, so remaining failures can
	// be reported to the client via redirect.
	if req.ResponseType != "code" {
		return &AuthorizationRequestError{
			Code:         ErrorCodeUnsupportedResponse,
			Description:  fmt.Sprintf("unsupported response_type: %s", req.ResponseType),
			Redirectable: true,
		}
	}

	// PKCE is mandatory (OAuth 2.1), S256 only.
	if req.CodeChallenge == "" {
		return &AuthorizationRequestError{
			Code:         ErrorCodeInvalidRequest,
			Description:  "code_challenge is required (PKCE)",
			Redirectable: true,
		}
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return &AuthorizationRequestError{
			Code:         ErrorCodeInvalidRequest,
			Description:  fmt.Sprintf("unsupported code_challenge_method: %s (supported: S256)", req.CodeChallengeMethod),
			Redirectable: true,
		}
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return &AuthorizationRequestError{
			Code:         ErrorCodeInvalidScope,
			Description:  err.Error(),
			Redirectable: true,
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationFlowStarted,
			ClientID: req.ClientID,
			Details: map[string]any{
				"redirect_uri":          req.RedirectURI,
				"scope":                 req.Scope,
				"code_challenge_method": req.CodeChallengeMethod,
			},
		})
	}

	return nil
}

// StartPendingAuthorization saves a validated authorization request and
// returns the opaque token that tracks it across the login/consent redirects.
func (s *Server) StartPendingAuthorization(ctx context.Context, req *storage.AuthorizationRequest) (string, error) {
	token := generateRandomToken()
	now := time.Now()

	pending := &storage.PendingAuthorization{
		Token:     token,
		Request:   *req,
		ClientID:  req.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.PendingAuthorizationTTL) * time.Second),
	}
	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return token, nil
}

// GetPendingAuthorization retrieves a pending request without consuming it,
// for rendering the consent page.
func (s *Server) GetPendingAuthorization(ctx context.Context, token string) (*storage.PendingAuthorization, error) {
	return s.flowStore.GetPendingAuthorization(ctx, token)
}

// CompleteAuthorization consumes the pending request and, if the user
// approved, issues an authorization code bound to the request's client,
// redirect URI, scope, and PKCE challenge. It returns the full redirect URL
// to send the user agent to. The pending request is consumed atomically, so
// a replayed consent submission fails with ErrNotFound from storage.
func (s *Server) CompleteAuthorization(ctx context.Context, pendingToken, userID, ipAddress string, approved bool) (string, error) {
	pending, err := s.flowStore.AtomicConsumePendingAuthorization(ctx, pendingToken)
	if err != nil {
		return "", fmt.Errorf("%s: pending authorization not found or expired", ErrorCodeInvalidRequest)
	}

	if s.Auditor != nil {
		s.Auditor.LogConsentDecision(userID, pending.ClientID, ipAddress, approved)
	}

	if !approved {
		return buildRedirect(pending.Request.RedirectURI, url.Values{
			"error":             {ErrorCodeAccessDenied},
			"error_description": {"the user denied the request"},
			"state":             {pending.Request.State},
		}), nil
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            pending.Request.ClientID,
		RedirectURI:         pending.Request.RedirectURI,
		Scope:               pending.Request.Scope,
		CodeChallenge:       pending.Request.CodeChallenge,
		CodeChallengeMethod: pending.Request.CodeChallengeMethod,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationCodeIssued,
			UserID:    userID,
			ClientID:  pending.ClientID,
			IPAddress: ipAddress,
			Details:   map[string]any{"scope": pending.Request.Scope},
		})
	}
	s.Logger.Info("Issued authorization code",
		"client_id", pending.ClientID,
		"code_prefix", safeTruncate(authCode.Code, 8))

	return buildRedirect(pending.Request.RedirectURI, url.Values{
		"code":  {authCode.Code},
		"state": {pending.Request.State},
	}), nil
}

// buildRedirect appends query parameters to a redirect URI, preserving any
// query the client registered.
func buildRedirect(redirectURI string, params url.Values) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated when the request was accepted.
		return redirectURI
	}

	query := parsed.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" || key == "state" {
				query.Set(key, v)
			}
		}
	}
	// An empty state means the client sent none; don't echo an empty param.
	if query.Get("state") == "" {
		query.Del("state")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
