package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/planfirst/mcp-auth/storage"
	"github.com/planfirst/mcp-auth/storage/memory"
)

// staticAuth is a test UserAuthenticator with a single known account.
type staticAuth struct{}

func (staticAuth) Authenticate(_ context.Context, username, password string) (string, error) {
	if username == "alice" && password == "correct horse" {
		return "user-alice", nil
	}
	return "", errors.New("bad credentials")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServerForIssuer(t *testing.T, issuer string, allowInsecure bool) (*Server, error) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return New(store, store, store, store, staticAuth{}, &Config{
		Issuer:            issuer,
		AllowInsecureHTTP: allowInsecure,
	}, testLogger())
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := newServerForIssuer(t, "https://auth.example", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func errInvalidGrantGeneric() error {
	return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
}

func errPlain() error {
	return errors.New("something broke")
}

// pkcePair returns a valid verifier and its S256 challenge.
func pkcePair() (verifier, challenge string) {
	verifier = strings.Repeat("v", 50)
	hash := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(hash[:])
}

// registerTestClient registers a public client with one redirect URI.
func registerTestClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	client, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		ClientName:   "Test App",
		RedirectURIs: []string{"https://app.example/callback"},
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

func TestNewRequiresDependencies(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	cfg := &Config{Issuer: "https://auth.example"}

	if _, err := New(nil, store, store, store, staticAuth{}, cfg, testLogger()); err == nil {
		t.Error("New() without client store succeeded")
	}
	if _, err := New(store, store, store, store, nil, cfg, testLogger()); err == nil {
		t.Error("New() without user authenticator succeeded")
	}
}

func TestRegisterClientDefaults(t *testing.T) {
	srv := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		ClientName:   "Defaults",
		RedirectURIs: []string{"https://app.example/cb"},
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("RegisterClient() issued empty client_id")
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		t.Errorf("TokenEndpointAuthMethod = %q, want %q", client.TokenEndpointAuthMethod, TokenEndpointAuthMethodNone)
	}
	if secret != "" || client.ClientSecretHash != "" {
		t.Error("public client got a secret")
	}
	if len(client.GrantTypes) != 2 {
		t.Errorf("GrantTypes = %v, want authorization_code and refresh_token", client.GrantTypes)
	}
	if len(client.ResponseTypes) != 1 || client.ResponseTypes[0] != "code" {
		t.Errorf("ResponseTypes = %v, want [code]", client.ResponseTypes)
	}
}

func TestRegisterConfidentialClient(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, &RegistrationRequest{
		ClientName:              "Server App",
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if secret == "" {
		t.Fatal("confidential client got no secret")
	}
	if !client.IsConfidential() {
		t.Error("IsConfidential() = false for client_secret_post client")
	}
	// The plaintext secret is never stored, only a hash that verifies.
	if client.ClientSecretHash == secret {
		t.Error("client secret stored in plaintext")
	}
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		t.Errorf("ValidateClientCredentials(correct) error = %v", err)
	}
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, "wrong"); err == nil {
		t.Error("ValidateClientCredentials(wrong) succeeded")
	}
}

func TestRegisterClientRejectsBadMetadata(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      *RegistrationRequest
		wantCode string
	}{
		{
			"no redirect uris",
			&RegistrationRequest{ClientName: "x"},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"dangerous redirect scheme",
			&RegistrationRequest{RedirectURIs: []string{"javascript:alert(1)"}},
			ErrorCodeInvalidRedirectURI,
		},
		{
			"unsupported auth method",
			&RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, TokenEndpointAuthMethod: "client_secret_basic"},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"unsupported grant type",
			&RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, GrantTypes: []string{"client_credentials"}},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"unsupported response type",
			&RegistrationRequest{RedirectURIs: []string{"https://a.example/cb"}, ResponseTypes: []string{"token"}},
			ErrorCodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.RegisterClient(ctx, tt.req, "203.0.113.9")
			if err == nil {
				t.Fatal("RegisterClient() succeeded, want error")
			}
			if got := ErrorCode(err, ""); got != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestValidateAuthorizationRequest(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.SupportedScopes = []string{"calendar:read"}
	client := registerTestClient(t, srv)
	_, challenge := pkcePair()

	valid := func() *storage.AuthorizationRequest {
		return &storage.AuthorizationRequest{
			ResponseType:        "code",
			ClientID:            client.ClientID,
			RedirectURI:         "https://app.example/callback",
			Scope:               "calendar:read",
			State:               "xyz",
			CodeChallenge:       challenge,
			CodeChallengeMethod: PKCEMethodS256,
		}
	}

	if err := srv.ValidateAuthorizationRequest(context.Background(), valid()); err != nil {
		t.Fatalf("ValidateAuthorizationRequest(valid) error = %v", err)
	}

	tests := []struct {
		name             string
		mutate           func(*storage.AuthorizationRequest)
		wantCode         string
		wantRedirectable bool
	}{
		{
			"unknown client",
			func(r *storage.AuthorizationRequest) { r.ClientID = "nope" },
			ErrorCodeInvalidClient, false,
		},
		{
			// Mismatched redirect URI must be rejected before any code could
			// be issued, and never redirected to.
			"unregistered redirect uri",
			func(r *storage.AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" },
			ErrorCodeInvalidRedirectURI, false,
		},
		{
			"wrong response type",
			func(r *storage.AuthorizationRequest) { r.ResponseType = "token" },
			ErrorCodeUnsupportedResponse, true,
		},
		{
			"missing code challenge",
			func(r *storage.AuthorizationRequest) { r.CodeChallenge = "" },
			ErrorCodeInvalidRequest, true,
		},
		{
			"plain challenge method",
			func(r *storage.AuthorizationRequest) { r.CodeChallengeMethod = "plain" },
			ErrorCodeInvalidRequest, true,
		},
		{
			"unsupported scope",
			func(r *storage.AuthorizationRequest) { r.Scope = "admin" },
			ErrorCodeInvalidScope, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)

			err := srv.ValidateAuthorizationRequest(context.Background(), req)
			var reqErr *AuthorizationRequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("error = %v, want *AuthorizationRequestError", err)
			}
			if reqErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", reqErr.Code, tt.wantCode)
			}
			if reqErr.Redirectable != tt.wantRedirectable {
				t.Errorf("Redirectable = %v, want %v", reqErr.Redirectable, tt.wantRedirectable)
			}
		})
	}
}

// startFlow validates a request and returns the pending token.
func startFlow(t *testing.T, srv *Server, client *storage.Client, challenge string) string {
	t.Helper()
	req := &storage.AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         "https://app.example/callback",
		Scope:               "calendar:read",
		State:               "state-123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}
	if err := srv.ValidateAuthorizationRequest(context.Background(), req); err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	token, err := srv.StartPendingAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("StartPendingAuthorization() error = %v", err)
	}
	return token
}

// approveFlow completes a pending authorization and extracts the issued code.
func approveFlow(t *testing.T, srv *Server, pendingToken string) (code, state string) {
	t.Helper()
	redirectURL, err := srv.CompleteAuthorization(context.Background(), pendingToken, "user-alice", "203.0.113.9", true)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", redirectURL, err)
	}
	return parsed.Query().Get("code"), parsed.Query().Get("state")
}

func TestCompleteAuthorizationApprove(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	_, challenge := pkcePair()

	pendingToken := startFlow(t, srv, client, challenge)

	// Peek for consent rendering does not consume.
	if _, err := srv.GetPendingAuthorization(context.Background(), pendingToken); err != nil {
		t.Fatalf("GetPendingAuthorization() error = %v", err)
	}

	code, state := approveFlow(t, srv, pendingToken)
	if code == "" {
		t.Error("approve redirect carries no code")
	}
	if state != "state-123" {
		t.Errorf("approve redirect state = %q, want %q", state, "state-123")
	}

	// A replayed consent submission fails: the pending request is consumed.
	if _, err := srv.CompleteAuthorization(context.Background(), pendingToken, "user-alice", "203.0.113.9", true); err == nil {
		t.Error("replayed CompleteAuthorization() succeeded")
	}
}

func TestCompleteAuthorizationDeny(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	_, challenge := pkcePair()
	pendingToken := startFlow(t, srv, client, challenge)

	redirectURL, err := srv.CompleteAuthorization(context.Background(), pendingToken, "user-alice", "203.0.113.9", false)
	if err != nil {
		t.Fatalf("CompleteAuthorization(deny) error = %v", err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if got := parsed.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("deny redirect error = %q, want %q", got, ErrorCodeAccessDenied)
	}
	if got := parsed.Query().Get("state"); got != "state-123" {
		t.Errorf("deny redirect state = %q, want %q", got, "state-123")
	}
	if parsed.Query().Get("code") != "" {
		t.Error("deny redirect carries a code")
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code, _ := approveFlow(t, srv, startFlow(t, srv, client, challenge))

	token, scope, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/callback", verifier, "203.0.113.9")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Error("exchange returned empty token pair")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", token.TokenType)
	}
	if scope != "calendar:read" {
		t.Errorf("scope = %q, want calendar:read", scope)
	}

	// The access token resolves to its record.
	record, err := srv.ValidateAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if record.UserID != "user-alice" {
		t.Errorf("access token UserID = %q, want user-alice", record.UserID)
	}

	// Single use: the same code fails the second time with invalid_grant.
	_, _, err = srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/callback", verifier, "203.0.113.9")
	if got := ErrorCode(err, ""); got != ErrorCodeInvalidGrant {
		t.Errorf("second exchange ErrorCode = %q, want invalid_grant", got)
	}
}

func TestExchangeAuthorizationCodeRejections(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	tests := []struct {
		name     string
		exchange func(code string) error
	}{
		{
			"wrong verifier",
			func(code string) error {
				_, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/callback", strings.Repeat("w", 50), "203.0.113.9")
				return err
			},
		},
		{
			"wrong client",
			func(code string) error {
				_, _, err := srv.ExchangeAuthorizationCode(ctx, code, "other-client", "https://app.example/callback", verifier, "203.0.113.9")
				return err
			},
		},
		{
			"wrong redirect uri",
			func(code string) error {
				_, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/other", verifier, "203.0.113.9")
				return err
			},
		},
		{
			"unknown code",
			func(string) error {
				_, _, err := srv.ExchangeAuthorizationCode(ctx, "no-such-code", client.ClientID, "https://app.example/callback", verifier, "203.0.113.9")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := approveFlow(t, srv, startFlow(t, srv, client, challenge))
			err := tt.exchange(code)
			// Every rejection collapses to a generic invalid_grant.
			if got := ErrorCode(err, ""); got != ErrorCodeInvalidGrant {
				t.Errorf("ErrorCode = %q (err = %v), want invalid_grant", got, err)
			}
		})
	}
}

func TestExchangeRefreshTokenRotation(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code, _ := approveFlow(t, srv, startFlow(t, srv, client, challenge))
	initial, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/callback", verifier, "203.0.113.9")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	refreshed, scope, err := srv.ExchangeRefreshToken(ctx, initial.RefreshToken, client.ClientID, "203.0.113.9")
	if err != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", err)
	}
	if scope != "calendar:read" {
		t.Errorf("refreshed scope = %q, want calendar:read", scope)
	}
	if refreshed.RefreshToken == initial.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if refreshed.AccessToken == initial.AccessToken {
		t.Error("access token was not rotated")
	}

	// The old refresh token is consumed; reuse fails with invalid_grant.
	_, _, err = srv.ExchangeRefreshToken(ctx, initial.RefreshToken, client.ClientID, "203.0.113.9")
	if got := ErrorCode(err, ""); got != ErrorCodeInvalidGrant {
		t.Errorf("reused refresh token ErrorCode = %q, want invalid_grant", got)
	}

	// The rotated token still works.
	if _, _, err := srv.ExchangeRefreshToken(ctx, refreshed.RefreshToken, client.ClientID, "203.0.113.9"); err != nil {
		t.Errorf("rotated refresh token exchange error = %v", err)
	}
}

func TestExchangeRefreshTokenClientBinding(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code, _ := approveFlow(t, srv, startFlow(t, srv, client, challenge))
	token, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, "https://app.example/callback", verifier, "203.0.113.9")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	_, _, err = srv.ExchangeRefreshToken(ctx, token.RefreshToken, "other-client", "203.0.113.9")
	if got := ErrorCode(err, ""); got != ErrorCodeInvalidGrant {
		t.Errorf("cross-client refresh ErrorCode = %q, want invalid_grant", got)
	}
}

func TestLoginAndSessions(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	session, err := srv.Login(ctx, "alice", "correct horse", "203.0.113.9")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.UserID != "user-alice" {
		t.Errorf("session UserID = %q, want user-alice", session.UserID)
	}

	got, err := srv.ValidateSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if got.UserID != "user-alice" {
		t.Errorf("ValidateSession() UserID = %q, want user-alice", got.UserID)
	}

	if err := srv.Logout(ctx, session.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := srv.ValidateSession(ctx, session.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ValidateSession() after logout error = %v, want ErrNotFound", err)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.Login(context.Background(), "alice", "wrong", "203.0.113.9")
	if err == nil {
		t.Fatal("Login(wrong password) succeeded")
	}
	// The error never echoes whether the user exists.
	if got := ErrorCode(err, ""); got != ErrorCodeAccessDenied {
		t.Errorf("ErrorCode = %q, want access_denied", got)
	}
	if strings.Contains(err.Error(), "alice") {
		t.Errorf("login error leaks username: %v", err)
	}

	_, err2 := srv.Login(context.Background(), "nobody", "wrong", "203.0.113.9")
	if err2 == nil || err2.Error() != err.Error() {
		t.Error("unknown-user and wrong-password errors differ")
	}
}

func TestValidateSessionEmptyID(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.ValidateSession(context.Background(), ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ValidateSession(\"\") error = %v, want ErrNotFound", err)
	}
}
