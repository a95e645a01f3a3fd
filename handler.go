// Package oauth provides an embeddable OAuth 2.1 authorization and credential
// custody subsystem for remote MCP servers. The root package is the HTTP
// gateway; protocol logic lives in server, persistence behind the storage
// interfaces, and cryptographic custody in security.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/planfirst/mcp-auth/instrumentation"
	"github.com/planfirst/mcp-auth/security"
	"github.com/planfirst/mcp-auth/server"
	"github.com/planfirst/mcp-auth/storage"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the authorization server. It routes the
// OAuth endpoints, translates protocol errors into the OAuth JSON error shape,
// and renders the browser-facing login and consent pages. Business logic is
// delegated to server.Server.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	// rateLimiter throttles login attempts and client registrations per IP.
	// Nil when rate limiting is disabled.
	rateLimiter *security.RateLimiter

	// secureCookies is true when the issuer is https; cookies then carry the
	// Secure attribute.
	secureCookies bool
}

// NewHandler creates the HTTP gateway in front of an authorization server.
func NewHandler(srv *server.Server, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
	}

	if parsed, err := url.Parse(srv.Config.Issuer); err == nil {
		h.secureCookies = parsed.Scheme == "https"
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, h.logger)
	}

	if config.Instrumentation != nil {
		h.tracer = config.Instrumentation.Tracer("http")
		h.metrics = config.Instrumentation.Metrics()
	}

	return h, nil
}

// Close releases background resources held by the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// HandleRequest routes OAuth endpoints and reports whether the request was
// handled, so an outer mux can fall through to other routes.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	switch r.URL.Path {
	case "/.well-known/oauth-authorization-server":
		h.ServeAuthorizationServerMetadata(w, r)
	case "/.well-known/oauth-protected-resource":
		h.ServeProtectedResourceMetadata(w, r)
	case "/oauth/register":
		h.ServeRegistration(w, r)
	case "/oauth/authorize":
		h.ServeAuthorize(w, r)
	case "/oauth/login":
		h.ServeLogin(w, r)
	case "/oauth/token":
		h.ServeToken(w, r)
	default:
		return false
	}
	return true
}

// issuer returns the issuer URL without a trailing slash, for building
// endpoint URLs in metadata documents.
func (h *Handler) issuer() string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/")
}

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.issuer()
	metadata := &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{server.TokenEndpointAuthMethodNone, server.TokenEndpointAuthMethodPost},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}

	h.writeJSON(w, http.StatusOK, metadata)
	h.recordHTTPMetrics("metadata", r.Method, http.StatusOK, startTime)
}

// ServeProtectedResourceMetadata serves RFC 9728 protected resource metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.issuer()
	metadata := &ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	}

	h.writeJSON(w, http.StatusOK, metadata)
	h.recordHTTPMetrics("metadata", r.Method, http.StatusOK, startTime)
}

// ServeRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.register")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if !h.allowRequest(ctx, clientIP, "register") {
		h.writeError(w, ErrorCodeInvalidRequest, "rate limit exceeded, try again later", http.StatusTooManyRequests)
		h.recordHTTPMetrics("register", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Client registration rejected: malformed JSON body", "client_ip", clientIP)
		h.writeError(w, ErrorCodeInvalidClientMetadata, "request body is not valid JSON", http.StatusBadRequest)
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &server.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		code := server.ErrorCode(err, ErrorCodeInvalidClientMetadata)
		instrumentation.RecordError(span, err)
		h.writeError(w, code, errorDescription(err, "client registration failed"), http.StatusBadRequest)
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		return
	}

	clientType := server.ClientTypePublic
	if client.IsConfidential() {
		clientType = server.ClientTypeConfidential
	}
	if h.metrics != nil {
		h.metrics.RecordClientRegistration(ctx, clientType)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, clientType),
	)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.ClientIDIssuedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
	})
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
}

// ServeAuthorize handles the authorization endpoint. GET starts a flow and
// routes the user through login and consent; POST receives the consent
// decision.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveAuthorizeStart(w, r)
	case http.MethodPost:
		h.serveConsentDecision(w, r)
	default:
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveAuthorizeStart(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.authorize")
	if span != nil {
		defer span.End()
	}

	query := r.URL.Query()
	req := &storage.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	if err := h.server.ValidateAuthorizationRequest(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		var reqErr *server.AuthorizationRequestError
		if errors.As(err, &reqErr) && reqErr.Redirectable {
			// The redirect URI is validated, so the client gets the error.
			http.Redirect(w, r, errorRedirect(req.RedirectURI, reqErr.Code, reqErr.Description, req.State), http.StatusFound)
			h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
			return
		}
		// Unknown client or unvalidated redirect URI: never redirect, render
		// a direct error page instead. The description is template-escaped.
		desc := "the authorization request is invalid"
		if reqErr != nil {
			desc = reqErr.Description
		}
		h.renderErrorPage(w, http.StatusBadRequest, "Authorization Failed", desc)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		return
	}

	pendingToken, err := h.server.StartPendingAuthorization(ctx, req)
	if err != nil {
		h.logger.Error("Failed to start pending authorization", "error", err)
		instrumentation.RecordError(span, err)
		h.renderErrorPage(w, http.StatusInternalServerError, "Authorization Failed", "an internal error occurred")
		h.recordHTTPMetrics("authorize", r.Method, http.StatusInternalServerError, startTime)
		return
	}
	h.setPendingCookie(w, pendingToken)

	if h.metrics != nil {
		h.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}

	if _, err := h.sessionFromRequest(r); err != nil {
		// No valid login session; the login page picks the flow back up via
		// the pending cookie.
		http.Redirect(w, r, "/oauth/login", http.StatusFound)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		return
	}

	h.renderConsentForPending(w, r, pendingToken)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.consent")
	if span != nil {
		defer span.End()
	}

	pendingCookie, err := r.Cookie(h.config.PendingCookieName)
	if err != nil || pendingCookie.Value == "" {
		h.renderErrorPage(w, http.StatusBadRequest, "Request Expired", "the authorization request has expired, please start over")
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		return
	}

	session, err := h.sessionFromRequest(r)
	if err != nil {
		http.Redirect(w, r, "/oauth/login", http.StatusFound)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, "Invalid Request", "the consent form submission was malformed")
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		return
	}
	approved := r.PostFormValue("approve") == "true"

	clientIP := h.clientIP(r)
	redirectURL, err := h.server.CompleteAuthorization(ctx, pendingCookie.Value, session.UserID, clientIP, approved)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.clearPendingCookie(w)
		h.renderErrorPage(w, http.StatusBadRequest, "Request Expired", "the authorization request has expired, please start over")
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordConsentDecision(ctx, "", approved)
	}
	instrumentation.SetSpanSuccess(span)

	h.clearPendingCookie(w)
	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
}

// ServeLogin handles the interactive login page. GET renders the form; POST
// verifies credentials through the injected authenticator.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.renderLoginPage(w, r.URL.Query().Get("error"))
	case http.MethodPost:
		h.serveLoginSubmit(w, r)
	default:
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveLoginSubmit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.login")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if !h.allowRequest(ctx, clientIP, "login") {
		http.Redirect(w, r, "/oauth/login?error="+url.QueryEscape("too many login attempts, try again later"), http.StatusFound)
		h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/oauth/login?error="+url.QueryEscape("invalid form submission"), http.StatusFound)
		h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
		return
	}

	session, err := h.server.Login(ctx, r.PostFormValue("username"), r.PostFormValue("password"), clientIP)
	if h.metrics != nil {
		h.metrics.RecordLoginAttempt(ctx, err == nil)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		http.Redirect(w, r, "/oauth/login?error="+url.QueryEscape("invalid username or password"), http.StatusFound)
		h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
		return
	}

	h.setSessionCookie(w, session.ID)
	instrumentation.SetSpanSuccess(span)

	// With a pending authorization in flight, continue straight to consent.
	if pendingCookie, err := r.Cookie(h.config.PendingCookieName); err == nil && pendingCookie.Value != "" {
		if _, err := h.server.GetPendingAuthorization(ctx, pendingCookie.Value); err == nil {
			h.renderConsentForPending(w, r, pendingCookie.Value)
			h.recordHTTPMetrics("login", r.Method, http.StatusOK, startTime)
			return
		}
	}

	http.Redirect(w, r, h.issuer(), http.StatusFound)
	h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
}

// ServeToken handles the token endpoint, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.token")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "request body must be form-encoded", http.StatusBadRequest)
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		return
	}

	grantType := r.PostFormValue("grant_type")
	clientID, clientSecret := clientCredentials(r)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		return
	}

	client, err := h.server.GetClient(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		return
	}
	if client.IsConfidential() {
		if err := h.server.ValidateClientCredentials(ctx, clientID, clientSecret); err != nil {
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
			h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
			return
		}
	}

	clientIP := h.clientIP(r)

	switch grantType {
	case "authorization_code":
		code := r.PostFormValue("code")
		redirectURI := r.PostFormValue("redirect_uri")
		codeVerifier := r.PostFormValue("code_verifier")
		if code == "" || redirectURI == "" || codeVerifier == "" {
			h.writeError(w, ErrorCodeInvalidRequest, "code, redirect_uri, and code_verifier are required", http.StatusBadRequest)
			h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
			return
		}

		token, scope, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI, codeVerifier, clientIP)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.writeError(w, server.ErrorCode(err, ErrorCodeInvalidGrant), errorDescription(err, "invalid grant"), http.StatusBadRequest)
			h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCodeExchange(ctx, clientID)
		}
		instrumentation.SetSpanSuccess(span)
		h.writeTokenResponse(w, token.AccessToken, token.RefreshToken, scope, token.Expiry)
		h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)

	case "refresh_token":
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
			h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
			return
		}

		token, scope, err := h.server.ExchangeRefreshToken(ctx, refreshToken, clientID, clientIP)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.writeError(w, server.ErrorCode(err, ErrorCodeInvalidGrant), errorDescription(err, "invalid grant"), http.StatusBadRequest)
			h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordTokenRefresh(ctx, clientID, true)
		}
		instrumentation.SetSpanSuccess(span)
		h.writeTokenResponse(w, token.AccessToken, token.RefreshToken, scope, token.Expiry)
		h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)

	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("unsupported grant_type: %q (supported: authorization_code, refresh_token)", grantType),
			http.StatusBadRequest)
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
	}
}

// Authenticate resolves the request's bearer token to its access token record.
// Intended for the outer MCP server to guard its own routes.
func (h *Handler) Authenticate(r *http.Request) (*storage.AccessToken, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrInvalidToken("missing or malformed Authorization header")
	}

	record, err := h.server.ValidateAccessToken(r.Context(), parts[1])
	if err != nil {
		return nil, ErrInvalidToken("the access token is invalid or expired")
	}
	return record, nil
}

// WriteAuthenticationError writes the 401 response for a failed Authenticate
// call, including the WWW-Authenticate challenge pointing at the resource
// metadata (RFC 9728).
func (h *Handler) WriteAuthenticationError(w http.ResponseWriter, err error) {
	desc := "the access token is invalid or expired"
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		desc = oauthErr.Description
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q, error=%q, error_description=%q`,
			h.issuer()+"/.well-known/oauth-protected-resource", ErrorCodeInvalidToken, desc))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: ErrorCodeInvalidToken, ErrorDescription: desc})
}

// ---- helpers ----

// clientCredentials extracts client credentials from Basic auth or the form
// body (client_secret_post). Basic auth values are form-urlencoded per
// RFC 6749 section 2.3.1.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// errorRedirect builds the error redirect back to a validated redirect URI.
func errorRedirect(redirectURI, code, description, state string) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	query := parsed.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if state != "" {
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// splitScopeList splits a space-delimited scope string.
func splitScopeList(scope string) []string {
	return strings.Fields(scope)
}

// errorDescription strips the machine-readable code prefix from errors formed
// as "<code>: detail", leaving the human-readable part for error_description.
func errorDescription(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx > 0 {
		return msg[idx+2:]
	}
	return fallback
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// allowRequest applies per-IP rate limiting. Always true when limiting is
// disabled.
func (h *Handler) allowRequest(ctx context.Context, clientIP, endpoint string) bool {
	if h.rateLimiter == nil {
		return true
	}
	if h.rateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, endpoint)
	}
	return false
}

func (h *Handler) sessionFromRequest(r *http.Request) (*storage.Session, error) {
	cookie, err := r.Cookie(h.config.SessionCookieName)
	if err != nil {
		return nil, err
	}
	return h.server.ValidateSession(r.Context(), cookie.Value)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.server.Config.SessionTTL),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) setPendingCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.PendingCookieName,
		Value:    token,
		Path:     "/oauth",
		MaxAge:   int(h.server.Config.PendingAuthorizationTTL),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearPendingCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.PendingCookieName,
		Value:    "",
		Path:     "/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeJSON writes a JSON response with security headers. The Cache-Control
// no-store that token responses require is part of the standard header set.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an OAuth error response in the RFC 6749 JSON shape.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, accessToken, refreshToken, scope string, expiry time.Time) {
	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(time.Until(expiry).Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// startSpan starts an HTTP-layer span when tracing is configured. The
// returned span is nil otherwise; the instrumentation helpers are nil-safe.
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status,
		float64(time.Since(startTime).Microseconds())/1000.0)
}
