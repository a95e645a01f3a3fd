package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/planfirst/mcp-auth/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// dangerousSchemes lists URI schemes that must never be allowed as redirect
// targets.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside of localhost
// development. OAuth over plain HTTP exposes codes and tokens to interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS in production (got http://%s); set AllowInsecureHTTP for testing", hostname)
		}
		s.Logger.Error("Running authorization server over plain HTTP",
			"issuer", s.Config.Issuer,
			"risk", "tokens and credentials exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// localhost, 0.0.0.0, the 127.0.0.0/8 range, and the IPv6 loopback.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI checks that a redirect URI is registered for the client
// by exact string match, then applies security validation.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer)
}

// validateRedirectURISecurity performs security validation on a redirect URI
// per OAuth 2.0 Security BCP: no fragments, no dangerous schemes, and HTTPS
// for non-loopback targets when the server itself is HTTPS.
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}

	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed", scheme)
		}
	}

	if scheme == "http" || scheme == "https" {
		hostname := strings.ToLower(parsed.Hostname())
		if scheme == "http" && !isLocalhostHostname(hostname) {
			if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == "https" {
				return fmt.Errorf("redirect_uri must use HTTPS in production (got http://)")
			}
		}
	}
	// Custom schemes (native apps) are allowed; the dangerous list above is
	// the exclusion set.

	return nil
}

// validateScopes validates that requested scopes are supported by the server.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if reqScope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per
// RFC 7636. Only the S256 method is supported.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters from [A-Za-z0-9-._~]
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256)", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
