package server

import (
	"log/slog"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// SessionTTL is how long a logged-in user session lasts
	SessionTTL int64 // seconds, default: 86400 (24 hours)

	// PendingAuthorizationTTL bounds how long a user can sit on the
	// login/consent pages before the flow must be restarted
	PendingAuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP
	TrustedProxyCount int // default: 1

	// SupportedScopes lists the scopes clients may request. Empty allows all.
	SupportedScopes []string

	// ScopeDescriptions maps scope names to human-readable text shown on the
	// consent page. Unknown scopes fall back to the raw scope string.
	ScopeDescriptions map[string]string

	// AllowInsecureHTTP permits a non-localhost http:// issuer. Only for
	// testing; production issuers must be https.
	AllowInsecureHTTP bool // default: false
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = 86400 // 24 hours
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600 // 10 minutes
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP extraction",
			"recommendation", "only enable behind trusted reverse proxies",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}

// ScopeDescription returns the human-readable description for a scope,
// falling back to the scope name itself.
func (c *Config) ScopeDescription(scope string) string {
	if desc, ok := c.ScopeDescriptions[scope]; ok {
		return desc
	}
	return scope
}
