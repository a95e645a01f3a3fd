package oauth

import (
	"log/slog"
	"time"

	"github.com/planfirst/mcp-auth/instrumentation"
)

// Default cookie names. Both cookies carry server-generated opaque values and
// are never derived from user input.
const (
	DefaultSessionCookieName = "mcp_session"
	DefaultPendingCookieName = "oauth_pending"
)

// Config holds the HTTP gateway configuration. Protocol-level settings
// (issuer, TTLs, scopes) live in server.Config; this only covers concerns of
// the HTTP surface itself.
type Config struct {
	// SessionCookieName is the name of the login session cookie.
	// Default: "mcp_session".
	SessionCookieName string

	// PendingCookieName is the name of the short-lived cookie correlating an
	// in-progress authorization request across the login/consent redirects.
	// Default: "oauth_pending".
	PendingCookieName string

	// RateLimit configures per-IP rate limiting of the login and client
	// registration endpoints.
	RateLimit RateLimitConfig

	// Instrumentation provides OpenTelemetry metrics and tracing for the HTTP
	// layer. Nil disables instrumentation.
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often inactive per-IP limiters are discarded.
	CleanupInterval time.Duration
}

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.SessionCookieName == "" {
		c.SessionCookieName = DefaultSessionCookieName
	}
	if c.PendingCookieName == "" {
		c.PendingCookieName = DefaultPendingCookieName
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
