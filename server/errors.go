package server

import "strings"

// OAuth 2.0 error codes from RFC 6749 and RFC 7591.
// Note: These are intentionally duplicated from the root package errors.go to
// avoid circular imports (root package imports server, server can't import
// root). Keep these in sync with errors.go.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeUnsupportedResponse   = "unsupported_response_type"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// ErrorCode extracts the leading OAuth error code from an error produced by
// this package, or returns fallback. Errors are formed as "<code>: detail".
func ErrorCode(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		code := msg[:idx]
		switch code {
		case ErrorCodeInvalidRequest, ErrorCodeInvalidClient, ErrorCodeInvalidGrant,
			ErrorCodeInvalidScope, ErrorCodeInvalidRedirectURI, ErrorCodeAccessDenied,
			ErrorCodeUnsupportedGrantType, ErrorCodeUnsupportedResponse,
			ErrorCodeInvalidClientMetadata:
			return code
		}
	}
	return fallback
}

// splitScope splits a space-delimited scope string into individual scopes.
func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
