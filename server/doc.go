// Package server implements the OAuth 2.1 authorization server core: dynamic
// client registration, the authorize/login/consent flow with PKCE, and the
// authorization_code and refresh_token grants with rotation. It is transport
// agnostic; the root package provides the HTTP layer.
package server
