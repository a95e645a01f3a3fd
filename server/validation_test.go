package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestValidateRedirectURISecurity(t *testing.T) {
	tests := []struct {
		name        string
		redirectURI string
		issuer      string
		wantErr     bool
	}{
		{"https uri", "https://app.example/callback", "https://auth.example", false},
		{"http loopback", "http://localhost:8123/callback", "https://auth.example", false},
		{"http 127.0.0.1", "http://127.0.0.1/cb", "https://auth.example", false},
		{"http ipv6 loopback", "http://[::1]:9999/cb", "https://auth.example", false},
		{"custom scheme", "myapp://oauth/callback", "https://auth.example", false},
		{"query preserved", "https://app.example/cb?env=prod", "https://auth.example", false},
		{"fragment", "https://app.example/cb#frag", "https://auth.example", true},
		{"relative uri", "/callback", "https://auth.example", true},
		{"javascript scheme", "javascript:alert(1)", "https://auth.example", true},
		{"data scheme", "data:text/html,hi", "https://auth.example", true},
		{"file scheme", "file:///etc/passwd", "https://auth.example", true},
		{"http non-loopback with https issuer", "http://app.example/cb", "https://auth.example", true},
		{"http non-loopback with http issuer", "http://app.example/cb", "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurity(tt.redirectURI, tt.issuer)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurity(%q) error = %v, wantErr %v", tt.redirectURI, err, tt.wantErr)
			}
		})
	}
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name          string
		issuer        string
		allowInsecure bool
		wantErr       bool
	}{
		{"https issuer", "https://auth.example", false, false},
		{"http localhost", "http://localhost:8080", false, false},
		{"http loopback ip", "http://127.0.0.1:8080", false, false},
		{"http production blocked", "http://auth.example", false, true},
		{"http production allowed explicitly", "http://auth.example", true, false},
		{"empty issuer", "", false, true},
		{"bogus scheme", "ftp://auth.example", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newServerForIssuer(t, tt.issuer, tt.allowInsecure)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() with issuer %q error = %v, wantErr %v", tt.issuer, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	srv := newTestServer(t)

	verifier := strings.Repeat("a", 43)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256", challenge, PKCEMethodS256, verifier, false},
		{"empty verifier", challenge, PKCEMethodS256, "", true},
		{"too short", challenge, PKCEMethodS256, strings.Repeat("a", 42), true},
		{"too long", challenge, PKCEMethodS256, strings.Repeat("a", 129), true},
		{"invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"plain method rejected", verifier, "plain", verifier, true},
		{"wrong verifier", challenge, PKCEMethodS256, strings.Repeat("b", 43), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.SupportedScopes = []string{"calendar:read", "calendar:write"}

	tests := []struct {
		name    string
		scope   string
		wantErr bool
	}{
		{"empty scope", "", false},
		{"single supported", "calendar:read", false},
		{"all supported", "calendar:read calendar:write", false},
		{"unsupported", "admin", true},
		{"mixed", "calendar:read admin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateScopes(tt.scope)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScopes(%q) error = %v, wantErr %v", tt.scope, err, tt.wantErr)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback string
		want     string
	}{
		{"nil error", nil, ErrorCodeInvalidGrant, ErrorCodeInvalidGrant},
		{"coded error", errInvalidGrantGeneric(), ErrorCodeInvalidRequest, ErrorCodeInvalidGrant},
		{"uncoded error", errPlain(), ErrorCodeInvalidGrant, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err, tt.fallback); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
