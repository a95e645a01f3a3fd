// Package secretauth implements a minimal shared-secret authentication
// scheme: a caller presents a pre-shared secret and receives a signed
// short-lived bearer token. It backs single-user deployments where a full
// identity provider would be overkill.
package secretauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLength = 32

var (
	// ErrInvalidSecret is returned when the presented secret does not match.
	// The message is deliberately generic.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrTokenMalformed indicates the token is not a structurally valid JWT.
	ErrTokenMalformed = errors.New("secretauth: malformed token")

	// ErrTokenSignatureInvalid indicates the token signature does not verify.
	ErrTokenSignatureInvalid = errors.New("secretauth: invalid token signature")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("secretauth: token expired")
)

// durationPattern accepts a positive integer followed by a single unit
// suffix: s, m, h, d, or w.
var durationPattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

// TokenResult is the outcome of a successful authentication.
type TokenResult struct {
	Token     string
	ExpiresIn int // seconds until expiry
}

// Authenticator validates a shared secret and mints HMAC-signed tokens.
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
	logger   *slog.Logger
}

// Config configures the shared-secret authenticator.
type Config struct {
	// Secret is the pre-shared secret. Minimum 32 characters.
	Secret string

	// TokenDuration is the token lifetime as a number plus unit suffix,
	// e.g. "30m", "12h", "7d". Unparsable or empty values fall back to 24h.
	TokenDuration string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// New creates an authenticator. The secret must be at least 32 characters so
// the HMAC key has meaningful entropy.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("secret must be at least %d characters, got %d", minSecretLength, len(cfg.Secret))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		tokenTTL: parseDuration(cfg.TokenDuration, logger),
		logger:   logger,
	}, nil
}

// parseDuration converts a "<number><unit>" string into a time.Duration.
// Anything that does not match the pattern falls back to 24 hours; callers
// that pass an empty value get the default without noise, so the fallback is
// only logged when a non-empty value failed to parse.
func parseDuration(value string, logger *slog.Logger) time.Duration {
	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		if value != "" {
			logger.Warn("Unparsable token duration, using 24h default", "value", value)
		}
		return 24 * time.Hour
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 24 * time.Hour
	}

	switch match[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// TokenTTL returns the configured token lifetime.
func (a *Authenticator) TokenTTL() time.Duration {
	return a.tokenTTL
}

// Authenticate compares the provided secret against the configured one in
// constant time and, on match, issues a signed token. On mismatch it returns
// ErrInvalidSecret with no further detail.
func (a *Authenticator) Authenticate(provided string) (*TokenResult, error) {
	if subtle.ConstantTimeCompare([]byte(provided), a.secret) != 1 {
		return nil, ErrInvalidSecret
	}

	now := time.Now()
	jti, err := randomTokenID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token id: %w", err)
	}

	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
		"jti": jti,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResult{
		Token:     token,
		ExpiresIn: int(a.tokenTTL.Seconds()),
	}, nil
}

// randomTokenID returns 16 random bytes hex-encoded. The jti claim makes
// tokens issued within the same second distinct.
func randomTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// VerifyToken checks a token's structure, signature, and expiry. The three
// sentinel errors let callers distinguish the failure classes without parsing
// error strings.
func (a *Authenticator) VerifyToken(token string) error {
	// jwt.Parse reports some structural problems as signature errors, so
	// check the three-part shape first to keep the error classes honest.
	if strings.Count(token, ".") != 2 {
		return ErrTokenMalformed
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		return ErrTokenMalformed
	}
}
