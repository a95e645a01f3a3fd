package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	masterKeySize = 32 // AES-256
	saltSize      = 16
	nonceSize     = 12 // standard GCM nonce
	tagSize       = 16 // GCM authentication tag

	// scrypt parameters for deriving a per-blob key from the master key.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// DefaultKeyEnvVar is the environment variable consulted for a
	// base64-encoded 32-byte master key before falling back to the key file.
	DefaultKeyEnvVar = "MCP_AUTH_ENCRYPTION_KEY"
)

var (
	// ErrNotInitialized indicates Encrypt/Decrypt was called before
	// Initialize. This is a programming error and must not be swallowed.
	ErrNotInitialized = errors.New("security: encryption service not initialized")

	// ErrInvalidFormat indicates the serialized blob does not have the
	// expected salt:iv:authTag:ciphertext shape.
	ErrInvalidFormat = errors.New("security: invalid encrypted data format")

	// ErrAuthenticationFailed indicates the authentication tag did not
	// verify: the blob was tampered with or encrypted under a different key.
	// Decryption is all-or-nothing; no partial plaintext is ever returned.
	ErrAuthenticationFailed = errors.New("security: decryption authentication failed")
)

// ServiceConfig configures the encryption service.
type ServiceConfig struct {
	// KeyPath is where a generated master key is persisted (base64, mode
	// 0600, inside a 0700 directory). Required unless the key always comes
	// from the environment.
	KeyPath string

	// KeyEnvVar overrides the environment variable name checked for a
	// base64-encoded master key. Defaults to DefaultKeyEnvVar.
	KeyEnvVar string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Service provides symmetric confidentiality and integrity for secrets at
// rest. Every Encrypt call uses a fresh random salt and IV, so encrypting
// the same plaintext twice yields different blobs that both decrypt back to
// the original. Blobs are serialized as four colon-separated hex segments:
// salt:iv:authTag:ciphertext.
type Service struct {
	mu          sync.Mutex
	masterKey   []byte
	initialized bool

	keyPath   string
	keyEnvVar string
	logger    *slog.Logger
}

// NewService creates an encryption service. Initialize must be called before
// any encrypt or decrypt operation.
func NewService(cfg ServiceConfig) *Service {
	envVar := cfg.KeyEnvVar
	if envVar == "" {
		envVar = DefaultKeyEnvVar
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		keyPath:   cfg.KeyPath,
		keyEnvVar: envVar,
		logger:    logger,
	}
}

// Initialize resolves the master key. Resolution order:
//  1. a base64-encoded key in the configured environment variable,
//  2. a key previously persisted at KeyPath,
//  3. a freshly generated random key, persisted to KeyPath with owner-only
//     permissions.
//
// Filesystems without POSIX permission support are tolerated: a failing
// chmod is logged and initialization continues. Initialize is idempotent;
// calling it again is a no-op.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if encoded := os.Getenv(s.keyEnvVar); encoded != "" {
		key, err := decodeMasterKey(encoded)
		if err != nil {
			return fmt.Errorf("invalid key in %s: %w", s.keyEnvVar, err)
		}
		s.masterKey = key
		s.initialized = true
		s.logger.Debug("Encryption key loaded from environment")
		return nil
	}

	if s.keyPath == "" {
		return fmt.Errorf("no encryption key in %s and no key path configured", s.keyEnvVar)
	}

	if data, err := os.ReadFile(s.keyPath); err == nil {
		key, err := decodeMasterKey(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("invalid key file %s: %w", s.keyPath, err)
		}
		s.masterKey = key
		s.initialized = true
		s.logger.Debug("Encryption key loaded from file", "path", s.keyPath)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("failed to generate encryption key: %w", err)
	}

	dir := filepath.Dir(s.keyPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		s.logger.Warn("Could not restrict key directory permissions", "path", dir, "error", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(s.keyPath, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to persist encryption key: %w", err)
	}
	if err := os.Chmod(s.keyPath, 0o600); err != nil {
		s.logger.Warn("Could not restrict key file permissions", "path", s.keyPath, "error", err)
	}

	s.masterKey = key
	s.initialized = true
	s.logger.Info("Generated new encryption key", "path", s.keyPath)
	return nil
}

func decodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return key, nil
}

func (s *Service) key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.masterKey, nil
}

// deriveKey derives a per-blob AES-256 key from the master key and salt.
func deriveKey(masterKey, salt []byte) ([]byte, error) {
	return scrypt.Key(masterKey, salt, scryptN, scryptR, scryptP, masterKeySize)
}

// Encrypt encrypts plaintext with AES-256-GCM under a key derived from the
// master key and a fresh random salt, and serializes the result as
// salt:iv:authTag:ciphertext with each segment hex-encoded.
func (s *Service) Encrypt(plaintext string) (string, error) {
	masterKey, err := s.key()
	if err != nil {
		return "", err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. It fails with ErrInvalidFormat unless the input
// has exactly four colon-separated hex segments, and with
// ErrAuthenticationFailed if the authentication tag does not verify.
func (s *Service) Decrypt(serialized string) (string, error) {
	masterKey, err := s.key()
	if err != nil {
		return "", err
	}

	parts := strings.Split(serialized, ":")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: expected 4 segments, got %d", ErrInvalidFormat, len(parts))
	}

	segments := make([][]byte, 4)
	for i, part := range parts {
		segment, err := hex.DecodeString(part)
		if err != nil {
			return "", fmt.Errorf("%w: segment %d is not hex", ErrInvalidFormat, i)
		}
		segments[i] = segment
	}
	salt, nonce, tag, ciphertext := segments[0], segments[1], segments[2], segments[3]

	if len(salt) != saltSize || len(nonce) != nonceSize || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad segment length", ErrInvalidFormat)
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

func newGCM(masterKey, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptToFile encrypts plaintext and writes it to path atomically: the
// blob is written to path+".tmp" with mode 0600 and then renamed over path.
// A reader therefore always sees either the previous content or the complete
// new content, never a partial write. On any failure after the temp file is
// created it is removed before the error is returned.
func (s *Service) EncryptToFile(plaintext, path string) error {
	blob, err := s.Encrypt(plaintext)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(blob), 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		s.logger.Warn("Could not restrict temp file permissions", "path", tmpPath, "error", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// DecryptFromFile reads and decrypts the blob at path. A missing file and an
// undecryptable file (corrupted, wrong key) are both reported uniformly as
// ok=false with a nil error: callers treat "no valid secret" the same way in
// either case. The only error returned is ErrNotInitialized.
func (s *Service) DecryptFromFile(path string) (plaintext string, ok bool, err error) {
	if _, err := s.key(); err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("Could not read encrypted file", "path", path, "error", err)
		}
		return "", false, nil
	}

	plaintext, err = s.Decrypt(strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Warn("Could not decrypt file, treating as absent", "path", path, "error", err)
		return "", false, nil
	}
	return plaintext, true, nil
}
