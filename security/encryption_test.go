package security

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(ServiceConfig{
		KeyPath: filepath.Join(t.TempDir(), "encryption.key"),
	})
	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"simple ascii", "hello world"},
		{"json payload", `{"accessToken":"ya29.abc","refreshToken":"1//xyz"}`},
		{"unicode", "héllo wörld 日本語 🔐"},
		{"control characters", "line1\nline2\ttab\x00null"},
		{"large payload", strings.Repeat("0123456789", 1024)}, // 10KB
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := svc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if parts := strings.Split(blob, ":"); len(parts) != 4 {
				t.Errorf("Encrypt() produced %d segments, want 4", len(parts))
			}

			got, err := svc.Decrypt(blob)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	svc := newTestService(t)

	const plaintext = "same plaintext"
	first, err := svc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := svc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first == second {
		t.Error("Encrypt() produced identical blobs for the same plaintext")
	}

	for _, blob := range []string{first, second} {
		got, err := svc.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("Decrypt() = %q, want %q", got, plaintext)
		}
	}
}

// flipHexDigit returns s with the hex digit at index i replaced by a
// different hex digit, keeping the string valid hex.
func flipHexDigit(s string, i int) string {
	replacement := byte('0')
	if s[i] == '0' {
		replacement = '1'
	}
	return s[:i] + string(replacement) + s[i+1:]
}

func TestDecryptTamperDetection(t *testing.T) {
	svc := newTestService(t)

	blob, err := svc.Encrypt("sensitive data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	parts := strings.Split(blob, ":")

	// Tampering with any segment must fail authentication, never return
	// altered plaintext.
	for i, name := range []string{"salt", "iv", "authTag", "ciphertext"} {
		t.Run(name, func(t *testing.T) {
			tampered := make([]string, len(parts))
			copy(tampered, parts)
			tampered[i] = flipHexDigit(tampered[i], 0)

			_, err := svc.Decrypt(strings.Join(tampered, ":"))
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Errorf("Decrypt(tampered %s) error = %v, want ErrAuthenticationFailed", name, err)
			}
		})
	}
}

func TestDecryptFormatRejection(t *testing.T) {
	svc := newTestService(t)

	valid, err := svc.Encrypt("data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	parts := strings.Split(valid, ":")

	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"one segment", "deadbeef"},
		{"three segments", strings.Join(parts[:3], ":")},
		{"five segments", valid + ":deadbeef"},
		{"non-hex segment", "zzzz:" + strings.Join(parts[1:], ":")},
		{"short salt", "dead:" + strings.Join(parts[1:], ":")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decrypt(tt.input)
			if !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Decrypt(%q) error = %v, want ErrInvalidFormat", tt.input, err)
			}
		})
	}
}

func TestServiceNotInitialized(t *testing.T) {
	svc := NewService(ServiceConfig{KeyPath: filepath.Join(t.TempDir(), "key")})

	if _, err := svc.Encrypt("data"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Encrypt() before Initialize error = %v, want ErrNotInitialized", err)
	}
	if _, err := svc.Decrypt("a:b:c:d"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Decrypt() before Initialize error = %v, want ErrNotInitialized", err)
	}
	if _, _, err := svc.DecryptFromFile("nope"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("DecryptFromFile() before Initialize error = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	svc := newTestService(t)

	blob, err := svc.Encrypt("data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if err := svc.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}

	got, err := svc.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() after re-Initialize error = %v", err)
	}
	if got != "data" {
		t.Errorf("Decrypt() = %q, want %q", got, "data")
	}
}

func TestInitializeFromEnvironment(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv(DefaultKeyEnvVar, base64.StdEncoding.EncodeToString(key))

	// No key path needed when the environment provides the key.
	svc := NewService(ServiceConfig{})
	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	blob, err := svc.Encrypt("env keyed")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// A second service with the same environment key can decrypt.
	other := NewService(ServiceConfig{})
	if err := other.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	got, err := other.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "env keyed" {
		t.Errorf("Decrypt() = %q, want %q", got, "env keyed")
	}
}

func TestInitializeRejectsBadEnvironmentKey(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(DefaultKeyEnvVar, tt.value)
			svc := NewService(ServiceConfig{})
			if err := svc.Initialize(); err == nil {
				t.Error("Initialize() succeeded with invalid environment key")
			}
		})
	}
}

func TestKeyPersistsAcrossInstances(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "encryption.key")

	first := NewService(ServiceConfig{KeyPath: keyPath})
	if err := first.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	blob, err := first.Encrypt("persisted")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	second := NewService(ServiceConfig{KeyPath: keyPath})
	if err := second.Initialize(); err != nil {
		t.Fatalf("Initialize() with existing key file error = %v", err)
	}
	got, err := second.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() with reloaded key error = %v", err)
	}
	if got != "persisted" {
		t.Errorf("Decrypt() = %q, want %q", got, "persisted")
	}
}

func TestEncryptToFileRoundTrip(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(t.TempDir(), "tokens.enc")

	if err := svc.EncryptToFile("first", path); err != nil {
		t.Fatalf("EncryptToFile() error = %v", err)
	}
	got, ok, err := svc.DecryptFromFile(path)
	if err != nil || !ok {
		t.Fatalf("DecryptFromFile() = (%q, %v, %v), want ok", got, ok, err)
	}
	if got != "first" {
		t.Errorf("DecryptFromFile() = %q, want %q", got, "first")
	}

	// Overwriting replaces the content completely.
	if err := svc.EncryptToFile("second", path); err != nil {
		t.Fatalf("EncryptToFile() overwrite error = %v", err)
	}
	got, ok, err = svc.DecryptFromFile(path)
	if err != nil || !ok {
		t.Fatalf("DecryptFromFile() = (%q, %v, %v), want ok", got, ok, err)
	}
	if got != "second" {
		t.Errorf("DecryptFromFile() = %q, want %q", got, "second")
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still exists after successful write: %v", err)
	}
}

func TestEncryptToFileFailureLeavesOriginal(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()

	// Commit an initial value, then make the rename fail by pointing the
	// target at a non-empty directory.
	path := filepath.Join(dir, "tokens.enc")
	if err := svc.EncryptToFile("committed", path); err != nil {
		t.Fatalf("EncryptToFile() error = %v", err)
	}

	blocked := filepath.Join(dir, "blocked")
	if err := os.MkdirAll(filepath.Join(blocked, "child"), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := svc.EncryptToFile("new value", blocked); err == nil {
		t.Fatal("EncryptToFile() to a directory path succeeded, want error")
	}
	if _, err := os.Stat(blocked + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file not cleaned up after failed rename: %v", err)
	}

	// The previously committed file is untouched.
	got, ok, err := svc.DecryptFromFile(path)
	if err != nil || !ok || got != "committed" {
		t.Errorf("DecryptFromFile() = (%q, %v, %v), want (%q, true, nil)", got, ok, err, "committed")
	}
}

func TestDecryptFromFileAbsentOrCorrupt(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()

	// Missing file is "not authenticated", not an error.
	got, ok, err := svc.DecryptFromFile(filepath.Join(dir, "missing.enc"))
	if err != nil {
		t.Fatalf("DecryptFromFile(missing) error = %v, want nil", err)
	}
	if ok || got != "" {
		t.Errorf("DecryptFromFile(missing) = (%q, %v), want (\"\", false)", got, ok)
	}

	// Corrupt content degrades the same way.
	corrupt := filepath.Join(dir, "corrupt.enc")
	if err := os.WriteFile(corrupt, []byte("not:a:valid:blob"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, ok, err = svc.DecryptFromFile(corrupt)
	if err != nil {
		t.Fatalf("DecryptFromFile(corrupt) error = %v, want nil", err)
	}
	if ok || got != "" {
		t.Errorf("DecryptFromFile(corrupt) = (%q, %v), want (\"\", false)", got, ok)
	}
}
