package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero time never expires", time.Time{}, false},
		{"future expiry", now.Add(time.Hour), false},
		{"long past expiry", now.Add(-time.Hour), true},
		// Within the clock skew grace period the token still counts as valid.
		{"just past expiry within grace", now.Add(-time.Second), false},
		{"past expiry beyond grace", now.Add(-DefaultClockSkewGracePeriod - time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiresAt := time.Now().Add(-30 * time.Second)

	if IsTokenExpiredWithGracePeriod(expiresAt, time.Minute) {
		t.Error("token within custom grace period reported expired")
	}
	if !IsTokenExpiredWithGracePeriod(expiresAt, time.Second) {
		t.Error("token beyond custom grace period reported valid")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{"zero time never expires", time.Time{}, time.Hour, false},
		{"well before threshold", now.Add(time.Hour), time.Minute, false},
		{"inside threshold", now.Add(30 * time.Second), time.Minute, true},
		{"already expired", now.Add(-time.Minute), time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(tt.expiresAt, tt.threshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon(%v, %v) = %v, want %v", tt.expiresAt, tt.threshold, got, tt.want)
			}
		})
	}
}
