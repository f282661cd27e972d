package ca

import (
	"testing"
	"time"

	"fleetd/internal/model"
)

func TestUsable(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	revokedAt := now.Add(-time.Hour)

	tests := []struct {
		name string
		cert *model.Certificate
		want bool
	}{
		{
			name: "nil certificate",
			cert: nil,
			want: false,
		},
		{
			name: "valid certificate",
			cert: &model.Certificate{ExpiresAt: now.Add(24 * time.Hour)},
			want: true,
		},
		{
			name: "expired certificate",
			cert: &model.Certificate{ExpiresAt: now.Add(-time.Minute)},
			want: false,
		},
		{
			name: "expires exactly now",
			cert: &model.Certificate{ExpiresAt: now},
			want: false,
		},
		{
			name: "revoked certificate",
			cert: &model.Certificate{
				ExpiresAt: now.Add(24 * time.Hour),
				Revoked:   true,
				RevokedAt: &revokedAt,
			},
			want: false,
		},
		{
			name: "revoked and expired",
			cert: &model.Certificate{
				ExpiresAt: now.Add(-time.Hour),
				Revoked:   true,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Usable(tt.cert, now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}
