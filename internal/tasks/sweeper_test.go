package tasks

import (
	"testing"
	"time"
)

func TestStale(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tenMinAgo := now.Add(-10 * time.Minute)
	oneMinAgo := now.Add(-time.Minute)

	tests := []struct {
		name           string
		startedAt      *time.Time
		timeoutMinutes int
		want           bool
	}{
		{
			name:           "past timeout",
			startedAt:      &tenMinAgo,
			timeoutMinutes: 5,
			want:           true,
		},
		{
			name:           "within timeout",
			startedAt:      &oneMinAgo,
			timeoutMinutes: 5,
			want:           false,
		},
		{
			name:           "never started",
			startedAt:      nil,
			timeoutMinutes: 5,
			want:           false,
		},
		{
			name:           "no timeout configured",
			startedAt:      &tenMinAgo,
			timeoutMinutes: 0,
			want:           false,
		},
		{
			name:           "exactly at timeout is not yet stale",
			startedAt:      &tenMinAgo,
			timeoutMinutes: 10,
			want:           false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stale(tt.startedAt, tt.timeoutMinutes, now); got != tt.want {
				t.Errorf("Stale() = %v, want %v", got, tt.want)
			}
		})
	}
}
