package ratelimit

import (
	"testing"
	"time"
)

func TestWindowState_IsOpen(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    WindowState
		expected bool
	}{
		{
			name:     "window still running",
			state:    WindowState{WindowEnd: now.Add(time.Second)},
			expected: true,
		},
		{
			name:     "window closed",
			state:    WindowState{WindowEnd: now.Add(-time.Second)},
			expected: false,
		},
		{
			name:     "window closes exactly now",
			state:    WindowState{WindowEnd: now},
			expected: false,
		},
		{
			name:     "never opened",
			state:    WindowState{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsOpen(now); got != tt.expected {
				t.Errorf("IsOpen() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWindowState_Remaining(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    WindowState
		expected int
	}{
		{
			name: "closed window grants full limit",
			state: WindowState{
				WindowEnd:            now.Add(-time.Second),
				CountInWindow:        5,
				MaxRequestsPerWindow: 5,
			},
			expected: 5,
		},
		{
			name: "partially used window",
			state: WindowState{
				WindowEnd:            now.Add(time.Second),
				CountInWindow:        2,
				MaxRequestsPerWindow: 5,
			},
			expected: 3,
		},
		{
			name: "exhausted window",
			state: WindowState{
				WindowEnd:            now.Add(time.Second),
				CountInWindow:        5,
				MaxRequestsPerWindow: 5,
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Remaining(now); got != tt.expected {
				t.Errorf("Remaining() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestWindowState_TimeUntilReset(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    WindowState
		expected time.Duration
	}{
		{
			name:     "future reset",
			state:    WindowState{WindowEnd: now.Add(750 * time.Millisecond)},
			expected: 750 * time.Millisecond,
		},
		{
			name:     "past reset",
			state:    WindowState{WindowEnd: now.Add(-time.Second)},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.TimeUntilReset(now); got != tt.expected {
				t.Errorf("TimeUntilReset() = %v, want %v", got, tt.expected)
			}
		})
	}
}
