// Package ratelimit implements admission gating for upstream dispatches.
// Limiters never drop a request; they only compute how long it must wait.
package ratelimit

import (
	"time"
)

// Limiter modes.
const (
	ModeFixedWindow = "fixed_window"
	ModeMinSpacing  = "min_spacing"
)

// WindowState is a snapshot of a fixed admission window.
type WindowState struct {
	// WindowEnd is when the current admission window closes.
	WindowEnd time.Time `json:"window_end"`

	// CountInWindow is the number of admissions granted in the current window.
	CountInWindow int `json:"count_in_window"`

	// MaxRequestsPerWindow is the configured admission limit per window.
	MaxRequestsPerWindow int `json:"max_requests_per_window"`

	// WindowDuration is the configured window length.
	WindowDuration time.Duration `json:"window_duration"`
}

// IsOpen returns true if the window is still running at now.
func (s WindowState) IsOpen(now time.Time) bool {
	return now.Before(s.WindowEnd)
}

// Remaining returns how many admissions the current window still grants
// without delay. A closed window grants the full limit.
func (s WindowState) Remaining(now time.Time) int {
	if !s.IsOpen(now) {
		return s.MaxRequestsPerWindow
	}
	remaining := s.MaxRequestsPerWindow - s.CountInWindow
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeUntilReset returns the duration until the window closes.
// Returns 0 if the window has already closed.
func (s WindowState) TimeUntilReset(now time.Time) time.Duration {
	d := s.WindowEnd.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
