// Package timeutil provides UTC date helpers for deadlines and for
// rendering task ages in operator tooling.
package timeutil

import (
	"fmt"
	"time"
)

// StartOfDay returns 00:00:00 UTC on t's UTC date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateAfter reports whether t's UTC date is strictly after deadline's.
// A deadline stays open for the whole of its last day.
func DateAfter(t, deadline time.Time) bool {
	return StartOfDay(t).After(StartOfDay(deadline))
}

// FormatRelative renders t relative to now, e.g. "5m ago" or "in 2d".
func FormatRelative(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		return "in " + shortDuration(-d)
	}
	if d < time.Minute {
		return "just now"
	}
	return shortDuration(d) + " ago"
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
