// Package clock derives the exam countdown from an absolute end time and
// owns the periodic timers a session runs while active.
//
// Remaining time is always recomputed as end - now rather than decremented,
// so skipped ticks and wall-clock adjustments never accumulate drift.
package clock

import (
	"fmt"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// EndTime computes the absolute end of an attempt entered at entered. A
// non-zero serverEnd caps the result so a late entry cannot outlive the
// evaluation window.
func EndTime(entered time.Time, durationMinutes int, serverEnd time.Time) time.Time {
	end := entered.Add(time.Duration(durationMinutes) * time.Minute)
	if !serverEnd.IsZero() && serverEnd.Before(end) {
		return serverEnd
	}
	return end
}

// Remaining returns end - now, clamped at zero.
func Remaining(end, now time.Time) time.Duration {
	d := end.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds returns the whole seconds left, clamped at zero.
func RemainingSeconds(end, now time.Time) int64 {
	return int64(Remaining(end, now) / time.Second)
}

// Expired reports whether now has reached end.
func Expired(end, now time.Time) bool {
	return !now.Before(end)
}

// Format renders seconds as H:MM:SS when at least an hour remains, else M:SS.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Urgency classifies how close the attempt is to its end.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyWarning
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyWarning:
		return "warning"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// MarshalText encodes the urgency by name.
func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// Thresholds are the remaining-time limits below which urgency escalates.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

// DefaultThresholds warns under ten minutes and is critical under five.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 10 * time.Minute, Critical: 5 * time.Minute}
}

// Classify returns the urgency for the remaining duration.
func (t Thresholds) Classify(remaining time.Duration) Urgency {
	switch {
	case remaining < t.Critical:
		return UrgencyCritical
	case remaining < t.Warning:
		return UrgencyWarning
	default:
		return UrgencyNormal
	}
}
