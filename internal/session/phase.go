package session

import (
	"errors"
	"fmt"
	"time"

	"proctord/internal/clock"
	"proctord/internal/violation"
)

// Phase is the lifecycle state of an attempt.
type Phase int

const (
	Preview Phase = iota
	Active
	Submitted
	Exited
	Expired
)

func (p Phase) String() string {
	switch p {
	case Preview:
		return "preview"
	case Active:
		return "active"
	case Submitted:
		return "submitted"
	case Exited:
		return "exited"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == Submitted || p == Exited || p == Expired
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for p := Preview; p <= Expired; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("session: unknown phase %q", s)
}

var (
	// ErrAlreadyTerminal is returned by operations attempted after the
	// attempt has ended. It is an expected outcome of racing transitions.
	ErrAlreadyTerminal = errors.New("session: already terminal")

	// ErrNotActive is returned by operations that need an active attempt
	// while the session is still in preview.
	ErrNotActive = errors.New("session: not active")

	// ErrAlreadyEntered is returned by Enter once the attempt has started.
	ErrAlreadyEntered = errors.New("session: already entered")

	// ErrDisallowedURL is returned when a resource is outside the allow-list.
	ErrDisallowedURL = errors.New("session: url not allowed")

	// ErrNothingToResend is returned by ResendSubmission when there is no
	// undelivered submission.
	ErrNothingToResend = errors.New("session: no undelivered submission")

	// ErrInvalidAnswers is returned when the answers payload is not JSON.
	ErrInvalidAnswers = errors.New("session: answers must be valid JSON")
)

// SubmitError is a failed delivery of an explicit submission. The attempt
// is already Submitted locally; ResendSubmission retries the same request.
type SubmitError struct {
	SubmissionID string
	Err          error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("session: submission %s not delivered: %v", e.SubmissionID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// EventType names a session event.
type EventType string

const (
	EventPhase  EventType = "phase"
	EventTick   EventType = "tick"
	EventRecord EventType = "record"
)

// Event is published to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type             EventType         `json:"type"`
	Phase            Phase             `json:"phase"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	Urgency          clock.Urgency     `json:"urgency"`
	Record           *violation.Record `json:"record,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	At               time.Time         `json:"at"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	EvaluationID     string        `json:"evaluation_id"`
	StudentID        string        `json:"student_id"`
	Name             string        `json:"name"`
	Phase            Phase         `json:"phase"`
	EnteredAt        time.Time     `json:"entered_at,omitempty"`
	EndTime          time.Time     `json:"end_time,omitempty"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Remaining        string        `json:"remaining"`
	Urgency          clock.Urgency `json:"urgency"`
	Violations       int           `json:"violations"`
	Activities       int           `json:"activities"`
	AllowedURLs      []string      `json:"allowed_urls"`
	SubmissionID     string        `json:"submission_id,omitempty"`
	Delivered        bool          `json:"delivered"`
	EndReason        string        `json:"end_reason,omitempty"`
}
