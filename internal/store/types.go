// Package store provides the local SQLite journal for proctord.
//
// The journal keeps one row per evaluation session, every violation and
// activity record in an HMAC-chained table, the submission of each attempt
// with its delivery state, and references to captured evidence.
package store

import "time"

// SessionRow is the persisted state of one evaluation attempt.
type SessionRow struct {
	EvaluationID string
	StudentID    string
	Name         string
	Phase        string
	EnteredAt    time.Time
	EndTime      time.Time
	UpdatedAt    time.Time
}

// Submission is the terminal artifact of an attempt and its delivery state.
type Submission struct {
	ID           string
	EvaluationID string
	StudentID    string

	// Answers is the opaque answers payload as JSON.
	Answers []byte

	CreatedAt   time.Time
	Attempts    int
	DeliveredAt time.Time
	LastError   string
}

// Delivered reports whether the backend accepted the submission.
func (s *Submission) Delivered() bool {
	return !s.DeliveredAt.IsZero()
}

// Evidence references one captured artifact.
type Evidence struct {
	ArtifactRef  string
	EvaluationID string
	StudentID    string
	Reason       string
	CapturedAt   time.Time
}

// Stats summarises a journal.
type Stats struct {
	Sessions      int64
	RecordCount   int64
	Violations    int64
	Submissions   int64
	Undelivered   int64
	Evidence      int64
	OldestRecord  time.Time
	NewestRecord  time.Time
	SchemaVersion int
	IntegrityOK   bool
	ChainHash     string
}
