// Package backend is the HTTP+JSON client for the remote evaluation backend.
package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state the backend reports for an evaluation.
type Status string

const (
	StatusUpcoming Status = "UPCOMING"
	StatusOngoing  Status = "ONGOING"
	StatusEnded    Status = "ENDED"
)

// EpochTime is a timestamp sent as a Unix epoch number. Values below 1e12
// are read as seconds, larger ones as milliseconds; it always encodes as
// milliseconds.
type EpochTime struct {
	time.Time
}

const epochMillisThreshold = 1_000_000_000_000

// UnmarshalJSON accepts integer or fractional epoch numbers and null.
func (e *EpochTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		e.Time = time.Time{}
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < epochMillisThreshold {
			e.Time = time.Unix(n, 0)
		} else {
			e.Time = time.UnixMilli(n)
		}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("backend: invalid epoch time %s", s)
	}
	if v < epochMillisThreshold {
		e.Time = time.Unix(0, int64(v*float64(time.Second)))
	} else {
		e.Time = time.UnixMilli(int64(v))
	}
	return nil
}

// MarshalJSON encodes epoch milliseconds.
func (e EpochTime) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(e.UnixMilli(), 10)), nil
}

// Millis returns t as epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// SessionInfo is the evaluation metadata a session is initialised from.
type SessionInfo struct {
	EvaluationID    string    `json:"evaluationId"`
	Name            string    `json:"name"`
	CourseID        string    `json:"courseId,omitempty"`
	StartTime       EpochTime `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
	EndTime         EpochTime `json:"endTime"`
	Weightage       float64   `json:"weightage"`
	MaxScore        float64   `json:"maxScore"`
	AllowedURLs     []string  `json:"allowedUrls"`
	Status          Status    `json:"status"`
}

// Open reports whether the evaluation accepts entries.
func (s *SessionInfo) Open() bool {
	return s.Status == StatusOngoing
}

// envelope is the common reply shape.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Ack is the reply to a command.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// EnterRequest asks to enter an evaluation with its private key.
type EnterRequest struct {
	StudentID  string `json:"studentId"`
	PrivateKey string `json:"privateKey"`
}

// EnterResult is the data of a successful enter.
type EnterResult struct {
	EvaluationID string `json:"evaluationId,omitempty"`
}

// ExitRequest asks to leave an active evaluation.
type ExitRequest struct {
	EvaluationID string `json:"evaluationId"`
	StudentID    string `json:"studentId"`
	ExitPassword string `json:"exitPassword"`
}

// SubmitRequest is the terminal submission. Score is a placeholder the
// backend assigns later.
type SubmitRequest struct {
	EvaluationID string          `json:"evaluationId"`
	StudentID    string          `json:"studentId"`
	Score        float64         `json:"score"`
	Answers      json.RawMessage `json:"answers"`
}

// ActivityRequest logs an activity or violation. Detail travels in URL.
type ActivityRequest struct {
	EvaluationID  string `json:"evaluationId"`
	StudentID     string `json:"studentId"`
	ActivityType  string `json:"activityType"`
	URL           string `json:"url"`
	IsViolation   bool   `json:"isViolation"`
	ViolationKind string `json:"violationKind,omitempty"`
	RecordID      string `json:"recordId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// LocationRequest records one location sample.
type LocationRequest struct {
	EvaluationID string  `json:"evaluationId"`
	StudentID    string  `json:"studentId"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

// NotifyRequest tells the backend evidence was captured.
type NotifyRequest struct {
	EvaluationID string `json:"evaluationId"`
	StudentID    string `json:"studentId"`
	Reason       string `json:"reason"`
	Timestamp    int64  `json:"timestamp"`
	ArtifactRef  string `json:"artifactRef,omitempty"`
}

// SubmissionStatus is the graded state of a submission.
type SubmissionStatus struct {
	SubmissionID string    `json:"submissionId"`
	Score        float64   `json:"score"`
	Status       string    `json:"status"`
	SubmittedAt  EpochTime `json:"submittedAt,omitempty"`
	Rank         int       `json:"rank,omitempty"`
}
