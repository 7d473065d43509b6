package violation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/clock"
	"proctord/internal/logging"
)

// Record is one entry of the log. Violation records carry Kind, activity
// records carry Activity.
type Record struct {
	ID           string       `json:"id"`
	Seq          uint64       `json:"seq"`
	EvaluationID string       `json:"evaluation_id"`
	StudentID    string       `json:"student_id"`
	Violation    bool         `json:"is_violation"`
	Kind         Kind         `json:"kind,omitempty"`
	Activity     ActivityType `json:"activity,omitempty"`
	Detail       string       `json:"detail"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Type returns the backend activityType of the record.
func (r Record) Type() string {
	if r.Violation {
		return ViolationActivity
	}
	return string(r.Activity)
}

// Journal persists records as they are appended.
type Journal interface {
	AppendRecord(ctx context.Context, r Record) error
}

// LogConfig configures a Log.
type LogConfig struct {
	EvaluationID string
	StudentID    string

	Clock   clock.Clock
	Journal Journal
	Logger  *logging.Logger

	// NewID generates record IDs. Defaults to random UUIDs.
	NewID func() string
}

// Log is the append-only record of one session. Entries keep detection
// order; timestamps never go backwards even if the wall clock does.
type Log struct {
	mu         sync.RWMutex
	cfg        LogConfig
	seq        uint64
	last       time.Time
	violations []Record
	activities []Record
}

// NewLog creates an empty log.
func NewLog(cfg LogConfig) *Log {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	cfg.Logger = cfg.Logger.WithComponent("violation-log")
	return &Log{cfg: cfg}
}

// AppendViolation records a violation and returns the stored record.
func (l *Log) AppendViolation(kind Kind, detail string) Record {
	return l.append(Record{Violation: true, Kind: kind, Detail: detail})
}

// AppendActivity records non-violation telemetry.
func (l *Log) AppendActivity(activity ActivityType, detail string) Record {
	return l.append(Record{Activity: activity, Detail: detail})
}

func (l *Log) append(r Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()
	if now.Before(l.last) {
		now = l.last
	}
	l.last = now
	l.seq++

	r.ID = l.cfg.NewID()
	r.Seq = l.seq
	r.EvaluationID = l.cfg.EvaluationID
	r.StudentID = l.cfg.StudentID
	r.Timestamp = now

	if r.Violation {
		l.violations = append(l.violations, r)
	} else {
		l.activities = append(l.activities, r)
	}

	// The in-memory entry is authoritative; a journal failure is only logged.
	if l.cfg.Journal != nil {
		if err := l.cfg.Journal.AppendRecord(context.Background(), r); err != nil {
			l.cfg.Logger.Warn("journal append failed",
				"seq", r.Seq,
				"type", r.Type(),
				"error", err,
			)
		}
	}
	return r
}

// Violations returns a copy of the violations in detection order.
func (l *Log) Violations() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.violations...)
}

// Activities returns a copy of the activities in detection order.
func (l *Log) Activities() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.activities...)
}

// All returns every record ordered by sequence number.
func (l *Log) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.violations)+len(l.activities))
	i, j := 0, 0
	for i < len(l.violations) || j < len(l.activities) {
		switch {
		case j == len(l.activities) || (i < len(l.violations) && l.violations[i].Seq < l.activities[j].Seq):
			out = append(out, l.violations[i])
			i++
		default:
			out = append(out, l.activities[j])
			j++
		}
	}
	return out
}

// ViolationCount returns the number of violations.
func (l *Log) ViolationCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.violations)
}

// Len returns the total number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.violations) + len(l.activities)
}

// CountByKind tallies violations per kind.
func (l *Log) CountByKind() map[Kind]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[Kind]int)
	for _, r := range l.violations {
		counts[r.Kind]++
	}
	return counts
}
