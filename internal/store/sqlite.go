package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSubmissionExists is returned when an attempt already has a submission.
	ErrSubmissionExists = errors.New("store: submission already recorded")
)

// Store is the SQLite journal without record chaining.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal at path and applies migrations.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	db, err := openDB(path, busyTimeoutMs)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDB(path string, busyTimeoutMs int) (*sql.DB, error) {
	memory := path == MemoryPath
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=%d", path, busyTimeoutMs)
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !memory {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("set database permissions: %w", err)
		}
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SchemaStatus reports applied and pending migrations.
func (s *Store) SchemaStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

// UpsertSession inserts or replaces the session row.
func (s *Store) UpsertSession(ctx context.Context, r *SessionRow) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (evaluation_id, student_id, name, phase, entered_at_ns, end_time_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (evaluation_id, student_id) DO UPDATE SET
			name = excluded.name,
			phase = excluded.phase,
			entered_at_ns = excluded.entered_at_ns,
			end_time_ns = excluded.end_time_ns,
			updated_at_ns = excluded.updated_at_ns`,
		r.EvaluationID, r.StudentID, r.Name, r.Phase,
		nsOrNull(r.EnteredAt), nsOrNull(r.EndTime), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdatePhase records a phase transition.
func (s *Store) UpdatePhase(ctx context.Context, evaluationID, studentID, phase string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase = ?, updated_at_ns = ? WHERE evaluation_id = ? AND student_id = ?`,
		phase, at.UnixNano(), evaluationID, studentID)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns the session row.
func (s *Store) GetSession(ctx context.Context, evaluationID, studentID string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT evaluation_id, student_id, name, phase, entered_at_ns, end_time_ns, updated_at_ns
		FROM sessions WHERE evaluation_id = ? AND student_id = ?`, evaluationID, studentID)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, student_id, name, phase, entered_at_ns, end_time_ns, updated_at_ns
		FROM sessions ORDER BY updated_at_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRow, error) {
	var r SessionRow
	var name sql.NullString
	var entered, end sql.NullInt64
	var updated int64
	if err := row.Scan(&r.EvaluationID, &r.StudentID, &name, &r.Phase, &entered, &end, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	r.Name = name.String
	r.EnteredAt = fromNull(entered)
	r.EndTime = fromNull(end)
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}

// SaveSubmission stores the submission of an attempt. Each attempt has at
// most one; a second call returns ErrSubmissionExists.
func (s *Store) SaveSubmission(ctx context.Context, sub *Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, evaluation_id, student_id, answers, created_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (evaluation_id, student_id) DO NOTHING`,
		sub.ID, sub.EvaluationID, sub.StudentID, string(sub.Answers), sub.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubmissionExists
	}
	return nil
}

// RecordDeliveryAttempt counts one delivery attempt. A nil deliveryErr marks
// the submission delivered at the given time.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, id string, at time.Time, deliveryErr error) error {
	var err error
	if deliveryErr == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE submissions SET attempts = attempts + 1, delivered_at_ns = ?, last_error = NULL WHERE id = ?`,
			at.UnixNano(), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE submissions SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
			deliveryErr.Error(), id)
	}
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

// GetSubmission returns the submission of an attempt.
func (s *Store) GetSubmission(ctx context.Context, evaluationID, studentID string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, evaluation_id, student_id, answers, created_at_ns, attempts, delivered_at_ns, last_error
		FROM submissions WHERE evaluation_id = ? AND student_id = ?`, evaluationID, studentID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// ListUndelivered returns submissions the backend has not accepted yet.
func (s *Store) ListUndelivered(ctx context.Context) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evaluation_id, student_id, answers, created_at_ns, attempts, delivered_at_ns, last_error
		FROM submissions WHERE delivered_at_ns IS NULL ORDER BY created_at_ns`)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var answers string
	var created int64
	var delivered sql.NullInt64
	var lastErr sql.NullString
	if err := row.Scan(&sub.ID, &sub.EvaluationID, &sub.StudentID, &answers, &created, &sub.Attempts, &delivered, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	sub.Answers = []byte(answers)
	sub.CreatedAt = time.Unix(0, created)
	sub.DeliveredAt = fromNull(delivered)
	sub.LastError = lastErr.String
	return &sub, nil
}

// RecordEvidence stores an evidence reference.
func (s *Store) RecordEvidence(ctx context.Context, e Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (artifact_ref, evaluation_id, student_id, reason, captured_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		e.ArtifactRef, e.EvaluationID, e.StudentID, e.Reason, e.CapturedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the evidence of one attempt in capture order.
func (s *Store) ListEvidence(ctx context.Context, evaluationID, studentID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_ref, evaluation_id, student_id, reason, captured_at_ns
		FROM evidence WHERE evaluation_id = ? AND student_id = ? ORDER BY captured_at_ns`,
		evaluationID, studentID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var e Evidence
		var at int64
		if err := rows.Scan(&e.ArtifactRef, &e.EvaluationID, &e.StudentID, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		e.CapturedAt = time.Unix(0, at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

func nsOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}
