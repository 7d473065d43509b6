package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"proctord/internal/violation"
)

// ErrIntegrity is returned when the record chain does not verify.
var ErrIntegrity = errors.New("store: journal integrity compromised")

// SecureStore wraps Store with an HMAC-chained record table.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Each record carries an HMAC under a key derived from the master secret
//  3. Each record hash covers the previous record hash
//  4. The integrity row seals the chain head and record count
type SecureStore struct {
	*Store
	hmacKey     []byte
	lastHash    [32]byte
	count       int64
	mu          sync.RWMutex
	integrityOK bool
}

// OpenSecure opens or creates a journal with record chaining. A journal that
// fails verification is returned together with an ErrIntegrity error so it
// can still be read; appends are refused.
func OpenSecure(path string, hmacKey []byte, busyTimeoutMs int) (*SecureStore, error) {
	if len(hmacKey) < 32 {
		return nil, errors.New("store: HMAC key must be at least 32 bytes")
	}

	isNew := path == MemoryPath
	if !isNew {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			isNew = true
		}
	}

	db, err := openDB(path, busyTimeoutMs)
	if err != nil {
		return nil, err
	}
	s := &SecureStore{Store: &Store{db: db}, hmacKey: hmacKey}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM integrity`).Scan(&rows); err != nil {
		db.Close()
		return nil, fmt.Errorf("read integrity record: %w", err)
	}
	if isNew || rows == 0 {
		if err := s.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		s.integrityOK = true
		return s, nil
	}

	if err := s.verifyIntegrity(context.Background()); err != nil {
		return s, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return s, nil
}

// IntegrityOK reports whether the journal passed verification.
func (s *SecureStore) IntegrityOK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.integrityOK
}

func (s *SecureStore) initializeIntegrity() error {
	var zeroHash [32]byte
	s.lastHash = zeroHash
	s.count = 0

	mac := s.computeIntegrityHMAC(zeroHash, 0)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO integrity (id, chain_hash, record_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zeroHash[:], time.Now().UnixNano(), mac,
	)
	return err
}

// AppendRecord chains and stores a violation or activity record.
func (s *SecureStore) AppendRecord(ctx context.Context, r violation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return ErrIntegrity
	}

	c := chainedFromRecord(r)
	c.PreviousHash = s.lastHash
	c.RecordHash = c.hash()
	mac := s.computeRecordHMAC(&c)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (record_id, seq, evaluation_id, student_id, is_violation, record_type, detail, timestamp_ns, previous_hash, record_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RecordID, c.Seq, c.EvaluationID, c.StudentID, boolToInt(c.Violation), c.Type, c.Detail, c.TimestampNs,
		c.PreviousHash[:], c.RecordHash[:], mac,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	count := s.count + 1
	_, err = tx.ExecContext(ctx,
		`UPDATE integrity SET chain_hash = ?, record_count = ?, hmac = ? WHERE id = 1`,
		c.RecordHash[:], count, s.computeIntegrityHMAC(c.RecordHash, count))
	if err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.lastHash = c.RecordHash
	s.count = count
	return nil
}

// Records returns the stored records of one attempt in sequence order.
func (s *SecureStore) Records(ctx context.Context, evaluationID, studentID string) ([]violation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, seq, evaluation_id, student_id, is_violation, record_type, detail, timestamp_ns
		FROM records WHERE evaluation_id = ? AND student_id = ? ORDER BY seq ASC`,
		evaluationID, studentID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []violation.Record
	for rows.Next() {
		var r violation.Record
		var isViolation int
		var recordType string
		var ts int64
		if err := rows.Scan(&r.ID, &r.Seq, &r.EvaluationID, &r.StudentID, &isViolation, &recordType, &r.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Violation = isViolation == 1
		if r.Violation {
			r.Kind = violation.Kind(recordType)
		} else {
			r.Activity = violation.ActivityType(recordType)
		}
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// GetStats returns journal statistics.
func (s *SecureStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{IntegrityOK: s.IntegrityOK()}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM sessions`, &stats.Sessions},
		{`SELECT COUNT(*) FROM records`, &stats.RecordCount},
		{`SELECT COUNT(*) FROM records WHERE is_violation = 1`, &stats.Violations},
		{`SELECT COUNT(*) FROM submissions`, &stats.Submissions},
		{`SELECT COUNT(*) FROM submissions WHERE delivered_at_ns IS NULL`, &stats.Undelivered},
		{`SELECT COUNT(*) FROM evidence`, &stats.Evidence},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp_ns), MAX(timestamp_ns) FROM records`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.OldestRecord = fromNull(oldest)
	stats.NewestRecord = fromNull(newest)

	var chainHash []byte
	if err := s.db.QueryRowContext(ctx, `SELECT chain_hash FROM integrity WHERE id = 1`).Scan(&chainHash); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.ChainHash = hex.EncodeToString(chainHash)

	if status, err := s.SchemaStatus(); err == nil {
		stats.SchemaVersion = status.CurrentVersion
	}
	return stats, nil
}

// chainedRecord is the hashed form of a violation.Record.
type chainedRecord struct {
	RecordID     string
	Seq          uint64
	EvaluationID string
	StudentID    string
	Violation    bool
	Type         string
	Detail       string
	TimestampNs  int64
	PreviousHash [32]byte
	RecordHash   [32]byte
}

func chainedFromRecord(r violation.Record) chainedRecord {
	typ := string(r.Activity)
	if r.Violation {
		typ = string(r.Kind)
	}
	return chainedRecord{
		RecordID:     r.ID,
		Seq:          r.Seq,
		EvaluationID: r.EvaluationID,
		StudentID:    r.StudentID,
		Violation:    r.Violation,
		Type:         typ,
		Detail:       r.Detail,
		TimestampNs:  r.Timestamp.UnixNano(),
	}
}

func (c *chainedRecord) writeFields(w interface{ Write([]byte) (int, error) }) {
	writeString := func(v string) {
		w.Write(uint64Bytes(uint64(len(v))))
		w.Write([]byte(v))
	}
	writeString(c.RecordID)
	w.Write(uint64Bytes(c.Seq))
	writeString(c.EvaluationID)
	writeString(c.StudentID)
	w.Write([]byte{byte(boolToInt(c.Violation))})
	writeString(c.Type)
	writeString(c.Detail)
	w.Write(uint64Bytes(uint64(c.TimestampNs)))
	w.Write(c.PreviousHash[:])
}

func (c *chainedRecord) hash() [32]byte {
	h := sha256.New()
	h.Write([]byte("proctord-record-v1"))
	c.writeFields(h)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *SecureStore) computeRecordHMAC(c *chainedRecord) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("proctord-record-v1"))
	c.writeFields(h)
	return h.Sum(nil)
}

func (s *SecureStore) computeIntegrityHMAC(chainHash [32]byte, count int64) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("proctord-integrity-v1"))
	h.Write(chainHash[:])
	h.Write(uint64Bytes(uint64(count)))
	return h.Sum(nil)
}

func uint64Bytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
