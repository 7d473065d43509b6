package store

import (
	"bytes"
	"context"
	"crypto/hmac"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VerifyReport is the outcome of a full chain verification.
type VerifyReport struct {
	Records    int64
	ChainHash  [32]byte
	VerifiedAt time.Time

	// BrokenAt is the row id of the first record that failed, or 0.
	BrokenAt int64
	Problem  string
}

// OK reports whether the chain verified.
func (r *VerifyReport) OK() bool {
	return r.Problem == ""
}

// Verify recomputes every record hash and HMAC and checks the sealed chain
// head. A failed verification also stops further appends.
func (s *SecureStore) Verify(ctx context.Context) (*VerifyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.walkChain(ctx)
	if err != nil {
		return nil, err
	}
	s.integrityOK = report.OK()
	if report.OK() {
		s.lastHash = report.ChainHash
		s.count = report.Records
		s.db.ExecContext(ctx, `UPDATE integrity SET last_verified = ? WHERE id = 1`, report.VerifiedAt.UnixNano())
	}
	return report, nil
}

func (s *SecureStore) verifyIntegrity(ctx context.Context) error {
	report, err := s.Verify(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		return errors.New(report.Problem)
	}
	return nil
}

func (s *SecureStore) walkChain(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{VerifiedAt: time.Now()}

	var chainHash, storedMAC []byte
	var sealedCount int64
	err := s.db.QueryRowContext(ctx, `SELECT chain_hash, record_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chainHash, &sealedCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			report.Problem = "integrity record missing"
			return report, nil
		}
		return nil, fmt.Errorf("read integrity record: %w", err)
	}

	var sealed [32]byte
	copy(sealed[:], chainHash)
	if !hmac.Equal(storedMAC, s.computeIntegrityHMAC(sealed, sealedCount)) {
		report.Problem = "integrity record HMAC mismatch"
		return report, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, seq, evaluation_id, student_id, is_violation, record_type, detail, timestamp_ns,
		       previous_hash, record_hash, hmac
		FROM records ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var last [32]byte
	for rows.Next() {
		var id int64
		var c chainedRecord
		var isViolation int
		var prev, recordHash, mac []byte
		if err := rows.Scan(&id, &c.RecordID, &c.Seq, &c.EvaluationID, &c.StudentID, &isViolation, &c.Type, &c.Detail, &c.TimestampNs,
			&prev, &recordHash, &mac); err != nil {
			return nil, fmt.Errorf("scan record %d: %w", id, err)
		}
		c.Violation = isViolation == 1
		copy(c.PreviousHash[:], prev)

		if !bytes.Equal(prev, last[:]) {
			report.BrokenAt, report.Problem = id, fmt.Sprintf("chain break at record %d: previous hash mismatch", id)
			return report, nil
		}
		computed := c.hash()
		if !bytes.Equal(recordHash, computed[:]) {
			report.BrokenAt, report.Problem = id, fmt.Sprintf("record %d hash mismatch", id)
			return report, nil
		}
		if !hmac.Equal(mac, s.computeRecordHMAC(&c)) {
			report.BrokenAt, report.Problem = id, fmt.Sprintf("record %d HMAC mismatch", id)
			return report, nil
		}
		last = computed
		report.Records++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	report.ChainHash = last
	if report.Records != sealedCount {
		report.Problem = fmt.Sprintf("record count mismatch: sealed %d, found %d", sealedCount, report.Records)
		return report, nil
	}
	if last != sealed {
		report.Problem = "chain head mismatch"
	}
	return report, nil
}
