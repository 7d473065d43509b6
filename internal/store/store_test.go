package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proctord/internal/violation"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func openTestSecure(t *testing.T, path string) *SecureStore {
	t.Helper()
	s, err := OpenSecure(path, testKey(), 1000)
	if err != nil {
		t.Fatalf("OpenSecure failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(seq uint64, violationKind violation.Kind) violation.Record {
	return violation.Record{
		ID:           fmt.Sprintf("rec-%d", seq),
		Seq:          seq,
		EvaluationID: "eval-1",
		StudentID:    "stu-1",
		Violation:    violationKind != "",
		Kind:         violationKind,
		Activity:     activityFor(violationKind),
		Detail:       fmt.Sprintf("detail %d", seq),
		Timestamp:    time.Unix(1_700_000_000+int64(seq), 0),
	}
}

func activityFor(k violation.Kind) violation.ActivityType {
	if k == "" {
		return violation.Copy
	}
	return ""
}

func TestOpenCreatesDirectoryAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := Open(path, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}

	status, err := s.SchemaStatus()
	if err != nil {
		t.Fatalf("SchemaStatus: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion || len(status.Pending) != 0 {
		t.Errorf("unexpected schema status: %+v", status)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestSessionRows(t *testing.T) {
	s, err := Open(MemoryPath, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	entered := time.Unix(1_700_000_000, 0)
	row := &SessionRow{
		EvaluationID: "eval-1",
		StudentID:    "stu-1",
		Name:         "Midterm",
		Phase:        "Active",
		EnteredAt:    entered,
		EndTime:      entered.Add(time.Hour),
	}
	if err := s.UpsertSession(ctx, row); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpdatePhase(ctx, "eval-1", "stu-1", "Submitted", entered.Add(time.Minute)); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	got, err := s.GetSession(ctx, "eval-1", "stu-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Phase != "Submitted" || got.Name != "Midterm" {
		t.Errorf("unexpected row: %+v", got)
	}
	if !got.EndTime.Equal(entered.Add(time.Hour)) {
		t.Errorf("end time = %v", got.EndTime)
	}

	if _, err := s.GetSession(ctx, "eval-2", "stu-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdatePhase(ctx, "eval-2", "stu-1", "Exited", entered); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions = %v, %v", list, err)
	}
}

func TestSubmissionCreatedOnce(t *testing.T) {
	s, err := Open(MemoryPath, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	sub := &Submission{ID: "sub-1", EvaluationID: "eval-1", StudentID: "stu-1", Answers: []byte(`{"q1":"a"}`)}
	if err := s.SaveSubmission(ctx, sub); err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}
	dup := &Submission{ID: "sub-2", EvaluationID: "eval-1", StudentID: "stu-1", Answers: []byte(`{}`)}
	if err := s.SaveSubmission(ctx, dup); !errors.Is(err, ErrSubmissionExists) {
		t.Fatalf("expected ErrSubmissionExists, got %v", err)
	}

	if err := s.RecordDeliveryAttempt(ctx, "sub-1", time.Now(), errors.New("timeout")); err != nil {
		t.Fatalf("RecordDeliveryAttempt: %v", err)
	}
	undelivered, err := s.ListUndelivered(ctx)
	if err != nil || len(undelivered) != 1 {
		t.Fatalf("ListUndelivered = %v, %v", undelivered, err)
	}
	if undelivered[0].LastError != "timeout" || undelivered[0].Attempts != 1 {
		t.Errorf("unexpected delivery state: %+v", undelivered[0])
	}

	if err := s.RecordDeliveryAttempt(ctx, "sub-1", time.Now(), nil); err != nil {
		t.Fatalf("RecordDeliveryAttempt: %v", err)
	}
	got, err := s.GetSubmission(ctx, "eval-1", "stu-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if !got.Delivered() || got.Attempts != 2 || got.LastError != "" {
		t.Errorf("unexpected submission: %+v", got)
	}
	if string(got.Answers) != `{"q1":"a"}` {
		t.Errorf("answers = %s", got.Answers)
	}
}

func TestEvidence(t *testing.T) {
	s, err := Open(MemoryPath, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i, reason := range []string{violation.EvidenceTabSwitch, violation.EvidenceWindowBlur} {
		e := Evidence{
			ArtifactRef:  fmt.Sprintf("ref-%d", i),
			EvaluationID: "eval-1",
			StudentID:    "stu-1",
			Reason:       reason,
			CapturedAt:   time.Unix(int64(1000+i), 0),
		}
		if err := s.RecordEvidence(ctx, e); err != nil {
			t.Fatalf("RecordEvidence: %v", err)
		}
	}
	list, err := s.ListEvidence(ctx, "eval-1", "stu-1")
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(list) != 2 || list[0].Reason != violation.EvidenceTabSwitch {
		t.Errorf("unexpected evidence: %+v", list)
	}
}

func TestOpenSecureRejectsShortKey(t *testing.T) {
	if _, err := OpenSecure(MemoryPath, []byte("short"), 0); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestAppendAndVerify(t *testing.T) {
	s := openTestSecure(t, MemoryPath)
	ctx := context.Background()

	kinds := []violation.Kind{violation.TabSwitch, "", violation.RightClick}
	for i, k := range kinds {
		if err := s.AppendRecord(ctx, sampleRecord(uint64(i+1), k)); err != nil {
			t.Fatalf("AppendRecord %d: %v", i, err)
		}
	}

	report, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() || report.Records != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	records, err := s.Records(ctx, "eval-1", "stu-1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Kind != violation.TabSwitch || !records[0].Violation {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].Activity != violation.Copy || records[1].Violation {
		t.Errorf("record 1 = %+v", records[1])
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.RecordCount != 3 || stats.Violations != 2 || !stats.IntegrityOK {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReopenVerifiesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := OpenSecure(path, testKey(), 1000)
	if err != nil {
		t.Fatalf("OpenSecure: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := s.AppendRecord(ctx, sampleRecord(uint64(i), violation.WindowBlur)); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	s.Close()

	s = openTestSecure(t, path)
	if !s.IntegrityOK() {
		t.Fatal("reopened journal should verify")
	}
	if err := s.AppendRecord(ctx, sampleRecord(6, violation.TabSwitch)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	report, err := s.Verify(ctx)
	if err != nil || !report.OK() || report.Records != 6 {
		t.Fatalf("verify after reopen: %+v, %v", report, err)
	}
}

func TestTamperedRecordDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := OpenSecure(path, testKey(), 1000)
	if err != nil {
		t.Fatalf("OpenSecure: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := s.AppendRecord(ctx, sampleRecord(uint64(i), violation.TabSwitch)); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE records SET detail = 'nothing happened' WHERE seq = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() || report.BrokenAt != 2 {
		t.Fatalf("tampering not detected: %+v", report)
	}
	if err := s.AppendRecord(ctx, sampleRecord(4, violation.TabSwitch)); !errors.Is(err, ErrIntegrity) {
		t.Errorf("append on tampered journal should fail, got %v", err)
	}
	s.Close()

	reopened, err := OpenSecure(path, testKey(), 1000)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity on reopen, got %v", err)
	}
	defer reopened.Close()
	if reopened.IntegrityOK() {
		t.Error("reopened tampered journal must not report integrity")
	}
}

func TestDeletedRecordDetected(t *testing.T) {
	s := openTestSecure(t, MemoryPath)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := s.AppendRecord(ctx, sampleRecord(uint64(i), violation.FullscreenExit)); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	if _, err := s.db.Exec(`DELETE FROM records WHERE seq = 3`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	report, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() {
		t.Fatal("truncated chain must not verify")
	}
}

func TestWrongKeyFailsVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := OpenSecure(path, testKey(), 1000)
	if err != nil {
		t.Fatalf("OpenSecure: %v", err)
	}
	if err := s.AppendRecord(context.Background(), sampleRecord(1, violation.TabSwitch)); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	s.Close()

	other := make([]byte, 32)
	reopened, err := OpenSecure(path, other, 1000)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong key, got %v", err)
	}
	reopened.Close()
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "journal.key")
	k1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d", len(k1))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}

	k2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(k1) != string(k2) {
		t.Error("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("not-hex"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Error("expected error for corrupt key file")
	}
}

func TestDeriveKey(t *testing.T) {
	master := testKey()
	a, err := DeriveKey(master, JournalKeyDomain)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, _ := DeriveKey(master, BridgeKeyDomain)
	again, _ := DeriveKey(master, JournalKeyDomain)

	if len(a) != 32 {
		t.Fatalf("derived length = %d", len(a))
	}
	if string(a) == string(b) {
		t.Error("different domains must derive different keys")
	}
	if string(a) != string(again) {
		t.Error("derivation must be deterministic")
	}
}
