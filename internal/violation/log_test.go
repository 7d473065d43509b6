package violation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
	"proctord/internal/logging"
)

type memJournal struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (j *memJournal) AppendRecord(_ context.Context, r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, r)
	return nil
}

func newTestLog(t *testing.T, c clock.Clock, j Journal) *Log {
	t.Helper()
	return NewLog(LogConfig{
		EvaluationID: "eval-1",
		StudentID:    "stu-1",
		Clock:        c,
		Journal:      j,
		Logger:       logging.Discard(),
	})
}

func TestAppendPreservesOrder(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	log := newTestLog(t, fake, nil)

	kinds := []Kind{TabSwitch, WindowBlur, TabSwitch, RightClick, BlockedShortcut}
	for i, k := range kinds {
		fake.Advance(time.Second)
		log.AppendViolation(k, fmt.Sprintf("detail %d", i))
	}

	got := log.Violations()
	require.Len(t, got, len(kinds))
	for i, r := range got {
		assert.Equal(t, kinds[i], r.Kind)
		assert.Equal(t, fmt.Sprintf("detail %d", i), r.Detail)
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.True(t, r.Violation)
		assert.Equal(t, "eval-1", r.EvaluationID)
		assert.NotEmpty(t, r.ID)
	}
	assert.Equal(t, len(kinds), log.ViolationCount())
}

func TestViolationsAndActivitiesAreSeparate(t *testing.T) {
	log := newTestLog(t, nil, nil)
	log.AppendActivity(EvaluationStarted, DetailEvaluationStarted)
	log.AppendViolation(TabSwitch, DetailTabSwitch)
	log.AppendActivity(Copy, DetailClipboard)

	assert.Equal(t, 1, log.ViolationCount())
	assert.Len(t, log.Activities(), 2)
	assert.Equal(t, 3, log.Len())

	all := log.All()
	require.Len(t, all, 3)
	assert.Equal(t, "EVALUATION_STARTED", all[0].Type())
	assert.Equal(t, "VIOLATION", all[1].Type())
	assert.Equal(t, "COPY", all[2].Type())
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	fake := clock.NewFake(t0)
	log := newTestLog(t, fake, nil)

	first := log.AppendViolation(TabSwitch, DetailTabSwitch)
	fake.Set(t0.Add(-time.Hour))
	second := log.AppendViolation(WindowBlur, DetailWindowBlur)

	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Greater(t, second.Seq, first.Seq)
}

func TestJournalMirror(t *testing.T) {
	j := &memJournal{}
	log := newTestLog(t, nil, j)
	log.AppendViolation(RightClick, DetailRightClick)
	log.AppendActivity(Paste, DetailClipboard)

	require.Len(t, j.records, 2)
	assert.Equal(t, RightClick, j.records[0].Kind)
	assert.Equal(t, Paste, j.records[1].Activity)
}

func TestJournalFailureKeepsLocalRecord(t *testing.T) {
	j := &memJournal{err: errors.New("disk full")}
	log := newTestLog(t, nil, j)
	log.AppendViolation(TabSwitch, DetailTabSwitch)

	assert.Equal(t, 1, log.ViolationCount())
}

func TestConcurrentAppend(t *testing.T) {
	log := newTestLog(t, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.AppendViolation(WindowBlur, DetailWindowBlur)
		}()
	}
	wg.Wait()

	got := log.Violations()
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	assert.Equal(t, 50, log.CountByKind()[WindowBlur])
}

func TestDetails(t *testing.T) {
	assert.Equal(t, "Attempted to use blocked key: F12", BlockedKeyDetail("F12"))
	assert.Equal(t, "Attempted keyboard shortcut: r", ShortcutDetail("r"))
	assert.Equal(t, "Attempted to access non-whitelisted URL: https://x.test", DisallowedURLDetail("https://x.test"))
	assert.True(t, DisallowedURL.Valid())
	assert.False(t, Kind("SCREENSHOT").Valid())
}
