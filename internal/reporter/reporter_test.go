package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/backend"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/violation"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	err     error
	block   chan struct{}
	closed  atomic.Bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, r Report) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSink) got() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

func sampleRecord() violation.Record {
	return violation.Record{
		ID:           "rec-1",
		Seq:          1,
		EvaluationID: "eval-1",
		StudentID:    "stu-1",
		Violation:    true,
		Kind:         violation.TabSwitch,
		Detail:       violation.DetailTabSwitch,
		Timestamp:    time.UnixMilli(1767265200123),
	}
}

func TestReporterDeliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	r := New(Config{Sinks: []Sink{a, b}, Logger: logging.Discard()})

	r.Record(sampleRecord())
	r.Location("eval-1", "stu-1", platform.Location{Latitude: 1, Longitude: 2})
	r.Wait()

	assert.Len(t, a.got(), 2)
	assert.Len(t, b.got(), 2)
	sent, failed := r.Stats()
	assert.Equal(t, int64(4), sent)
	assert.Equal(t, int64(0), failed)
}

func TestReporterFailureIsSwallowed(t *testing.T) {
	failing := &recordingSink{err: errors.New("connection refused")}
	var results []error
	var mu sync.Mutex
	r := New(Config{
		Sinks:  []Sink{failing},
		Logger: logging.Discard(),
		OnResult: func(_ string, _ Kind, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})

	r.Record(sampleRecord())
	r.Wait()

	_, failed := r.Stats()
	assert.Equal(t, int64(1), failed)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Error(t, results[0])
}

func TestReporterDoesNotBlockCaller(t *testing.T) {
	slow := &recordingSink{block: make(chan struct{})}
	r := New(Config{Sinks: []Sink{slow}, Logger: logging.Discard(), Timeout: time.Minute})

	done := make(chan struct{})
	go func() {
		r.Record(sampleRecord())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a slow sink")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)

	close(slow.block)
	r.Wait()
	assert.Len(t, slow.got(), 1)
}

func TestReporterTimeout(t *testing.T) {
	hung := &recordingSink{block: make(chan struct{})}
	r := New(Config{Sinks: []Sink{hung}, Logger: logging.Discard(), Timeout: 10 * time.Millisecond})
	r.Record(sampleRecord())
	r.Wait()

	_, failed := r.Stats()
	assert.Equal(t, int64(1), failed)
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }
func (panicSink) Send(context.Context, Report) error { panic("sink exploded") }
func (panicSink) Close() error { return nil }

func TestReporterRecoversPanickingSink(t *testing.T) {
	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{Logger: logging.Discard()})
	r := New(Config{Sinks: []Sink{panicSink{}}, Runner: crash, Logger: logging.Discard()})

	r.Record(sampleRecord())
	r.Wait()
	assert.Equal(t, 1, crash.Count())
}

func TestReporterClose(t *testing.T) {
	s := &recordingSink{}
	r := New(Config{Sinks: []Sink{s}, Logger: logging.Discard()})
	r.Record(sampleRecord())
	require.NoError(t, r.Close(context.Background()))
	assert.True(t, s.closed.Load())

	r.Record(sampleRecord())
	r.Wait()
	assert.Len(t, s.got(), 1, "reports after Close are dropped")
}

type fakeBackend struct {
	mu         sync.Mutex
	activities []backend.ActivityRequest
	locations  []backend.LocationRequest
	notices    []backend.NotifyRequest
}

func (f *fakeBackend) LogActivity(_ context.Context, req backend.ActivityRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, req)
	return nil
}

func (f *fakeBackend) RecordLocation(_ context.Context, req backend.LocationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, req)
	return nil
}

func (f *fakeBackend) NotifyViolation(_ context.Context, req backend.NotifyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, req)
	return nil
}

func TestBackendSinkMapping(t *testing.T) {
	api := &fakeBackend{}
	sink := NewBackendSink(api)
	ctx := context.Background()

	rec := sampleRecord()
	require.NoError(t, sink.Send(ctx, Report{Kind: KindRecord, EvaluationID: "eval-1", StudentID: "stu-1", Record: &rec}))

	act := violation.Record{Activity: violation.Paste, Detail: violation.DetailClipboard, Timestamp: time.Now()}
	require.NoError(t, sink.Send(ctx, Report{Kind: KindRecord, EvaluationID: "eval-1", StudentID: "stu-1", Record: &act}))

	require.NoError(t, sink.Send(ctx, Report{Kind: KindLocation, EvaluationID: "eval-1", StudentID: "stu-1", Location: &platform.Location{Latitude: 3, Longitude: 4}}))
	at := time.UnixMilli(1767265200999)
	require.NoError(t, sink.Send(ctx, Report{Kind: KindEvidence, EvaluationID: "eval-1", StudentID: "stu-1", Reason: violation.EvidenceTabSwitch, At: at}))
	assert.Error(t, sink.Send(ctx, Report{Kind: "bogus"}))

	require.Len(t, api.activities, 2)
	v := api.activities[0]
	assert.Equal(t, "VIOLATION", v.ActivityType)
	assert.Equal(t, violation.DetailTabSwitch, v.URL)
	assert.True(t, v.IsViolation)
	assert.Equal(t, "TAB_SWITCH", v.ViolationKind)
	assert.Equal(t, int64(1767265200123), v.Timestamp)

	a := api.activities[1]
	assert.Equal(t, "PASTE", a.ActivityType)
	assert.False(t, a.IsViolation)
	assert.Empty(t, a.ViolationKind)

	require.Len(t, api.locations, 1)
	assert.Equal(t, 3.0, api.locations[0].Latitude)
	require.Len(t, api.notices, 1)
	assert.Equal(t, int64(1767265200999), api.notices[0].Timestamp)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, "proctoring.activity")
	rec := sampleRecord()

	require.NoError(t, sink.Send(context.Background(), Report{Kind: KindRecord, EvaluationID: "eval-1", Record: &rec, At: rec.Timestamp}))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "eval-1", string(msg.Key))
	assert.Equal(t, "record", string(msg.Headers[0].Value))

	var decoded Report
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, violation.TabSwitch, decoded.Record.Kind)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}
