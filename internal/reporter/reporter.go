// Package reporter forwards session telemetry to remote sinks.
//
// Every report is a detached task: it runs on its own goroutine with a
// bounded timeout, a failure is logged and counted, and nothing is retried.
// The local violation log stays authoritative; remote visibility is best
// effort and the caller never waits.
package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/violation"
)

// Kind is the type of a report.
type Kind string

const (
	KindRecord   Kind = "record"
	KindLocation Kind = "location"
	KindEvidence Kind = "evidence"
)

// Report is one unit of telemetry. Exactly one of Record, Location or
// Reason is meaningful, according to Kind.
type Report struct {
	Kind         Kind               `json:"kind"`
	EvaluationID string             `json:"evaluation_id"`
	StudentID    string             `json:"student_id"`
	Record       *violation.Record  `json:"record,omitempty"`
	Location     *platform.Location `json:"location,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	ArtifactRef  string             `json:"artifact_ref,omitempty"`
	At           time.Time          `json:"at"`
}

// Sink delivers reports to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, r Report) error
	Close() error
}

// Runner starts a named detached goroutine. logging.CrashHandler satisfies it.
type Runner interface {
	Go(task string, fn func())
}

type goRunner struct{}

func (goRunner) Go(_ string, fn func()) { go fn() }

// Config configures a Reporter.
type Config struct {
	Sinks   []Sink
	Timeout time.Duration
	Runner  Runner
	Logger  *logging.Logger

	// OnResult is called after every delivery attempt.
	OnResult func(sink string, kind Kind, err error)
}

// Reporter fans reports out to its sinks.
type Reporter struct {
	sinks    []Sink
	timeout  time.Duration
	runner   Runner
	logger   *logging.Logger
	onResult func(string, Kind, error)

	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
	closed atomic.Bool
}

// New creates a Reporter.
func New(cfg Config) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = goRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Reporter{
		sinks:    cfg.Sinks,
		timeout:  cfg.Timeout,
		runner:   cfg.Runner,
		logger:   cfg.Logger.WithComponent("reporter"),
		onResult: cfg.OnResult,
	}
}

// Record forwards a violation or activity record.
func (r *Reporter) Record(rec violation.Record) {
	r.Submit(Report{
		Kind:         KindRecord,
		EvaluationID: rec.EvaluationID,
		StudentID:    rec.StudentID,
		Record:       &rec,
		At:           rec.Timestamp,
	})
}

// Location forwards a location sample.
func (r *Reporter) Location(evaluationID, studentID string, loc platform.Location) {
	r.Submit(Report{
		Kind:         KindLocation,
		EvaluationID: evaluationID,
		StudentID:    studentID,
		Location:     &loc,
		At:           loc.CapturedAt,
	})
}

// Evidence notifies that evidence was captured.
func (r *Reporter) Evidence(evaluationID, studentID, reason, artifactRef string, at time.Time) {
	r.Submit(Report{
		Kind:         KindEvidence,
		EvaluationID: evaluationID,
		StudentID:    studentID,
		Reason:       reason,
		ArtifactRef:  artifactRef,
		At:           at,
	})
}

// Submit hands a report to every sink without waiting.
func (r *Reporter) Submit(rep Report) {
	if r.closed.Load() {
		return
	}
	for _, sink := range r.sinks {
		sink := sink
		r.wg.Add(1)
		r.runner.Go("report-"+sink.Name(), func() {
			defer r.wg.Done()
			r.deliver(sink, rep)
		})
	}
}

func (r *Reporter) deliver(sink Sink, rep Report) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := sink.Send(ctx, rep)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("report dropped",
			"sink", sink.Name(),
			"kind", rep.Kind,
			"evaluation_id", rep.EvaluationID,
			"error", err,
		)
	} else {
		r.sent.Add(1)
	}
	if r.onResult != nil {
		r.onResult(sink.Name(), rep.Kind, err)
	}
}

// Wait blocks until every report submitted so far has been attempted.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Flush is Wait bounded by ctx.
func (r *Reporter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of delivered and failed attempts.
func (r *Reporter) Stats() (sent, failed int64) {
	return r.sent.Load(), r.failed.Load()
}

// Close stops accepting reports, flushes pending ones within ctx and closes
// the sinks.
func (r *Reporter) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := r.Flush(ctx)
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.Warn("close sink", "sink", sink.Name(), "error", err)
		}
	}
	return flushErr
}
