// Package session implements the evaluation attempt state machine.
//
// A Session starts in Preview. Enter validates the private key through the
// gate and moves to Active, which records EVALUATION_STARTED, arms the
// sensors and starts the 1 Hz tick. The first of Submit, Exit or expiry
// moves the attempt to its terminal phase. Every other transition attempt
// then observes a terminal phase and returns ErrAlreadyTerminal without
// side effects.
//
// The phase is guarded by one mutex and only this package changes it.
// Sensors and timers call back into the session, and every call checks the
// phase first. Remote reporting is detached: the local log is written
// before the reporter is handed the record, and a failed report never
// changes the session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/backend"
	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/sensor"
	"proctord/internal/store"
	"proctord/internal/violation"
)

// Gatekeeper checks entry and exit secrets. *gate.Gate satisfies it.
type Gatekeeper interface {
	Enter(ctx context.Context, info *backend.SessionInfo, studentID, privateKey string) error
	Exit(ctx context.Context, evaluationID, studentID, exitPassword string) error
}

// Submitter delivers the terminal submission. *backend.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Ack, error)
}

// Reporter forwards telemetry without blocking. *reporter.Reporter
// satisfies it.
type Reporter interface {
	Record(rec violation.Record)
	Location(evaluationID, studentID string, loc platform.Location)
	Evidence(evaluationID, studentID, reason, artifactRef string, at time.Time)
	Flush(ctx context.Context) error
}

// Journal persists the attempt. *store.SecureStore satisfies it.
type Journal interface {
	violation.Journal
	UpsertSession(ctx context.Context, r *store.SessionRow) error
	UpdatePhase(ctx context.Context, evaluationID, studentID, phase string, at time.Time) error
	SaveSubmission(ctx context.Context, sub *store.Submission) error
	RecordDeliveryAttempt(ctx context.Context, id string, at time.Time, deliveryErr error) error
	RecordEvidence(ctx context.Context, e store.Evidence) error
}

// Policy holds the rules snapshotted when the session is created.
type Policy struct {
	AutoSubmitOnExpiry bool
	DisallowedURLFatal bool
	Thresholds         clock.Thresholds
	Tick               time.Duration

	// SubmitTimeout bounds delivery of an automatic submission.
	SubmitTimeout time.Duration
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		AutoSubmitOnExpiry: true,
		Thresholds:         clock.DefaultThresholds(),
		Tick:               time.Second,
		SubmitTimeout:      15 * time.Second,
	}
}

// Config configures a Session.
type Config struct {
	Info      *backend.SessionInfo
	StudentID string

	Gate      Gatekeeper
	Submitter Submitter
	Reporter  Reporter
	Journal   Journal

	Env     platform.Environment
	Sensors *sensor.Set
	Policy  Policy

	Clock  clock.Clock
	Runner clock.Runner
	Logger *logging.Logger
}

// Session is one student's attempt at one evaluation.
type Session struct {
	info      backend.SessionInfo
	studentID string
	allowed   []string

	gate      Gatekeeper
	submitter Submitter
	reporter  Reporter
	journal   Journal
	env       platform.Environment
	sensors   *sensor.Set
	policy    Policy
	clock     clock.Clock
	runner    clock.Runner
	logger    *logging.Logger
	log       *violation.Log

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu        sync.Mutex
	phase     Phase
	enteredAt time.Time
	endTime   time.Time
	endReason string
	timers    *clock.Group
	answers   json.RawMessage

	deliverMu  sync.Mutex
	submission *backend.SubmitRequest
	submitID   string
	delivered  bool

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates a session in Preview.
func New(cfg Config) (*Session, error) {
	if cfg.Info == nil {
		return nil, errors.New("session: evaluation info is required")
	}
	if cfg.StudentID == "" {
		return nil, errors.New("session: student id is required")
	}
	if cfg.Gate == nil || cfg.Submitter == nil {
		return nil, errors.New("session: gate and submitter are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Policy.Tick <= 0 {
		cfg.Policy.Tick = time.Second
	}
	if cfg.Policy.SubmitTimeout <= 0 {
		cfg.Policy.SubmitTimeout = 15 * time.Second
	}
	if cfg.Policy.Thresholds == (clock.Thresholds{}) {
		cfg.Policy.Thresholds = clock.DefaultThresholds()
	}
	if cfg.Sensors == nil {
		cfg.Sensors = sensor.NewSet(sensor.SetConfig{Env: cfg.Env, Clock: cfg.Clock, Logger: cfg.Logger})
	}

	logger := cfg.Logger.WithComponent("session").With(
		"evaluation_id", cfg.Info.EvaluationID,
		"student_id", cfg.StudentID,
	)

	var journal violation.Journal
	if cfg.Journal != nil {
		journal = cfg.Journal
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:      *cfg.Info,
		studentID: cfg.StudentID,
		allowed:   append([]string(nil), cfg.Info.AllowedURLs...),
		gate:      cfg.Gate,
		submitter: cfg.Submitter,
		reporter:  cfg.Reporter,
		journal:   cfg.Journal,
		env:       cfg.Env,
		sensors:   cfg.Sensors,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
		runner:    cfg.Runner,
		logger:    logger,
		log: violation.NewLog(violation.LogConfig{
			EvaluationID: cfg.Info.EvaluationID,
			StudentID:    cfg.StudentID,
			Clock:        cfg.Clock,
			Journal:      journal,
			Logger:       cfg.Logger,
		}),
		ctx:    ctx,
		cancel: cancel,
		phase:  Preview,
		subs:   make(map[int]chan Event),
	}
	return s, nil
}

// EvaluationID returns the evaluation identity.
func (s *Session) EvaluationID() string { return s.info.EvaluationID }

// StudentID returns the student identity.
func (s *Session) StudentID() string { return s.studentID }

// Info returns a copy of the evaluation metadata.
func (s *Session) Info() backend.SessionInfo {
	info := s.info
	info.AllowedURLs = append([]string(nil), s.allowed...)
	return info
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Log returns the session's violation log.
func (s *Session) Log() *violation.Log { return s.log }

// Timers returns the timer group of the active attempt.
func (s *Session) Timers() *clock.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers
}

// Enter validates privateKey and starts the attempt. On failure the session
// stays in Preview and the gate error is returned unchanged.
func (s *Session) Enter(ctx context.Context, privateKey string) error {
	if err := s.checkPhase(Preview); err != nil {
		return err
	}

	if err := s.gate.Enter(ctx, &s.info, s.studentID, privateKey); err != nil {
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.phase != Preview {
		s.mu.Unlock()
		return ErrAlreadyEntered
	}
	s.phase = Active
	s.enteredAt = now
	s.endTime = clock.EndTime(now, s.info.DurationMinutes, s.info.EndTime.Time)
	s.timers = clock.NewGroup(s.ctx, s.runner)
	timers := s.timers
	endTime := s.endTime
	s.mu.Unlock()

	s.logger.Info("evaluation entered", "end_time", endTime)
	s.persist(func(ctx context.Context) error {
		return s.journal.UpsertSession(ctx, &store.SessionRow{
			EvaluationID: s.info.EvaluationID,
			StudentID:    s.studentID,
			Name:         s.info.Name,
			Phase:        Active.String(),
			EnteredAt:    now,
			EndTime:      endTime,
			UpdatedAt:    now,
		})
	})

	s.RecordActivity(violation.EvaluationStarted, violation.DetailEvaluationStarted)

	if s.env.Display != nil {
		if err := s.env.Display.RequestFullscreen(ctx); err != nil {
			s.logger.Warn("fullscreen request failed", "error", err)
		}
	}
	if err := s.sensors.Arm(s.ctx, s); err != nil {
		s.logger.Error("arm sensors", "error", err)
	}

	// A terminal transition may have run while the sensors were being
	// armed. finish sets the phase before it disarms, so either it disarms
	// after this check or the phase is already terminal here.
	s.mu.Lock()
	ended := s.phase != Active
	s.mu.Unlock()
	if ended {
		s.sensors.Disarm()
		return ErrAlreadyTerminal
	}

	if err := timers.Every("tick", s.policy.Tick, false, func(context.Context) {
		s.Tick(s.clock.Now())
	}); err != nil {
		s.logger.Error("start clock", "error", err)
	}

	s.publish(Event{Type: EventPhase, Phase: Active, At: now})
	return nil
}

// Tick recomputes the remaining time from the fixed end time. At or past
// the end it triggers expiry exactly once; later ticks are no-ops.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.phase != Active {
		s.mu.Unlock()
		return
	}
	end := s.endTime
	s.mu.Unlock()

	remaining := clock.Remaining(end, now)
	s.publish(Event{
		Type:             EventTick,
		Phase:            Active,
		RemainingSeconds: clock.RemainingSeconds(end, now),
		Urgency:          s.policy.Thresholds.Classify(remaining),
		At:               now,
	})

	if clock.Expired(end, now) {
		s.expire()
	}
}

func (s *Session) expire() {
	if !s.policy.AutoSubmitOnExpiry {
		if s.finish(Expired, "expired") {
			s.logger.Info("evaluation expired")
		}
		return
	}
	s.autoSubmit("expired")
}

// autoSubmit submits the buffered answers. Delivery failures are logged;
// the submission stays available to ResendSubmission.
func (s *Session) autoSubmit(reason string) {
	if !s.finish(Submitted, reason) {
		return
	}
	s.logger.Info("auto-submitting", "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), s.policy.SubmitTimeout)
	defer cancel()
	if _, err := s.deliver(ctx); err != nil {
		s.logger.Warn("auto-submission not delivered", "error", err)
	}
}

// Submit ends the attempt and delivers the submission. A nil answers
// payload submits the buffered answers. Only the first terminal transition
// submits; later calls return ErrAlreadyTerminal.
func (s *Session) Submit(ctx context.Context, answers json.RawMessage) (*backend.Ack, error) {
	if answers != nil {
		if err := s.SetAnswers(answers); err != nil {
			return nil, err
		}
	}
	if err := s.checkPhase(Active); err != nil {
		return nil, err
	}
	if !s.finish(Submitted, "submitted") {
		return nil, ErrAlreadyTerminal
	}
	return s.deliver(ctx)
}

// Exit validates the exit password and ends the attempt without a
// submission. A refused password leaves the attempt untouched.
func (s *Session) Exit(ctx context.Context, exitPassword string) error {
	if err := s.checkPhase(Active); err != nil {
		return err
	}
	if err := s.gate.Exit(ctx, s.info.EvaluationID, s.studentID, exitPassword); err != nil {
		return err
	}
	if !s.finish(Exited, "exited") {
		return ErrAlreadyTerminal
	}
	s.logger.Info("evaluation exited")
	return nil
}

// finish performs the single transition out of Active. It returns false
// when another transition already happened.
func (s *Session) finish(to Phase, reason string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	if s.phase != Active {
		s.mu.Unlock()
		return false
	}
	s.phase = to
	s.endReason = reason
	timers := s.timers
	if to == Submitted {
		s.submitID = uuid.NewString()
		answers := s.answers
		if len(answers) == 0 {
			answers = json.RawMessage("{}")
		}
		s.submission = &backend.SubmitRequest{
			EvaluationID: s.info.EvaluationID,
			StudentID:    s.studentID,
			Score:        0,
			Answers:      answers,
		}
	}
	submission, submitID := s.submission, s.submitID
	s.mu.Unlock()

	s.sensors.Disarm()
	if timers != nil {
		timers.Stop()
	}

	// Sensors are disarmed first so leaving fullscreen is not a violation.
	if s.env.Display != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.env.Display.ExitFullscreen(ctx); err != nil {
			s.logger.Warn("exit fullscreen failed", "error", err)
		}
		cancel()
	}

	s.persist(func(ctx context.Context) error {
		return s.journal.UpdatePhase(ctx, s.info.EvaluationID, s.studentID, to.String(), now)
	})
	if submission != nil && to == Submitted {
		s.persist(func(ctx context.Context) error {
			err := s.journal.SaveSubmission(ctx, &store.Submission{
				ID:           submitID,
				EvaluationID: submission.EvaluationID,
				StudentID:    submission.StudentID,
				Answers:      submission.Answers,
				CreatedAt:    now,
			})
			if errors.Is(err, store.ErrSubmissionExists) {
				s.logger.Warn("submission already journaled for this attempt")
				return nil
			}
			return err
		})
	}

	s.flushReports()
	s.publish(Event{Type: EventPhase, Phase: to, Reason: reason, At: now})
	return true
}

// deliver sends the constructed submission. It never builds a new one.
func (s *Session) deliver(ctx context.Context) (*backend.Ack, error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	req, id := s.submission, s.submitID
	s.mu.Unlock()
	if req == nil {
		return nil, ErrNothingToResend
	}

	ack, err := s.submitter.Submit(ctx, *req)
	s.persist(func(pctx context.Context) error {
		return s.journal.RecordDeliveryAttempt(pctx, id, s.clock.Now(), err)
	})
	if err != nil {
		return nil, &SubmitError{SubmissionID: id, Err: err}
	}

	s.mu.Lock()
	s.delivered = true
	s.mu.Unlock()
	s.logger.Info("submission delivered", "submission_id", id)
	return ack, nil
}

// ResendSubmission retries delivery of an undelivered submission.
func (s *Session) ResendSubmission(ctx context.Context) (*backend.Ack, error) {
	s.mu.Lock()
	ok := s.phase == Submitted && s.submission != nil && !s.delivered
	s.mu.Unlock()
	if !ok {
		return nil, ErrNothingToResend
	}
	return s.deliver(ctx)
}

// RecordViolation appends a violation and forwards it. It never blocks on
// the network and ignores calls outside Active.
func (s *Session) RecordViolation(kind violation.Kind, detail string) {
	s.mu.Lock()
	if s.phase != Active {
		s.mu.Unlock()
		return
	}
	rec := s.log.AppendViolation(kind, detail)
	s.mu.Unlock()

	s.logger.Info("violation", "kind", kind, "detail", detail, "seq", rec.Seq)
	s.forward(rec)
}

// RecordActivity appends an activity and forwards it.
func (s *Session) RecordActivity(activity violation.ActivityType, detail string) {
	s.mu.Lock()
	if s.phase != Active {
		s.mu.Unlock()
		return
	}
	rec := s.log.AppendActivity(activity, detail)
	s.mu.Unlock()

	s.forward(rec)
}

func (s *Session) forward(rec violation.Record) {
	if s.reporter != nil {
		s.reporter.Record(rec)
	}
	r := rec
	s.publish(Event{Type: EventRecord, Phase: Active, Record: &r, At: rec.Timestamp})
}

// CaptureEvidence starts a detached capture and notifies the backend with
// the resulting artifact reference.
func (s *Session) CaptureEvidence(reason string) {
	if s.Phase() != Active {
		return
	}
	if s.env.Capturer == nil {
		s.logger.Debug("no evidence capturer", "reason", reason)
		return
	}
	s.goTask("capture-evidence", func() {
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()

		ref, err := s.env.Capturer.Capture(ctx, reason)
		if err != nil {
			s.logger.Warn("evidence capture failed", "reason", reason, "error", err)
			return
		}
		at := s.clock.Now()
		s.persist(func(pctx context.Context) error {
			return s.journal.RecordEvidence(pctx, store.Evidence{
				ArtifactRef:  ref,
				EvaluationID: s.info.EvaluationID,
				StudentID:    s.studentID,
				Reason:       reason,
				CapturedAt:   at,
			})
		})
		if s.reporter != nil {
			s.reporter.Evidence(s.info.EvaluationID, s.studentID, reason, ref, at)
		}
	})
}

// ReportLocation forwards a location sample while Active.
func (s *Session) ReportLocation(loc platform.Location) {
	if s.Phase() != Active || s.reporter == nil {
		return
	}
	s.reporter.Location(s.info.EvaluationID, s.studentID, loc)
}

// Allowed reports whether url is on the allow-list.
func (s *Session) Allowed(url string) bool {
	url = strings.TrimSpace(url)
	for _, a := range s.allowed {
		if a == url {
			return true
		}
	}
	return false
}

// OpenResource opens an allow-listed resource. A URL outside the list is
// refused with a DISALLOWED_URL violation and no URL_ACCESS activity.
func (s *Session) OpenResource(ctx context.Context, url string) error {
	if err := s.checkPhase(Active); err != nil {
		return err
	}
	url = strings.TrimSpace(url)
	if !s.Allowed(url) {
		s.RecordViolation(violation.DisallowedURL, violation.DisallowedURLDetail(url))
		if s.policy.DisallowedURLFatal {
			s.autoSubmit("disallowed_url")
		}
		return ErrDisallowedURL
	}

	s.RecordActivity(violation.URLAccess, url)
	if s.env.Opener != nil {
		if err := s.env.Opener.Open(ctx, url); err != nil {
			s.logger.Warn("open resource failed", "url", url, "error", err)
			return err
		}
	}
	return nil
}

// SetAnswers replaces the buffered answers payload.
func (s *Session) SetAnswers(answers json.RawMessage) error {
	if !json.Valid(answers) {
		return ErrInvalidAnswers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Active {
		return s.phaseErrLocked()
	}
	s.answers = append(json.RawMessage(nil), answers...)
	return nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	snap := Snapshot{
		EvaluationID: s.info.EvaluationID,
		StudentID:    s.studentID,
		Name:         s.info.Name,
		Phase:        s.phase,
		EnteredAt:    s.enteredAt,
		EndTime:      s.endTime,
		AllowedURLs:  append([]string(nil), s.allowed...),
		SubmissionID: s.submitID,
		Delivered:    s.delivered,
		EndReason:    s.endReason,
	}
	s.mu.Unlock()

	if snap.Phase == Active {
		snap.RemainingSeconds = clock.RemainingSeconds(snap.EndTime, now)
		snap.Urgency = s.policy.Thresholds.Classify(clock.Remaining(snap.EndTime, now))
	}
	snap.Remaining = clock.Format(snap.RemainingSeconds)
	snap.Violations = s.log.ViolationCount()
	snap.Activities = s.log.Len() - snap.Violations
	return snap
}

// Subscribe returns a feed of session events and a function that ends the
// subscription. Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs == nil {
		close(ch)
	} else {
		s.subs[id] = ch
	}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Session) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close releases the session without changing its phase: sensors are
// disarmed, timers stopped, detached tasks awaited and subscriptions ended.
func (s *Session) Close() {
	s.sensors.Disarm()
	s.mu.Lock()
	timers := s.timers
	s.mu.Unlock()
	if timers != nil {
		timers.Stop()
	}
	s.cancel()
	if timers != nil {
		timers.Wait()
	}
	s.tasks.Wait()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
	s.subMu.Unlock()
}

// Wait blocks until detached tasks such as evidence capture have finished.
func (s *Session) Wait() {
	s.tasks.Wait()
}

func (s *Session) checkPhase(want Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == want {
		return nil
	}
	return s.phaseErrLocked()
}

func (s *Session) phaseErrLocked() error {
	switch {
	case s.phase.Terminal():
		return ErrAlreadyTerminal
	case s.phase == Active:
		return ErrAlreadyEntered
	default:
		return ErrNotActive
	}
}

func (s *Session) persist(fn func(ctx context.Context) error) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}

func (s *Session) flushReports() {
	if s.reporter == nil {
		return
	}
	s.goTask("flush-reports", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.reporter.Flush(ctx); err != nil {
			s.logger.Warn("reports still pending after flush", "error", err)
		}
	})
}

func (s *Session) goTask(name string, fn func()) {
	s.tasks.Add(1)
	run := func() {
		defer s.tasks.Done()
		fn()
	}
	if s.runner != nil {
		s.runner.Go(name, run)
		return
	}
	go run()
}
