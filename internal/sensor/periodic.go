package sensor

import (
	"context"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/violation"
)

// Fullscreen reports FULLSCREEN_EXIT from discrete events and from a
// periodic audit, and asks the display to re-enter fullscreen.
//
// One exit produces one violation: the pending flag is set when the exit is
// recorded and cleared only once fullscreen is observed again. A failed
// re-entry is logged, never recorded.
type Fullscreen struct {
	*base
	display  platform.Display
	interval time.Duration

	pmu     sync.Mutex
	pending bool
}

// NewFullscreen creates the fullscreen sensor auditing every interval.
func NewFullscreen(events *platform.Dispatcher, display platform.Display, interval time.Duration, logger *logging.Logger) *Fullscreen {
	return &Fullscreen{
		base:     newBase("fullscreen", events, logger),
		display:  display,
		interval: interval,
	}
}

func (s *Fullscreen) Arm(ctx context.Context, t Target) error {
	err := s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventFullscreen: func(e platform.Event) platform.Response {
			s.observe(ctx, t, e.Fullscreen)
			return platform.Response{}
		},
	})
	if err != nil {
		return err
	}
	if s.display == nil || s.interval <= 0 {
		return nil
	}
	if err := t.Timers().Every("fullscreen-audit", s.interval, false, s.Audit); err != nil {
		s.Disarm()
		return err
	}
	return nil
}

// Audit polls the display once. It is the safety net for exits that never
// produced an event.
func (s *Fullscreen) Audit(ctx context.Context) {
	t := s.current()
	if t == nil {
		return
	}
	fs, err := s.display.IsFullscreen(ctx)
	if err != nil {
		s.logger.Warn("fullscreen audit failed", "error", err)
		return
	}
	s.observe(ctx, t, fs)
}

// Pending reports whether an exit was recorded and fullscreen has not been
// observed since.
func (s *Fullscreen) Pending() bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.pending
}

func (s *Fullscreen) observe(ctx context.Context, t Target, fullscreen bool) {
	s.pmu.Lock()
	if fullscreen {
		s.pending = false
		s.pmu.Unlock()
		return
	}
	record := !s.pending
	s.pending = true
	s.pmu.Unlock()

	if record {
		t.RecordViolation(violation.FullscreenExit, violation.DetailFullscreenExit)
	}
	if s.display == nil || !s.Armed() {
		return
	}
	if err := s.display.RequestFullscreen(ctx); err != nil {
		s.logger.Warn("fullscreen re-entry failed", "error", err)
	}
}

// Location samples the position immediately and then every interval.
// Failures and timeouts are warnings only.
type Location struct {
	*base
	locator  platform.Locator
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	fmu      sync.Mutex
	failures int
}

// NewLocation creates the location sensor. Samples without a capture time
// are stamped from clk, or the wall clock when clk is nil.
func NewLocation(locator platform.Locator, clk clock.Clock, interval, timeout time.Duration, logger *logging.Logger) *Location {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Location{
		base:     newBase("location", nil, logger),
		locator:  locator,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
	}
}

func (s *Location) Arm(_ context.Context, t Target) error {
	if err := s.arm(t, nil); err != nil {
		return err
	}
	if s.locator == nil || s.interval <= 0 {
		return nil
	}
	if err := t.Timers().Every("location", s.interval, true, s.Sample); err != nil {
		s.Disarm()
		return err
	}
	return nil
}

// Sample performs one bounded location attempt.
func (s *Location) Sample(ctx context.Context) {
	t := s.current()
	if t == nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	loc, err := s.locator.Locate(ctx)
	if err != nil {
		s.fmu.Lock()
		s.failures++
		s.fmu.Unlock()
		s.logger.Warn("location unavailable", "error", err)
		return
	}
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = s.clock.Now()
	}
	if !s.Armed() {
		return
	}
	t.ReportLocation(loc)
}

// Failures is the number of failed samples.
func (s *Location) Failures() int {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.failures
}
