// Package sensor turns raw platform signals into integrity records.
//
// Each sensor is armed against a Target (the running session) when the
// attempt becomes active and disarmed on any terminal transition. Disarming
// removes every dispatcher subscription, and the periodic sensors schedule
// their work on the Target's timer group, which the session stops. A signal
// that arrives after Disarm is ignored.
//
// Sensors never change session phase. They only report through Target.
package sensor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/violation"
)

// ErrArmed is returned when arming a sensor that is already armed.
var ErrArmed = errors.New("sensor: already armed")

// Target receives what sensors observe.
type Target interface {
	RecordViolation(kind violation.Kind, detail string)
	RecordActivity(activity violation.ActivityType, detail string)

	// CaptureEvidence starts a detached evidence capture for reason.
	CaptureEvidence(reason string)

	// ReportLocation forwards a location sample.
	ReportLocation(loc platform.Location)

	// Timers is the group periodic sensors schedule on.
	Timers() *clock.Group
}

// Sensor is one independently armable observer.
type Sensor interface {
	Name() string
	Arm(ctx context.Context, t Target) error
	Disarm()
	Armed() bool
}

// base holds the lifecycle shared by all sensors.
type base struct {
	name   string
	events *platform.Dispatcher
	logger *logging.Logger

	mu     sync.Mutex
	target Target
	unsubs []func()
	armed  atomic.Bool
}

func newBase(name string, events *platform.Dispatcher, logger *logging.Logger) *base {
	if logger == nil {
		logger = logging.Default()
	}
	return &base{
		name:   name,
		events: events,
		logger: logger.WithComponent("sensor").With("sensor", name),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Armed() bool { return b.armed.Load() }

// arm records the target and subscribes handlers. Handlers are wrapped so
// that they return a zero Response once the sensor is disarmed.
func (b *base) arm(t Target, handlers map[platform.EventType]platform.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed.Load() {
		return ErrArmed
	}
	b.target = t
	if b.events != nil {
		for typ, h := range handlers {
			h := h
			b.unsubs = append(b.unsubs, b.events.Subscribe(typ, func(e platform.Event) platform.Response {
				if !b.armed.Load() {
					return platform.Response{}
				}
				return h(e)
			}))
		}
	}
	b.armed.Store(true)
	return nil
}

func (b *base) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed.Swap(false) {
		return
	}
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// current returns the armed target or nil.
func (b *base) current() Target {
	if !b.armed.Load() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}
