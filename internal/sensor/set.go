package sensor

import (
	"context"
	"fmt"
	"time"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/platform"
)

// SetConfig selects and configures the standard sensors.
type SetConfig struct {
	Env platform.Environment

	BlockedKeys      []string
	BlockedShortcuts []platform.Combo

	Evidence        bool
	FullscreenAudit time.Duration

	Location         bool
	LocationInterval time.Duration
	LocationTimeout  time.Duration

	// Clock stamps location samples that arrive without a capture time.
	Clock clock.Clock

	Logger *logging.Logger
}

// Set arms and disarms a group of sensors together.
type Set struct {
	sensors []Sensor
	logger  *logging.Logger
}

// NewSet builds the standard sensors from cfg.
func NewSet(cfg SetConfig) *Set {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ev := cfg.Env.Events
	sensors := []Sensor{
		NewVisibility(ev, cfg.Evidence, logger),
		NewFocus(ev, cfg.Evidence, logger),
		NewKeyboard(ev, cfg.BlockedKeys, cfg.BlockedShortcuts, logger),
		NewContextMenu(ev, logger),
		NewClipboard(ev, logger),
		NewNavigation(ev, cfg.Env.History, logger),
		NewFullscreen(ev, cfg.Env.Display, cfg.FullscreenAudit, logger),
	}
	if cfg.Location && cfg.Env.Locator != nil {
		sensors = append(sensors, NewLocation(cfg.Env.Locator, cfg.Clock, cfg.LocationInterval, cfg.LocationTimeout, logger))
	}
	return NewSetOf(logger, sensors...)
}

// NewSetOf groups arbitrary sensors.
func NewSetOf(logger *logging.Logger, sensors ...Sensor) *Set {
	if logger == nil {
		logger = logging.Default()
	}
	return &Set{sensors: sensors, logger: logger.WithComponent("sensor")}
}

// Arm arms every sensor. If one fails the ones already armed are disarmed.
func (s *Set) Arm(ctx context.Context, t Target) error {
	for i, sn := range s.sensors {
		if err := sn.Arm(ctx, t); err != nil {
			for _, prev := range s.sensors[:i] {
				prev.Disarm()
			}
			return fmt.Errorf("arm %s: %w", sn.Name(), err)
		}
	}
	s.logger.Debug("sensors armed", "count", len(s.sensors))
	return nil
}

// Disarm disarms every sensor. It is idempotent.
func (s *Set) Disarm() {
	for _, sn := range s.sensors {
		sn.Disarm()
	}
}

// Names lists the sensors in arm order.
func (s *Set) Names() []string {
	names := make([]string, len(s.sensors))
	for i, sn := range s.sensors {
		names[i] = sn.Name()
	}
	return names
}

// Armed returns the names of the sensors currently armed.
func (s *Set) Armed() []string {
	var names []string
	for _, sn := range s.sensors {
		if sn.Armed() {
			names = append(names, sn.Name())
		}
	}
	return names
}

// Get returns the sensor named name, or nil.
func (s *Set) Get(name string) Sensor {
	for _, sn := range s.sensors {
		if sn.Name() == name {
			return sn
		}
	}
	return nil
}
