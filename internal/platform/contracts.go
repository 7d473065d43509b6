package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned by collaborators that cannot serve on this
	// platform or have no connected shell.
	ErrUnavailable = errors.New("platform: unavailable")

	// ErrPermissionDenied is returned when the user or OS refused access.
	ErrPermissionDenied = errors.New("platform: permission denied")
)

// Display controls the exam surface's fullscreen state.
type Display interface {
	IsFullscreen(ctx context.Context) (bool, error)
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
}

// History pins the navigation history so back navigation stays on the exam.
type History interface {
	Pin(ctx context.Context) error
}

// Opener opens an allow-listed resource for the student.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Capturer captures evidence for a reason and returns a reference to the
// stored artifact.
type Capturer interface {
	Capture(ctx context.Context, reason string) (artifactRef string, err error)
}

// Location is one geolocation fix.
type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Locator acquires the current position. Implementations must honour ctx.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// Environment bundles the collaborators a session needs from the platform.
type Environment struct {
	Events   *Dispatcher
	Display  Display
	History  History
	Opener   Opener
	Capturer Capturer
	Locator  Locator
}

// NoLocator is a Locator for platforms without a location service.
type NoLocator struct{}

// Locate always fails with ErrUnavailable.
func (NoLocator) Locate(context.Context) (Location, error) {
	return Location{}, ErrUnavailable
}
