// Package platformtest provides in-memory platform collaborators for tests.
package platformtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proctord/internal/platform"
)

// Display is a fake fullscreen surface.
type Display struct {
	mu         sync.Mutex
	fullscreen bool
	requests   int
	exits      int

	// FailRequests makes RequestFullscreen fail without changing state.
	FailRequests bool
}

// NewDisplay returns a display in the given state.
func NewDisplay(fullscreen bool) *Display {
	return &Display{fullscreen: fullscreen}
}

func (d *Display) IsFullscreen(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullscreen, nil
}

func (d *Display) RequestFullscreen(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	if d.FailRequests {
		return errors.New("fullscreen request rejected")
	}
	d.fullscreen = true
	return nil
}

func (d *Display) ExitFullscreen(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exits++
	d.fullscreen = false
	return nil
}

// Set changes the state without counting a request, simulating the user.
func (d *Display) Set(fullscreen bool) {
	d.mu.Lock()
	d.fullscreen = fullscreen
	d.mu.Unlock()
}

// SetFailRequests toggles FailRequests under the lock.
func (d *Display) SetFailRequests(fail bool) {
	d.mu.Lock()
	d.FailRequests = fail
	d.mu.Unlock()
}

// Requests is the number of RequestFullscreen calls.
func (d *Display) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// Exits is the number of ExitFullscreen calls.
func (d *Display) Exits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exits
}

// History counts pins.
type History struct {
	mu   sync.Mutex
	pins int
}

func (h *History) Pin(context.Context) error {
	h.mu.Lock()
	h.pins++
	h.mu.Unlock()
	return nil
}

// Pins is the number of Pin calls.
func (h *History) Pins() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pins
}

// Opener records opened URLs.
type Opener struct {
	mu     sync.Mutex
	opened []string
}

func (o *Opener) Open(_ context.Context, url string) error {
	o.mu.Lock()
	o.opened = append(o.opened, url)
	o.mu.Unlock()
	return nil
}

// Opened returns the URLs opened so far.
func (o *Opener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// Capturer records capture reasons and hands out sequential refs.
type Capturer struct {
	mu      sync.Mutex
	reasons []string
	Err     error
}

func (c *Capturer) Capture(_ context.Context, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	c.reasons = append(c.reasons, reason)
	return fmt.Sprintf("evidence-%d", len(c.reasons)), nil
}

// Reasons returns the captured reasons in order.
func (c *Capturer) Reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

// Locator returns a fixed location, an error, or blocks until ctx ends.
type Locator struct {
	mu       sync.Mutex
	loc      platform.Location
	err      error
	block    bool
	attempts int
}

// NewLocator returns a locator that always answers loc.
func NewLocator(loc platform.Location) *Locator {
	return &Locator{loc: loc}
}

// Set changes the location later calls answer.
func (l *Locator) Set(loc platform.Location) {
	l.mu.Lock()
	l.loc = loc
	l.mu.Unlock()
}

// Fail makes every later Locate return err.
func (l *Locator) Fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Hang makes every later Locate block until its context is done.
func (l *Locator) Hang() {
	l.mu.Lock()
	l.block = true
	l.mu.Unlock()
}

func (l *Locator) Locate(ctx context.Context) (platform.Location, error) {
	l.mu.Lock()
	l.attempts++
	loc, err, block := l.loc, l.err, l.block
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return platform.Location{}, ctx.Err()
	}
	return loc, err
}

// Attempts is the number of Locate calls.
func (l *Locator) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Environment returns a platform.Environment wired to fresh fakes.
func Environment() (platform.Environment, *Fakes) {
	f := &Fakes{
		Display:  NewDisplay(true),
		History:  &History{},
		Opener:   &Opener{},
		Capturer: &Capturer{},
		Locator:  NewLocator(platform.Location{Latitude: 52.52, Longitude: 13.405}),
	}
	env := platform.Environment{
		Events:   platform.NewDispatcher(),
		Display:  f.Display,
		History:  f.History,
		Opener:   f.Opener,
		Capturer: f.Capturer,
		Locator:  f.Locator,
	}
	return env, f
}

// Fakes gives tests access to the concrete fakes behind an Environment.
type Fakes struct {
	Display  *Display
	History  *History
	Opener   *Opener
	Capturer *Capturer
	Locator  *Locator
}
