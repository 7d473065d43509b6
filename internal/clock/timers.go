package clock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when scheduling on a stopped Group.
var ErrStopped = errors.New("clock: timer group stopped")

// Runner starts a named goroutine. logging.CrashHandler satisfies it.
type Runner interface {
	Go(task string, fn func())
}

type goRunner struct{}

func (goRunner) Go(_ string, fn func()) { go fn() }

// Group owns a set of periodic tasks. Stop cancels all of them at once;
// a Group cannot be restarted.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	runner Runner
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	tasks   []string
}

// NewGroup creates a Group whose tasks end when parent is cancelled or Stop
// is called. A nil runner starts plain goroutines.
func NewGroup(parent context.Context, runner Runner) *Group {
	if runner == nil {
		runner = goRunner{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, runner: runner}
}

// Every runs fn every interval until the group stops. With immediate set the
// first run happens right away instead of after one interval. fn receives
// the group context and should return promptly once it is done.
func (g *Group) Every(name string, interval time.Duration, immediate bool, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return errors.New("clock: interval must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.ctx.Err() != nil {
		return ErrStopped
	}
	g.tasks = append(g.tasks, name)

	g.wg.Add(1)
	g.runner.Go(name, func() {
		defer g.wg.Done()
		g.loop(interval, immediate, fn)
	})
	return nil
}

func (g *Group) loop(interval time.Duration, immediate bool, fn func(ctx context.Context)) {
	if immediate && g.ctx.Err() == nil {
		fn(g.ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			// Both cases may be ready together; cancellation wins.
			if g.ctx.Err() != nil {
				return
			}
			fn(g.ctx)
		}
	}
}

// Stop cancels every task. It does not wait, so it is safe to call from
// inside a task; use Wait to block until all task goroutines have exited.
func (g *Group) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()
}

// Wait blocks until all task goroutines have returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Stopped reports whether Stop has been called or the parent ended.
func (g *Group) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped || g.ctx.Err() != nil
}

// Tasks returns the names of the tasks scheduled so far.
func (g *Group) Tasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tasks...)
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set moves the fake time to t, which may be in the past.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
