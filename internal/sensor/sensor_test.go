package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/platform/platformtest"
	"proctord/internal/violation"
)

type entry struct {
	violation bool
	kind      violation.Kind
	activity  violation.ActivityType
	detail    string
}

type fakeTarget struct {
	mu        sync.Mutex
	entries   []entry
	evidence  []string
	locations []platform.Location
	timers    *clock.Group
}

func newTarget(t *testing.T) *fakeTarget {
	g := clock.NewGroup(context.Background(), nil)
	t.Cleanup(func() {
		g.Stop()
		g.Wait()
	})
	return &fakeTarget{timers: g}
}

func (f *fakeTarget) RecordViolation(kind violation.Kind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry{violation: true, kind: kind, detail: detail})
}

func (f *fakeTarget) RecordActivity(a violation.ActivityType, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry{activity: a, detail: detail})
}

func (f *fakeTarget) CaptureEvidence(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidence = append(f.evidence, reason)
}

func (f *fakeTarget) ReportLocation(loc platform.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, loc)
}

func (f *fakeTarget) Timers() *clock.Group { return f.timers }

func (f *fakeTarget) got() []entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entry(nil), f.entries...)
}

func (f *fakeTarget) locationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

func TestVisibilityAndFocus(t *testing.T) {
	d := platform.NewDispatcher()
	target := newTarget(t)
	vis := NewVisibility(d, true, logging.Discard())
	foc := NewFocus(d, false, logging.Discard())
	require.NoError(t, vis.Arm(context.Background(), target))
	require.NoError(t, foc.Arm(context.Background(), target))

	for i := 0; i < 3; i++ {
		d.Dispatch(platform.Event{Type: platform.EventVisibility, Hidden: true})
		d.Dispatch(platform.Event{Type: platform.EventVisibility, Hidden: false})
	}
	d.Dispatch(platform.Event{Type: platform.EventFocus, Focused: false})
	d.Dispatch(platform.Event{Type: platform.EventFocus, Focused: true})

	got := target.got()
	require.Len(t, got, 4)
	for _, e := range got[:3] {
		assert.Equal(t, violation.TabSwitch, e.kind)
		assert.Equal(t, violation.DetailTabSwitch, e.detail)
	}
	assert.Equal(t, violation.WindowBlur, got[3].kind)
	assert.Equal(t, []string{violation.EvidenceTabSwitch, violation.EvidenceTabSwitch, violation.EvidenceTabSwitch}, target.evidence)
}

func TestKeyboard(t *testing.T) {
	d := platform.NewDispatcher()
	target := newTarget(t)
	kb := NewKeyboard(d, []string{"F5", "F12"}, []platform.Combo{
		platform.MustParseCombo("Ctrl+Shift+I"),
		platform.MustParseCombo("Alt+Tab"),
	}, logging.Discard())
	require.NoError(t, kb.Arm(context.Background(), target))

	tests := []struct {
		event   platform.Event
		blocked bool
		detail  string
	}{
		{platform.Event{Type: platform.EventKeyDown, Key: "F12"}, true, "Attempted to use blocked key: F12"},
		{platform.Event{Type: platform.EventKeyDown, Key: "f5", Ctrl: true}, true, "Attempted to use blocked key: f5"},
		{platform.Event{Type: platform.EventKeyDown, Key: "I", Ctrl: true, Shift: true}, true, "Attempted keyboard shortcut: I"},
		{platform.Event{Type: platform.EventKeyDown, Key: "i", Ctrl: true}, false, ""},
		{platform.Event{Type: platform.EventKeyDown, Key: "Tab", Alt: true}, true, "Attempted keyboard shortcut: Tab"},
		{platform.Event{Type: platform.EventKeyDown, Key: "a"}, false, ""},
	}
	var want []string
	for _, tt := range tests {
		resp := d.Dispatch(tt.event)
		assert.Equal(t, tt.blocked, resp.PreventDefault, tt.event.Key)
		if tt.blocked {
			want = append(want, tt.detail)
		}
	}

	var details []string
	for _, e := range target.got() {
		assert.Equal(t, violation.BlockedShortcut, e.kind)
		details = append(details, e.detail)
	}
	assert.Equal(t, want, details)
}

func TestContextMenuClipboardNavigation(t *testing.T) {
	env, fakes := platformtest.Environment()
	target := newTarget(t)
	cm := NewContextMenu(env.Events, logging.Discard())
	cb := NewClipboard(env.Events, logging.Discard())
	nav := NewNavigation(env.Events, env.History, logging.Discard())
	for _, s := range []Sensor{cm, cb, nav} {
		require.NoError(t, s.Arm(context.Background(), target))
	}
	assert.Equal(t, 1, fakes.History.Pins(), "history is pinned on arm")

	assert.True(t, env.Events.Dispatch(platform.Event{Type: platform.EventContextMenu}).PreventDefault)
	assert.False(t, env.Events.Dispatch(platform.Event{Type: platform.EventClipboard, Action: platform.ClipboardPaste}).PreventDefault)
	env.Events.Dispatch(platform.Event{Type: platform.EventClipboard, Action: platform.ClipboardCopy})
	assert.True(t, env.Events.Dispatch(platform.Event{Type: platform.EventNavigate}).PreventDefault)

	got := target.got()
	require.Len(t, got, 3, "navigation records nothing")
	assert.Equal(t, violation.RightClick, got[0].kind)
	assert.Equal(t, violation.Paste, got[1].activity)
	assert.False(t, got[1].violation)
	assert.Equal(t, violation.Copy, got[2].activity)
	assert.Equal(t, 2, fakes.History.Pins())
}

func TestDisarmIgnoresLateEvents(t *testing.T) {
	env, _ := platformtest.Environment()
	target := newTarget(t)
	set := NewSet(SetConfig{
		Env:             env,
		BlockedKeys:     []string{"F12"},
		FullscreenAudit: time.Hour,
		Location:        false,
		Logger:          logging.Discard(),
	})
	require.NoError(t, set.Arm(context.Background(), target))
	assert.Len(t, set.Armed(), len(set.Names()))
	assert.Positive(t, env.Events.Total())

	set.Disarm()
	set.Disarm()
	assert.Empty(t, set.Armed())
	assert.Zero(t, env.Events.Total(), "disarm removes every subscription")

	env.Events.Dispatch(platform.Event{Type: platform.EventVisibility, Hidden: true})
	env.Events.Dispatch(platform.Event{Type: platform.EventKeyDown, Key: "F12"})
	env.Events.Dispatch(platform.Event{Type: platform.EventFullscreen, Fullscreen: false})
	assert.Empty(t, target.got())
}

func TestDisarmedHandlerStillSubscribed(t *testing.T) {
	// A handler captured by the dispatcher before unsubscribe completes
	// must still observe the disarmed flag.
	d := platform.NewDispatcher()
	target := newTarget(t)
	vis := NewVisibility(d, false, logging.Discard())
	require.NoError(t, vis.Arm(context.Background(), target))
	vis.armed.Store(false)

	d.Dispatch(platform.Event{Type: platform.EventVisibility, Hidden: true})
	assert.Empty(t, target.got())
}

func TestArmTwice(t *testing.T) {
	target := newTarget(t)
	cm := NewContextMenu(platform.NewDispatcher(), logging.Discard())
	require.NoError(t, cm.Arm(context.Background(), target))
	assert.ErrorIs(t, cm.Arm(context.Background(), target), ErrArmed)
}

func TestFullscreenPendingFlag(t *testing.T) {
	env, fakes := platformtest.Environment()
	target := newTarget(t)
	fs := NewFullscreen(env.Events, env.Display, time.Hour, logging.Discard())
	require.NoError(t, fs.Arm(context.Background(), target))

	fakes.Display.SetFailRequests(true)
	fakes.Display.Set(false)
	env.Events.Dispatch(platform.Event{Type: platform.EventFullscreen, Fullscreen: false})
	assert.True(t, fs.Pending())

	// Audits while still out of fullscreen retry re-entry but record nothing new.
	fs.Audit(context.Background())
	fs.Audit(context.Background())
	assert.Len(t, target.got(), 1)
	assert.Equal(t, 3, fakes.Display.Requests())

	// Re-entry succeeds, the next exit is a new violation.
	fakes.Display.SetFailRequests(false)
	fs.Audit(context.Background())
	fs.Audit(context.Background())
	assert.False(t, fs.Pending())
	fakes.Display.Set(false)
	fs.Audit(context.Background())

	got := target.got()
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, violation.FullscreenExit, e.kind)
		assert.Equal(t, violation.DetailFullscreenExit, e.detail)
	}
}

func TestFullscreenAuditScheduled(t *testing.T) {
	env, fakes := platformtest.Environment()
	target := newTarget(t)
	fs := NewFullscreen(env.Events, env.Display, 10*time.Millisecond, logging.Discard())
	require.NoError(t, fs.Arm(context.Background(), target))
	assert.Contains(t, target.timers.Tasks(), "fullscreen-audit")

	fakes.Display.SetFailRequests(true)
	fakes.Display.Set(false)
	assert.Eventually(t, func() bool { return len(target.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocationSensor(t *testing.T) {
	env, fakes := platformtest.Environment()
	target := newTarget(t)
	loc := NewLocation(env.Locator, nil, time.Hour, 50*time.Millisecond, logging.Discard())
	require.NoError(t, loc.Arm(context.Background(), target))

	assert.Eventually(t, func() bool { return target.locationCount() == 1 }, 2*time.Second, 5*time.Millisecond,
		"first sample is immediate")

	fakes.Locator.Fail(platform.ErrPermissionDenied)
	loc.Sample(context.Background())
	assert.Equal(t, 1, loc.Failures())

	fakes.Locator.Fail(nil)
	fakes.Locator.Hang()
	start := time.Now()
	loc.Sample(context.Background())
	assert.Less(t, time.Since(start), time.Second, "a hung locator is bounded by the timeout")
	assert.Equal(t, 2, loc.Failures())

	assert.Empty(t, target.got(), "location failures are never violations")
	assert.Equal(t, 1, target.locationCount())
}

func TestLocationDisarmedSampleIsDropped(t *testing.T) {
	locator := platformtest.NewLocator(platform.Location{Latitude: 1})
	target := newTarget(t)
	loc := NewLocation(locator, nil, time.Hour, time.Second, logging.Discard())
	require.NoError(t, loc.Arm(context.Background(), target))
	assert.Eventually(t, func() bool { return target.locationCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	loc.Disarm()
	loc.Sample(context.Background())
	assert.Equal(t, 1, target.locationCount())
}

func TestLocationStampsFromClock(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	fc := clock.NewFake(at)
	locator := platformtest.NewLocator(platform.Location{Latitude: 1})
	target := newTarget(t)
	loc := NewLocation(locator, fc, 0, time.Second, logging.Discard())
	require.NoError(t, loc.Arm(context.Background(), target))

	loc.Sample(context.Background())
	require.Equal(t, 1, target.locationCount())
	target.mu.Lock()
	got := target.locations[0].CapturedAt
	target.mu.Unlock()
	assert.True(t, got.Equal(at), "got %v", got)

	stamped := at.Add(-time.Minute)
	locator.Set(platform.Location{Latitude: 2, CapturedAt: stamped})
	loc.Sample(context.Background())
	target.mu.Lock()
	got = target.locations[1].CapturedAt
	target.mu.Unlock()
	assert.True(t, got.Equal(stamped), "a locator timestamp is kept")
}

type failingSensor struct{ *base }

func (f *failingSensor) Arm(context.Context, Target) error { return errors.New("boom") }

func TestSetArmRollsBack(t *testing.T) {
	target := newTarget(t)
	d := platform.NewDispatcher()
	cm := NewContextMenu(d, logging.Discard())
	set := NewSetOf(logging.Discard(), cm, &failingSensor{base: newBase("failing", d, nil)})

	err := set.Arm(context.Background(), target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arm failing")
	assert.False(t, cm.Armed())
	assert.Zero(t, d.Total())
	assert.NotNil(t, set.Get("contextmenu"))
	assert.Nil(t, set.Get("nope"))
}
