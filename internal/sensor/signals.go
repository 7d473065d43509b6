package sensor

import (
	"context"
	"strings"

	"proctord/internal/logging"
	"proctord/internal/platform"
	"proctord/internal/violation"
)

// Visibility reports TAB_SWITCH when the exam page becomes hidden.
type Visibility struct {
	*base
	evidence bool
}

// NewVisibility creates the visibility sensor. With evidence set, each
// violation also triggers an evidence capture.
func NewVisibility(events *platform.Dispatcher, evidence bool, logger *logging.Logger) *Visibility {
	return &Visibility{base: newBase("visibility", events, logger), evidence: evidence}
}

func (s *Visibility) Arm(_ context.Context, t Target) error {
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventVisibility: func(e platform.Event) platform.Response {
			if e.Hidden {
				t.RecordViolation(violation.TabSwitch, violation.DetailTabSwitch)
				if s.evidence {
					t.CaptureEvidence(violation.EvidenceTabSwitch)
				}
			}
			return platform.Response{}
		},
	})
}

// Focus reports WINDOW_BLUR when the exam window loses input focus.
type Focus struct {
	*base
	evidence bool
}

// NewFocus creates the focus sensor.
func NewFocus(events *platform.Dispatcher, evidence bool, logger *logging.Logger) *Focus {
	return &Focus{base: newBase("focus", events, logger), evidence: evidence}
}

func (s *Focus) Arm(_ context.Context, t Target) error {
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventFocus: func(e platform.Event) platform.Response {
			if !e.Focused {
				t.RecordViolation(violation.WindowBlur, violation.DetailWindowBlur)
				if s.evidence {
					t.CaptureEvidence(violation.EvidenceWindowBlur)
				}
			}
			return platform.Response{}
		},
	})
}

// Keyboard suppresses blocked keys and key combinations.
type Keyboard struct {
	*base
	keys   []string
	combos []platform.Combo
}

// NewKeyboard creates the keyboard sensor. Single keys match regardless of
// modifiers; combos follow platform.Combo matching.
func NewKeyboard(events *platform.Dispatcher, keys []string, combos []platform.Combo, logger *logging.Logger) *Keyboard {
	return &Keyboard{
		base:   newBase("keyboard", events, logger),
		keys:   append([]string(nil), keys...),
		combos: append([]platform.Combo(nil), combos...),
	}
}

// Classify returns the violation detail for e and whether e is blocked.
func (s *Keyboard) Classify(e platform.Event) (string, bool) {
	for _, k := range s.keys {
		if strings.EqualFold(k, e.Key) {
			return violation.BlockedKeyDetail(e.Key), true
		}
	}
	for _, c := range s.combos {
		if c.Matches(e) {
			return violation.ShortcutDetail(e.Key), true
		}
	}
	return "", false
}

func (s *Keyboard) Arm(_ context.Context, t Target) error {
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventKeyDown: func(e platform.Event) platform.Response {
			detail, blocked := s.Classify(e)
			if !blocked {
				return platform.Response{}
			}
			t.RecordViolation(violation.BlockedShortcut, detail)
			return platform.Response{PreventDefault: true}
		},
	})
}

// ContextMenu suppresses right-click menus.
type ContextMenu struct {
	*base
}

// NewContextMenu creates the context menu sensor.
func NewContextMenu(events *platform.Dispatcher, logger *logging.Logger) *ContextMenu {
	return &ContextMenu{base: newBase("contextmenu", events, logger)}
}

func (s *ContextMenu) Arm(_ context.Context, t Target) error {
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventContextMenu: func(platform.Event) platform.Response {
			t.RecordViolation(violation.RightClick, violation.DetailRightClick)
			return platform.Response{PreventDefault: true}
		},
	})
}

// Clipboard logs copy, cut and paste as activities. Nothing is suppressed.
type Clipboard struct {
	*base
}

// NewClipboard creates the clipboard sensor.
func NewClipboard(events *platform.Dispatcher, logger *logging.Logger) *Clipboard {
	return &Clipboard{base: newBase("clipboard", events, logger)}
}

func (s *Clipboard) Arm(_ context.Context, t Target) error {
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventClipboard: func(e platform.Event) platform.Response {
			var activity violation.ActivityType
			switch e.Action {
			case platform.ClipboardCopy:
				activity = violation.Copy
			case platform.ClipboardCut:
				activity = violation.Cut
			case platform.ClipboardPaste:
				activity = violation.Paste
			default:
				return platform.Response{}
			}
			t.RecordActivity(activity, violation.DetailClipboard)
			return platform.Response{}
		},
	})
}

// Navigation blocks back navigation by re-pinning history. It records
// nothing.
type Navigation struct {
	*base
	history platform.History
}

// NewNavigation creates the navigation sensor.
func NewNavigation(events *platform.Dispatcher, history platform.History, logger *logging.Logger) *Navigation {
	return &Navigation{base: newBase("navigation", events, logger), history: history}
}

func (s *Navigation) Arm(ctx context.Context, t Target) error {
	if s.history != nil {
		if err := s.history.Pin(ctx); err != nil {
			s.logger.Warn("initial history pin failed", "error", err)
		}
	}
	return s.arm(t, map[platform.EventType]platform.Handler{
		platform.EventNavigate: func(platform.Event) platform.Response {
			if s.history != nil {
				if err := s.history.Pin(ctx); err != nil {
					s.logger.Warn("history pin failed", "error", err)
				}
			}
			return platform.Response{PreventDefault: true}
		},
	})
}
