// Package platform defines the boundary between proctord and the exam shell
// that owns the real platform hooks.
//
// The shell forwards raw signals as Events. Sensors subscribe to them through
// a Dispatcher and answer with a Response that tells the shell whether the
// default action must be suppressed. Side effects the daemon needs from the
// environment (fullscreen, history pinning, evidence capture, geolocation)
// are expressed as the small interfaces in contracts.go.
package platform

import (
	"fmt"
	"strings"
	"time"
)

// EventType names a platform signal.
type EventType string

const (
	EventVisibility  EventType = "visibility"
	EventFocus       EventType = "focus"
	EventKeyDown     EventType = "keydown"
	EventContextMenu EventType = "contextmenu"
	EventClipboard   EventType = "clipboard"
	EventNavigate    EventType = "popstate"
	EventFullscreen  EventType = "fullscreen"
)

// ClipboardAction is the clipboard operation carried by EventClipboard.
type ClipboardAction string

const (
	ClipboardCopy  ClipboardAction = "copy"
	ClipboardCut   ClipboardAction = "cut"
	ClipboardPaste ClipboardAction = "paste"
)

// Event is one raw signal from the shell. Only the fields relevant to Type
// are meaningful.
type Event struct {
	Type EventType `json:"type"`

	// Hidden is set on EventVisibility when the page became hidden.
	Hidden bool `json:"hidden,omitempty"`

	// Focused is set on EventFocus when the window regained focus.
	Focused bool `json:"focused,omitempty"`

	// Key and modifiers for EventKeyDown.
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Meta  bool   `json:"meta,omitempty"`

	Action ClipboardAction `json:"action,omitempty"`

	// Fullscreen is the new state for EventFullscreen.
	Fullscreen bool `json:"fullscreen,omitempty"`

	At time.Time `json:"at,omitempty"`
}

// Validate rejects events the dispatcher cannot route.
func (e Event) Validate() error {
	switch e.Type {
	case EventVisibility, EventFocus, EventContextMenu, EventNavigate, EventFullscreen:
		return nil
	case EventKeyDown:
		if e.Key == "" {
			return fmt.Errorf("platform: keydown without key")
		}
		return nil
	case EventClipboard:
		switch e.Action {
		case ClipboardCopy, ClipboardCut, ClipboardPaste:
			return nil
		}
		return fmt.Errorf("platform: unknown clipboard action %q", e.Action)
	default:
		return fmt.Errorf("platform: unknown event type %q", e.Type)
	}
}

// Response is a handler's verdict on an event.
type Response struct {
	PreventDefault bool `json:"prevent_default"`
}

// Merge combines two verdicts; suppression wins.
func (r Response) Merge(o Response) Response {
	return Response{PreventDefault: r.PreventDefault || o.PreventDefault}
}

// Combo is a keyboard combination such as Ctrl+Shift+I. Modifiers left
// false are not required; a set modifier must be held.
type Combo struct {
	Key   string
	Ctrl  bool
	Alt   bool
	Shift bool
	Meta  bool
}

// ParseCombo parses "Ctrl+Shift+I" style strings. Modifier names are
// case-insensitive; the last element is the key.
func ParseCombo(s string) (Combo, error) {
	var c Combo
	parts := strings.Split(strings.TrimSpace(s), "+")
	if len(parts) == 0 || strings.TrimSpace(parts[len(parts)-1]) == "" {
		return c, fmt.Errorf("platform: invalid key combination %q", s)
	}
	for _, p := range parts[:len(parts)-1] {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "ctrl", "control":
			c.Ctrl = true
		case "alt", "option":
			c.Alt = true
		case "shift":
			c.Shift = true
		case "meta", "cmd", "command", "super", "win":
			c.Meta = true
		default:
			return c, fmt.Errorf("platform: unknown modifier %q in %q", p, s)
		}
	}
	c.Key = strings.TrimSpace(parts[len(parts)-1])
	return c, nil
}

// MustParseCombo is ParseCombo for static tables.
func MustParseCombo(s string) Combo {
	c, err := ParseCombo(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Matches reports whether a keydown event satisfies the combination.
func (c Combo) Matches(e Event) bool {
	if !strings.EqualFold(c.Key, e.Key) {
		return false
	}
	if c.Ctrl && !e.Ctrl {
		return false
	}
	if c.Alt && !e.Alt {
		return false
	}
	if c.Shift && !e.Shift {
		return false
	}
	if c.Meta && !e.Meta {
		return false
	}
	return true
}

func (c Combo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if c.Alt {
		parts = append(parts, "Alt")
	}
	if c.Shift {
		parts = append(parts, "Shift")
	}
	if c.Meta {
		parts = append(parts, "Meta")
	}
	return strings.Join(append(parts, c.Key), "+")
}
