// Package violation holds the integrity record model and the append-only
// per-session log of violations and activities.
package violation

import "fmt"

// Kind enumerates integrity violations.
type Kind string

const (
	TabSwitch       Kind = "TAB_SWITCH"
	WindowBlur      Kind = "WINDOW_BLUR"
	FullscreenExit  Kind = "FULLSCREEN_EXIT"
	BlockedShortcut Kind = "BLOCKED_SHORTCUT"
	RightClick      Kind = "RIGHT_CLICK"
	DisallowedURL   Kind = "DISALLOWED_URL"
)

// Kinds lists every violation kind.
func Kinds() []Kind {
	return []Kind{TabSwitch, WindowBlur, FullscreenExit, BlockedShortcut, RightClick, DisallowedURL}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ActivityType enumerates non-violation telemetry.
type ActivityType string

const (
	EvaluationStarted ActivityType = "EVALUATION_STARTED"
	Copy              ActivityType = "COPY"
	Cut               ActivityType = "CUT"
	Paste             ActivityType = "PASTE"
	URLAccess         ActivityType = "URL_ACCESS"
)

// ViolationActivity is the activityType the backend expects for violations.
const ViolationActivity = "VIOLATION"

// Record details. The backend and review tooling match on these strings.
const (
	DetailTabSwitch         = "Tab/Window switched - Page hidden"
	DetailWindowBlur        = "Window lost focus"
	DetailFullscreenExit    = "Exited fullscreen mode"
	DetailRightClick        = "Right-click attempted"
	DetailEvaluationStarted = "Student entered evaluation"
	DetailClipboard         = "Clipboard activity"

	EvidenceTabSwitch  = "Tab switch detected"
	EvidenceWindowBlur = "Window blur detected"
)

// BlockedKeyDetail describes a blocked single key.
func BlockedKeyDetail(key string) string {
	return fmt.Sprintf("Attempted to use blocked key: %s", key)
}

// ShortcutDetail describes a blocked key combination.
func ShortcutDetail(key string) string {
	return fmt.Sprintf("Attempted keyboard shortcut: %s", key)
}

// DisallowedURLDetail describes a refused resource access.
func DisallowedURLDetail(url string) string {
	return fmt.Sprintf("Attempted to access non-whitelisted URL: %s", url)
}
