package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventToken        AuditEventType = "token_issued"
	AuditEventConnection   AuditEventType = "shell_connected"
	AuditEventIntent       AuditEventType = "intent"
	AuditEventPhase        AuditEventType = "phase_change"
	AuditEventVerification AuditEventType = "verification"
)

// Audit results.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditDenied  = "denied"
)

// AuditEvent is one line of the audit trail. Secrets submitted with an
// intent are never part of it.
type AuditEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	Component    string         `json:"component"`
	EvaluationID string         `json:"evaluation_id,omitempty"`
	StudentID    string         `json:"student_id,omitempty"`
	Action       string         `json:"action"`
	Result       string         `json:"result"`
	Details      map[string]any `json:"details,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	Error        string         `json:"error,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string

	// Writer replaces the rotated file when set.
	Writer io.Writer
}

// DefaultAuditLogPath places audit.log next to the default log file.
func DefaultAuditLogPath() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "audit.log")
}

// AuditLogger writes the audit trail as JSON lines. A nil *AuditLogger
// discards everything.
type AuditLogger struct {
	config  AuditLoggerConfig
	out     io.Writer
	rotator *FileRotator

	mu           sync.Mutex
	evaluationID string
	studentID    string
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(cfg AuditLoggerConfig) (*AuditLogger, error) {
	if cfg.Component == "" {
		cfg.Component = "proctord"
	}
	a := &AuditLogger{config: cfg, out: cfg.Writer}
	if a.out == nil {
		if cfg.FilePath == "" {
			cfg.FilePath = DefaultAuditLogPath()
		}
		rotator, err := NewFileRotator(&Config{
			FilePath:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("create audit rotator: %w", err)
		}
		a.rotator = rotator
		a.out = rotator
	}
	return a, nil
}

// SetAttempt stamps later events with the attempt they belong to.
func (a *AuditLogger) SetAttempt(evaluationID, studentID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.evaluationID = evaluationID
	a.studentID = studentID
	a.mu.Unlock()
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.EvaluationID == "" {
		event.EvaluationID = a.evaluationID
	}
	if event.StudentID == "" {
		event.StudentID = a.studentID
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogStartup records the daemon starting.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    AuditSuccess,
		Details:   details,
	})
}

// LogShutdown records the daemon stopping.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    AuditSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued records a bridge token being issued. The token itself is
// not recorded.
func (a *AuditLogger) LogTokenIssued(ctx context.Context, ttl time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventToken,
		Action:    "token_issued",
		Result:    AuditSuccess,
		Details:   map[string]any{"ttl_seconds": int64(ttl.Seconds())},
	})
}

// LogConnection records a shell connecting to the bridge.
func (a *AuditLogger) LogConnection(ctx context.Context, clientID, sourceIP string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConnection,
		Action:    "shell_connected",
		Result:    AuditSuccess,
		SourceIP:  sourceIP,
		Details:   map[string]any{"client_id": clientID},
	})
}

// LogIntent records a user intent and how it was answered. code is the
// error code sent to the shell, empty on success.
func (a *AuditLogger) LogIntent(ctx context.Context, intent, result, code, sourceIP string) error {
	e := AuditEvent{
		EventType: AuditEventIntent,
		Action:    intent,
		Result:    result,
		SourceIP:  sourceIP,
	}
	if code != "" {
		e.Error = code
	}
	return a.Log(ctx, e)
}

// LogPhase records a session phase change.
func (a *AuditLogger) LogPhase(ctx context.Context, phase, reason string) error {
	e := AuditEvent{
		EventType: AuditEventPhase,
		Action:    phase,
		Result:    AuditSuccess,
	}
	if reason != "" {
		e.Details = map[string]any{"reason": reason}
	}
	return a.Log(ctx, e)
}

// LogVerification records a journal verification.
func (a *AuditLogger) LogVerification(ctx context.Context, resource string, ok bool, details map[string]any) error {
	result := AuditSuccess
	if !ok {
		result = AuditFailure
	}
	if details == nil {
		details = make(map[string]any)
	}
	details["resource"] = resource
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerification,
		Action:    "journal_verified",
		Result:    result,
		Details:   details,
	})
}

// Close closes the audit log file.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes the audit log file.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
