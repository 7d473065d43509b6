package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"proctord/internal/platform"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of all invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, v := range e {
		fields = append(fields, v.Field)
	}
	return fields
}

// ValidateConfig validates every section and returns ValidationErrors or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateBackend(&c.Backend)...)
	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validatePolicy(&c.Policy)...)
	errs = append(errs, validateReporter(&c.Reporter)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateBridge(&c.Bridge)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBackend(b *BackendConfig) ValidationErrors {
	var errs ValidationErrors
	if !isValidURL(b.BaseURL) {
		errs = append(errs, ValidationError{"backend.base_url", fmt.Sprintf("invalid URL: %q", b.BaseURL)})
	}
	if b.TimeoutSec < 1 {
		errs = append(errs, ValidationError{"backend.timeout_sec", "must be at least 1"})
	}
	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors
	if m.TickMs < 100 || m.TickMs > 5000 {
		errs = append(errs, ValidationError{"monitor.tick_ms", "must be between 100 and 5000"})
	}
	if m.FullscreenAuditSec < 1 {
		errs = append(errs, ValidationError{"monitor.fullscreen_audit_sec", "must be at least 1"})
	}
	if m.LocationEnabled {
		if m.LocationIntervalSec < 1 {
			errs = append(errs, ValidationError{"monitor.location_interval_sec", "must be at least 1"})
		}
		if m.LocationTimeoutMs < 100 {
			errs = append(errs, ValidationError{"monitor.location_timeout_ms", "must be at least 100"})
		}
	}
	return errs
}

func validatePolicy(p *PolicyConfig) ValidationErrors {
	var errs ValidationErrors
	for i, k := range p.BlockedKeys {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "+") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.blocked_keys[%d]", i),
				Message: fmt.Sprintf("expected a single key name, got %q", k),
			})
		}
	}
	for i, s := range p.BlockedShortcuts {
		if _, err := platform.ParseCombo(s); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.blocked_shortcuts[%d]", i),
				Message: err.Error(),
			})
		}
	}
	if p.CriticalSeconds < 0 || p.WarningSeconds < 0 {
		errs = append(errs, ValidationError{"policy.warning_seconds", "thresholds cannot be negative"})
	} else if p.CriticalSeconds > p.WarningSeconds {
		errs = append(errs, ValidationError{"policy.critical_seconds", "must not exceed warning_seconds"})
	}
	return errs
}

func validateReporter(r *ReporterConfig) ValidationErrors {
	var errs ValidationErrors
	if r.TimeoutSec < 1 {
		errs = append(errs, ValidationError{"reporter.timeout_sec", "must be at least 1"})
	}
	if r.Kafka.Enabled {
		if len(r.Kafka.Brokers) == 0 {
			errs = append(errs, ValidationError{"reporter.kafka.brokers", "at least one broker is required"})
		}
		for i, b := range r.Kafka.Brokers {
			if _, _, err := net.SplitHostPort(b); err != nil {
				errs = append(errs, ValidationError{fmt.Sprintf("reporter.kafka.brokers[%d]", i), fmt.Sprintf("expected host:port, got %q", b)})
			}
		}
		if r.Kafka.Topic == "" {
			errs = append(errs, ValidationError{"reporter.kafka.topic", "topic is required"})
		}
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{"storage.path", "path is required for sqlite storage"})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{"storage.type", fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type)})
	}
	if s.KeyPath == "" {
		errs = append(errs, ValidationError{"storage.key_path", "key path is required"})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{"storage.busy_timeout_ms", "cannot be negative"})
	}
	return errs
}

func validateBridge(b *BridgeConfig) ValidationErrors {
	var errs ValidationErrors
	host, _, err := net.SplitHostPort(b.Listen)
	if err != nil {
		errs = append(errs, ValidationError{"bridge.listen", fmt.Sprintf("expected host:port, got %q", b.Listen)})
	} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		errs = append(errs, ValidationError{"bridge.listen", "bridge must listen on a loopback address"})
	}
	if b.Secret != "" && len(b.Secret) < 32 {
		errs = append(errs, ValidationError{"bridge.secret", "secret must be at least 32 characters"})
	}
	if b.TokenTTLMinutes < 1 {
		errs = append(errs, ValidationError{"bridge.token_ttl_minutes", "must be at least 1"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level)})
	}
	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format)})
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{"logging.file_path", "file path is required when output writes a file"})
		}
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output)})
	}
	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{"logging.max_size_mb", "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{"logging.max_backups", "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{"logging.max_age_days", "max age cannot be negative"})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
