// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Backend is the remote evaluation authority.
	Backend BackendConfig `toml:"backend" json:"backend" yaml:"backend"`

	// Monitor holds sensor and clock cadences.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Policy holds the integrity rules applied to sensor signals.
	Policy PolicyConfig `toml:"policy" json:"policy" yaml:"policy"`

	Reporter ReporterConfig `toml:"reporter" json:"reporter" yaml:"reporter"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Bridge   BridgeConfig   `toml:"bridge" json:"bridge" yaml:"bridge"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// BackendConfig points at the evaluation backend.
type BackendConfig struct {
	// BaseURL is the API root, e.g. "https://exams.example.edu".
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// TimeoutSec bounds every gate and submit call.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// StudentID identifies the student on this machine.
	StudentID string `toml:"student_id" json:"student_id" yaml:"student_id"`
}

// MonitorConfig holds sensor and clock cadences.
type MonitorConfig struct {
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// FullscreenAuditSec is the fullscreen safety-net poll interval.
	FullscreenAuditSec int `toml:"fullscreen_audit_sec" json:"fullscreen_audit_sec" yaml:"fullscreen_audit_sec"`

	LocationEnabled     bool `toml:"location_enabled" json:"location_enabled" yaml:"location_enabled"`
	LocationIntervalSec int  `toml:"location_interval_sec" json:"location_interval_sec" yaml:"location_interval_sec"`

	// LocationTimeoutMs bounds a single geolocation attempt.
	LocationTimeoutMs int `toml:"location_timeout_ms" json:"location_timeout_ms" yaml:"location_timeout_ms"`

	// EvidenceEnabled toggles the capture side effect of tab switch and blur.
	EvidenceEnabled bool `toml:"evidence_enabled" json:"evidence_enabled" yaml:"evidence_enabled"`
}

// PolicyConfig holds the integrity rules.
type PolicyConfig struct {
	// BlockedKeys are single keys suppressed regardless of modifiers.
	BlockedKeys []string `toml:"blocked_keys" json:"blocked_keys" yaml:"blocked_keys"`

	// BlockedShortcuts are combinations such as "Ctrl+Shift+I".
	BlockedShortcuts []string `toml:"blocked_shortcuts" json:"blocked_shortcuts" yaml:"blocked_shortcuts"`

	// AutoSubmitOnExpiry submits on timeout; when false the session ends Expired.
	AutoSubmitOnExpiry bool `toml:"auto_submit_on_expiry" json:"auto_submit_on_expiry" yaml:"auto_submit_on_expiry"`

	// DisallowedURLFatal ends the attempt (auto-submit) after a DISALLOWED_URL violation.
	DisallowedURLFatal bool `toml:"disallowed_url_fatal" json:"disallowed_url_fatal" yaml:"disallowed_url_fatal"`

	WarningSeconds  int `toml:"warning_seconds" json:"warning_seconds" yaml:"warning_seconds"`
	CriticalSeconds int `toml:"critical_seconds" json:"critical_seconds" yaml:"critical_seconds"`
}

// ReporterConfig configures remote telemetry delivery.
type ReporterConfig struct {
	// TimeoutSec bounds each fire-and-forget call.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// Kafka mirrors every report to a topic in addition to the backend.
	Kafka KafkaConfig `toml:"kafka" json:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the optional Kafka mirror.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	Brokers []string `toml:"brokers" json:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" json:"topic" yaml:"topic"`
}

// StorageConfig holds journal persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	Path string `toml:"path" json:"path" yaml:"path"`

	// KeyPath holds the master secret the journal HMAC key is derived from.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// BridgeConfig configures the local endpoint the exam shell connects to.
type BridgeConfig struct {
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// Secret signs bridge tokens. Generated into the data dir when empty.
	Secret string `toml:"secret" json:"secret" yaml:"secret"`

	TokenTTLMinutes int      `toml:"token_ttl_minutes" json:"token_ttl_minutes" yaml:"token_ttl_minutes"`
	AllowedOrigins  []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultBlockedKeys are suppressed on their own: refresh, fullscreen toggle, devtools.
func DefaultBlockedKeys() []string {
	return []string{"F5", "F11", "F12"}
}

// DefaultBlockedShortcuts covers tab/window switching, close, new tab/window,
// reload, history, downloads, view-source, save, print and devtools.
func DefaultBlockedShortcuts() []string {
	return []string{
		"Alt+Tab", "Ctrl+Tab",
		"Ctrl+W", "Ctrl+T", "Ctrl+N", "Ctrl+R", "Ctrl+H", "Ctrl+J",
		"Ctrl+U", "Ctrl+S", "Ctrl+P",
		"Ctrl+Shift+I", "Ctrl+Shift+J", "Ctrl+Shift+C",
		"Alt+Escape", "Alt+F4",
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Backend: BackendConfig{
			BaseURL:    "http://localhost:5000",
			TimeoutSec: 15,
		},
		Monitor: MonitorConfig{
			TickMs:              1000,
			FullscreenAuditSec:  10,
			LocationEnabled:     true,
			LocationIntervalSec: 30,
			LocationTimeoutMs:   10000,
			EvidenceEnabled:     true,
		},
		Policy: PolicyConfig{
			BlockedKeys:        DefaultBlockedKeys(),
			BlockedShortcuts:   DefaultBlockedShortcuts(),
			AutoSubmitOnExpiry: true,
			DisallowedURLFatal: false,
			WarningSeconds:     600,
			CriticalSeconds:    300,
		},
		Reporter: ReporterConfig{
			TimeoutSec: 10,
			Kafka: KafkaConfig{
				Enabled: false,
				Brokers: []string{"localhost:9092"},
				Topic:   "proctoring.activity",
			},
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "journal.db"),
			KeyPath:       filepath.Join(dir, "journal.key"),
			BusyTimeoutMs: 5000,
		},
		Bridge: BridgeConfig{
			Listen:          "127.0.0.1:8765",
			TokenTTLMinutes: 12 * 60,
			AllowedOrigins:  []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			FilePath:   filepath.Join(PlatformLogDir(), "proctord.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the proctord data directory, honouring PROCTORD_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields defaults.
// The format follows the extension (.toml, .json, .yaml/.yml).
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.KeyPath)}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PROCTORD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("PROCTORD_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("PROCTORD_STUDENT_ID"); v != "" {
		c.Backend.StudentID = v
	}
	if v := os.Getenv("PROCTORD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROCTORD_BRIDGE_LISTEN"); v != "" {
		c.Bridge.Listen = v
	}
	if v := os.Getenv("PROCTORD_BRIDGE_SECRET"); v != "" {
		c.Bridge.Secret = v
	}
	if v := os.Getenv("PROCTORD_KAFKA_BROKERS"); v != "" {
		c.Reporter.Kafka.Brokers = splitList(v)
		c.Reporter.Kafka.Enabled = true
	}
	if v := os.Getenv("PROCTORD_KAFKA_TOPIC"); v != "" {
		c.Reporter.Kafka.Topic = v
	}
	if v := os.Getenv("PROCTORD_LOCATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Monitor.LocationEnabled = b
		}
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Backend:  c.Backend,
		Monitor:  c.Monitor,
		Policy:   c.Policy,
		Reporter: c.Reporter,
		Storage:  c.Storage,
		Bridge:   c.Bridge,
		Logging:  c.Logging,
	}
	clone.Policy.BlockedKeys = append([]string{}, c.Policy.BlockedKeys...)
	clone.Policy.BlockedShortcuts = append([]string{}, c.Policy.BlockedShortcuts...)
	clone.Reporter.Kafka.Brokers = append([]string{}, c.Reporter.Kafka.Brokers...)
	clone.Bridge.AllowedOrigins = append([]string{}, c.Bridge.AllowedOrigins...)
	return clone
}

// Tick is the clock cadence.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Monitor.TickMs) * time.Millisecond
}

// FullscreenAudit is the fullscreen poll interval.
func (c *Config) FullscreenAudit() time.Duration {
	return time.Duration(c.Monitor.FullscreenAuditSec) * time.Second
}

// LocationInterval is the location sampling interval.
func (c *Config) LocationInterval() time.Duration {
	return time.Duration(c.Monitor.LocationIntervalSec) * time.Second
}

// LocationTimeout bounds one geolocation attempt.
func (c *Config) LocationTimeout() time.Duration {
	return time.Duration(c.Monitor.LocationTimeoutMs) * time.Millisecond
}

// BackendTimeout bounds gate and submit calls.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// ReportTimeout bounds each reporter call.
func (c *Config) ReportTimeout() time.Duration {
	return time.Duration(c.Reporter.TimeoutSec) * time.Second
}

// TokenTTL is the bridge token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Bridge.TokenTTLMinutes) * time.Minute
}

// SaveConfig writes cfg to path in the format implied by the extension.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var sb strings.Builder
		sb.WriteString("# proctord configuration\n\n")
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
