// Package config loads the procwatch YAML configuration and maps it onto
// the component configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/procwatch/internal/alert"
	"github.com/ppiankov/procwatch/internal/engine"
	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/logging"
	"github.com/ppiankov/procwatch/internal/registry"
)

// DirName is the per-user state directory under $HOME.
const DirName = ".procwatch"

// ProcessMonitoringConfig controls what is watched and how.
type ProcessMonitoringConfig struct {
	PollingInterval            time.Duration `yaml:"polling_interval"`
	MaxMonitoredProcesses      int           `yaml:"max_monitored_processes"`
	NameFilters                []string      `yaml:"name_filters"`
	EnablePush                 bool          `yaml:"enable_push"`
	ForwardOnlyMatching        bool          `yaml:"forward_only_matching"`
	EventHistoryRetentionHours int           `yaml:"event_history_retention_hours"`
	AutoTrack                  bool          `yaml:"auto_track"`

	ExitGracePeriod       time.Duration `yaml:"exit_grace_period"`
	DedupWindow           time.Duration `yaml:"dedup_window"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency      int           `yaml:"probe_concurrency"`
	BatchSize             int           `yaml:"batch_size"`
	DrainInterval         time.Duration `yaml:"drain_interval"`
	QueueSize             int           `yaml:"queue_size"`
	MemoryLimitMB         uint64        `yaml:"memory_limit_mb"`
	BacklogThreshold      int           `yaml:"backlog_threshold"`
	MemoryAlertMB         uint64        `yaml:"memory_alert_mb"`
	CPUAlertPercent       float64       `yaml:"cpu_alert_percent"`
	LinkPasses            int           `yaml:"link_passes"`
	RecoveryChecks        int           `yaml:"recovery_checks"`
	PushHealthyPollFactor int           `yaml:"push_healthy_poll_factor"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
}

// Config is the full daemon configuration.
type Config struct {
	StateDir    string                  `yaml:"state_dir"`
	AuditLog    string                  `yaml:"audit_log"`    // empty means <state_dir>/audit.jsonl, "off" disables
	MetricsAddr string                  `yaml:"metrics_addr"` // empty disables
	GRPCAddr    string                  `yaml:"grpc_addr"`    // empty disables
	Monitoring  ProcessMonitoringConfig `yaml:"monitoring"`
	Alerts      []alert.AlertConfig     `yaml:"alerts"`
	Log         logging.Config          `yaml:"log"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:    defaultStateDir(),
		MetricsAddr: "127.0.0.1:9464",
		GRPCAddr:    "127.0.0.1:9465",
		Monitoring: ProcessMonitoringConfig{
			PollingInterval:            2 * time.Second,
			MaxMonitoredProcesses:      256,
			NameFilters:                []string{"claude*", "codex*", "gemini*"},
			EnablePush:                 true,
			ForwardOnlyMatching:        true,
			EventHistoryRetentionHours: 24,
			AutoTrack:                  true,
			ExitGracePeriod:            5 * time.Minute,
			ProbeTimeout:               time.Second,
			ProbeConcurrency:           8,
			BatchSize:                  100,
			DrainInterval:              100 * time.Millisecond,
			QueueSize:                  10000,
			MemoryLimitMB:              512,
			BacklogThreshold:           1000,
			LinkPasses:                 3,
			RecoveryChecks:             3,
			PushHealthyPollFactor:      3,
			ReconnectInterval:          5 * time.Second,
		},
		Log: logging.Config{Level: "info"},
	}
}

// DefaultPath returns ~/.procwatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultStateDir(), "config.yaml")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Load reads config from a YAML file on top of Default. Empty path falls
// back to ~/.procwatch/config.yaml; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Path = path
	cfg.StateDir = expandHome(cfg.StateDir)
	if cfg.AuditLog != "" {
		cfg.AuditLog = expandHome(cfg.AuditLog)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	m := c.Monitoring
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir must be set"))
	}
	if m.PollingInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("monitoring.polling_interval %s is below 100ms", m.PollingInterval))
	}
	if m.MaxMonitoredProcesses <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.max_monitored_processes must be positive, got %d", m.MaxMonitoredProcesses))
	}
	if m.EventHistoryRetentionHours < 0 {
		errs = append(errs, fmt.Errorf("monitoring.event_history_retention_hours must not be negative"))
	}
	for _, f := range m.NameFilters {
		if strings.Count(f, "*") > 1 {
			errs = append(errs, fmt.Errorf("monitoring.name_filters: %q has more than one wildcard", f))
		}
		if strings.TrimSpace(f) == "" {
			errs = append(errs, errors.New("monitoring.name_filters: empty pattern"))
		}
	}
	if m.CPUAlertPercent < 0 {
		errs = append(errs, errors.New("monitoring.cpu_alert_percent must not be negative"))
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: url must be set", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d]: unknown format %q", i, a.Format))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AuditPath resolves the audit log location. Empty means disabled.
func (c *Config) AuditPath() string {
	switch c.AuditLog {
	case "off", "none":
		return ""
	case "":
		return filepath.Join(c.StateDir, "audit.jsonl")
	default:
		return c.AuditLog
	}
}

// StorePath is the SQLite database location.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// RegistryConfig maps the monitoring section onto the polling registry.
func (m ProcessMonitoringConfig) RegistryConfig() registry.Config {
	return registry.Config{
		MaxTracked:       m.MaxMonitoredProcesses,
		PollInterval:     m.PollingInterval,
		ProbeTimeout:     m.ProbeTimeout,
		ProbeWorkers:     m.ProbeConcurrency,
		MemoryAlertBytes: m.MemoryAlertMB << 20,
		CPUAlertPercent:  m.CPUAlertPercent,
	}
}

// ListenerConfig maps the monitoring section onto the push pipeline.
func (m ProcessMonitoringConfig) ListenerConfig() ingest.Config {
	return ingest.Config{
		BatchSize:           m.BatchSize,
		DrainInterval:       m.DrainInterval,
		QueueSize:           m.QueueSize,
		DedupWindow:         m.DedupWindow,
		NameFilters:         append([]string(nil), m.NameFilters...),
		ForwardOnlyMatching: m.ForwardOnlyMatching,
	}
}

// EngineConfig maps the monitoring section onto the reconciliation engine.
func (m ProcessMonitoringConfig) EngineConfig() engine.Config {
	return engine.Config{
		PollInterval:          m.PollingInterval,
		NameFilters:           append([]string(nil), m.NameFilters...),
		PushEnabled:           m.EnablePush,
		EventHistoryRetention: time.Duration(m.EventHistoryRetentionHours) * time.Hour,
		ExitGracePeriod:       m.ExitGracePeriod,
		DedupWindow:           m.DedupWindow,
		LinkPasses:            m.LinkPasses,
		RecoveryChecks:        m.RecoveryChecks,
		PushHealthyPollFactor: m.PushHealthyPollFactor,
		ReconnectInterval:     m.ReconnectInterval,
		MemoryLimitBytes:      m.MemoryLimitMB << 20,
		BacklogThreshold:      m.BacklogThreshold,
		AutoTrack:             m.AutoTrack,
	}
}

// DefaultConfigYAML returns a commented config file with the defaults.
func DefaultConfigYAML() string {
	return `# procwatch configuration
# state_dir: ~/.procwatch
# audit_log: ""            # default <state_dir>/audit.jsonl, "off" disables
metrics_addr: 127.0.0.1:9464
grpc_addr: 127.0.0.1:9465

monitoring:
  polling_interval: 2s
  max_monitored_processes: 256
  name_filters: ["claude*", "codex*", "gemini*"]
  enable_push: true
  forward_only_matching: true
  event_history_retention_hours: 24
  auto_track: true
  exit_grace_period: 5m
  # dedup_window: 6s       # default max(5s, 3 x polling_interval)
  memory_limit_mb: 512
  # memory_alert_mb: 2048
  # cpu_alert_percent: 90
  recovery_checks: 3
  push_healthy_poll_factor: 3

# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [killed, error, performance_alert]

log:
  level: info
`
}
