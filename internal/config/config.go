package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Operating modes
const (
	ModeLearning   = "learning"
	ModeProtection = "protection"
)

// Config holds the guard agent configuration
type Config struct {
	HostID   string `yaml:"host_id"`
	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log_level"`

	Rules       RulesConfig        `yaml:"rules"`
	ThreatIntel ThreatIntelConfig  `yaml:"threat_intel"`
	Baseline    BaselineConfig     `yaml:"baseline"`
	Monitors    MonitorConfig      `yaml:"monitors"`
	Policy      ActionPolicyConfig `yaml:"action_policy"`
	AI          AIConfig           `yaml:"ai"`
	NATS        NATSConfig         `yaml:"nats"`
	HTTP        HTTPConfig         `yaml:"http"`
}

// RulesConfig configures the rule directory and hot reload
type RulesConfig struct {
	Dir          string        `yaml:"dir"`
	HotReload    bool          `yaml:"hot_reload"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// ThreatIntelConfig points at an optional indicator feed
type ThreatIntelConfig struct {
	FeedFile string `yaml:"feed_file"`
}

// BaselineConfig configures baseline persistence
type BaselineConfig struct {
	Path               string        `yaml:"path"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// MonitorConfig selects and tunes the observers
type MonitorConfig struct {
	Log            LogMonitorConfig     `yaml:"log"`
	Network        PollMonitorConfig    `yaml:"network"`
	Process        PollMonitorConfig    `yaml:"process"`
	File           FileMonitorConfig    `yaml:"file"`
	Adapters       AdapterMonitorConfig `yaml:"adapters"`
	StopGrace      time.Duration        `yaml:"stop_grace"`
	EventBuffer    int                  `yaml:"event_buffer"`
	MaxRestarts    int                  `yaml:"max_restarts"`
	RestartBackoff time.Duration        `yaml:"restart_backoff"`
}

// LogMonitorConfig configures the system log tail. Command overrides the
// platform default; Files is used by the multi-file tail fallback.
type LogMonitorConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
	Files   []string `yaml:"files"`
}

// PollMonitorConfig configures an interval poller
type PollMonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// FileMonitorConfig configures the file watcher
type FileMonitorConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
}

// AdapterMonitorConfig configures vendor alert intake
type AdapterMonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	AlertSubject string        `yaml:"alert_subject"`
	BufferSize   int           `yaml:"buffer_size"`
}

// ActionPolicyConfig holds the confidence thresholds for response tiers
type ActionPolicyConfig struct {
	AutoRespond     int           `yaml:"auto_respond"`
	NotifyAndWait   int           `yaml:"notify_and_wait"`
	LogOnly         int           `yaml:"log_only"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
	MaxPending      int           `yaml:"max_pending"`
}

// AIConfig configures the optional reasoning provider
type AIConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NATSConfig configures the outbound bus
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HTTPConfig configures the local control API
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HostID:   hostname(),
		Mode:     ModeLearning,
		LogLevel: "info",
		Rules: RulesConfig{
			Dir:          "/etc/panguard/rules",
			HotReload:    true,
			PollInterval: 2 * time.Second,
			Debounce:     500 * time.Millisecond,
		},
		Baseline: BaselineConfig{
			Path:               "/var/lib/panguard/baseline.json.zst",
			CheckpointInterval: 5 * time.Minute,
		},
		Monitors: MonitorConfig{
			Log:            LogMonitorConfig{Enabled: true, Files: []string{"/var/log/auth.log", "/var/log/syslog"}},
			Network:        PollMonitorConfig{Enabled: true, Interval: 5 * time.Second},
			Process:        PollMonitorConfig{Enabled: true, Interval: 5 * time.Second},
			Adapters:       AdapterMonitorConfig{Interval: 30 * time.Second, AlertSubject: "adapters.alerts", BufferSize: 1000},
			StopGrace:      3 * time.Second,
			EventBuffer:    1024,
			MaxRestarts:    5,
			RestartBackoff: 2 * time.Second,
		},
		Policy: ActionPolicyConfig{
			AutoRespond:     85,
			NotifyAndWait:   50,
			LogOnly:         0,
			ConfirmationTTL: 15 * time.Minute,
			MaxPending:      256,
		},
		AI: AIConfig{
			Model:   "gpt-4o-mini",
			Timeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "panguard",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7420",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HostID = getEnv("PANGUARD_HOST_ID", c.HostID)
	c.Mode = getEnv("PANGUARD_MODE", c.Mode)
	c.LogLevel = getEnv("PANGUARD_LOG_LEVEL", c.LogLevel)

	c.Rules.Dir = getEnv("PANGUARD_RULES_DIR", c.Rules.Dir)
	c.Rules.HotReload = getBoolEnv("PANGUARD_RULES_HOT_RELOAD", c.Rules.HotReload)
	c.ThreatIntel.FeedFile = getEnv("PANGUARD_THREAT_INTEL_FILE", c.ThreatIntel.FeedFile)
	c.Baseline.Path = getEnv("PANGUARD_BASELINE_PATH", c.Baseline.Path)
	c.Baseline.CheckpointInterval = getDurationEnv("PANGUARD_BASELINE_CHECKPOINT", c.Baseline.CheckpointInterval)

	c.Monitors.Log.Enabled = getBoolEnv("PANGUARD_MONITOR_LOG", c.Monitors.Log.Enabled)
	c.Monitors.Network.Enabled = getBoolEnv("PANGUARD_MONITOR_NETWORK", c.Monitors.Network.Enabled)
	c.Monitors.Process.Enabled = getBoolEnv("PANGUARD_MONITOR_PROCESS", c.Monitors.Process.Enabled)
	c.Monitors.File.Enabled = getBoolEnv("PANGUARD_MONITOR_FILE", c.Monitors.File.Enabled)
	c.Monitors.File.Paths = getListEnv("PANGUARD_MONITOR_FILE_PATHS", c.Monitors.File.Paths)
	c.Monitors.Adapters.Enabled = getBoolEnv("PANGUARD_MONITOR_ADAPTERS", c.Monitors.Adapters.Enabled)

	c.Policy.AutoRespond = getIntEnv("PANGUARD_AUTO_RESPOND", c.Policy.AutoRespond)
	c.Policy.NotifyAndWait = getIntEnv("PANGUARD_NOTIFY_AND_WAIT", c.Policy.NotifyAndWait)
	c.Policy.LogOnly = getIntEnv("PANGUARD_LOG_ONLY", c.Policy.LogOnly)
	c.Policy.ConfirmationTTL = getDurationEnv("PANGUARD_CONFIRMATION_TTL", c.Policy.ConfirmationTTL)

	c.AI.Enabled = getBoolEnv("PANGUARD_AI_ENABLED", c.AI.Enabled)
	c.AI.Endpoint = getEnv("PANGUARD_AI_ENDPOINT", c.AI.Endpoint)
	c.AI.Model = getEnv("PANGUARD_AI_MODEL", c.AI.Model)
	c.AI.APIKey = getEnv("PANGUARD_AI_API_KEY", c.AI.APIKey)
	c.AI.Timeout = getDurationEnv("PANGUARD_AI_TIMEOUT", c.AI.Timeout)

	c.NATS.Enabled = getBoolEnv("PANGUARD_NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("PANGUARD_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("PANGUARD_NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.HTTP.Enabled = getBoolEnv("PANGUARD_HTTP_ENABLED", c.HTTP.Enabled)
	c.HTTP.Addr = getEnv("PANGUARD_HTTP_ADDR", c.HTTP.Addr)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HostID == "" {
		return &ValidationError{Field: "host_id", Message: "cannot be empty"}
	}
	if c.Mode != ModeLearning && c.Mode != ModeProtection {
		return &ValidationError{Field: "mode", Message: "must be learning or protection"}
	}
	if c.Rules.HotReload && (c.Rules.PollInterval <= 0 || c.Rules.Debounce < 0) {
		return &ValidationError{Field: "rules.poll_interval", Message: "must be positive when hot reload is enabled"}
	}
	if c.Baseline.Path == "" {
		return &ValidationError{Field: "baseline.path", Message: "cannot be empty"}
	}
	if c.Baseline.CheckpointInterval <= 0 {
		return &ValidationError{Field: "baseline.checkpoint_interval", Message: "must be positive"}
	}
	if err := c.Monitors.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.AI.Enabled {
		if c.AI.Endpoint == "" {
			return &ValidationError{Field: "ai.endpoint", Message: "required when AI is enabled"}
		}
		if c.AI.Timeout <= 0 {
			return &ValidationError{Field: "ai.timeout", Message: "must be positive"}
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return &ValidationError{Field: "nats.url", Message: "required when NATS is enabled"}
	}
	if c.Monitors.Adapters.Enabled && !c.NATS.Enabled {
		return &ValidationError{Field: "monitors.adapters", Message: "adapter intake requires NATS"}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return &ValidationError{Field: "http.addr", Message: "required when HTTP is enabled"}
	}
	return nil
}

// Validate checks the observer selection and timings
func (m MonitorConfig) Validate() error {
	if !m.Log.Enabled && !m.Network.Enabled && !m.Process.Enabled && !m.File.Enabled && !m.Adapters.Enabled {
		return &ValidationError{Field: "monitors", Message: "at least one observer must be enabled"}
	}
	if m.Network.Enabled && m.Network.Interval <= 0 {
		return &ValidationError{Field: "monitors.network.interval", Message: "must be positive"}
	}
	if m.Process.Enabled && m.Process.Interval <= 0 {
		return &ValidationError{Field: "monitors.process.interval", Message: "must be positive"}
	}
	if m.File.Enabled && len(m.File.Paths) == 0 {
		return &ValidationError{Field: "monitors.file.paths", Message: "file observer requires at least one path"}
	}
	if m.Adapters.Enabled && m.Adapters.Interval <= 0 {
		return &ValidationError{Field: "monitors.adapters.interval", Message: "must be positive"}
	}
	if m.StopGrace <= 0 {
		return &ValidationError{Field: "monitors.stop_grace", Message: "must be positive"}
	}
	if m.EventBuffer < 0 {
		return &ValidationError{Field: "monitors.event_buffer", Message: "cannot be negative"}
	}
	return nil
}

// Validate enforces 0..100 thresholds in strict order auto_respond > notify_and_wait > log_only
func (p ActionPolicyConfig) Validate() error {
	for field, v := range map[string]int{
		"action_policy.auto_respond":    p.AutoRespond,
		"action_policy.notify_and_wait": p.NotifyAndWait,
		"action_policy.log_only":        p.LogOnly,
	} {
		if v < 0 || v > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
	}
	if p.AutoRespond <= p.NotifyAndWait {
		return &ValidationError{Field: "action_policy.auto_respond", Message: "must be greater than notify_and_wait"}
	}
	if p.NotifyAndWait <= p.LogOnly {
		return &ValidationError{Field: "action_policy.notify_and_wait", Message: "must be greater than log_only"}
	}
	if p.ConfirmationTTL <= 0 {
		return &ValidationError{Field: "action_policy.confirmation_ttl", Message: "must be positive"}
	}
	if p.MaxPending <= 0 {
		return &ValidationError{Field: "action_policy.max_pending", Message: "must be positive"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go duration syntax or a plain number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated environment variable
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
