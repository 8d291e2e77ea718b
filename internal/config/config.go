package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	Bot     BotConfig     `json:"bot" yaml:"bot"`
	Userbot UserbotConfig `json:"userbot" yaml:"userbot"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// BotConfig configures the operator bot.
type BotConfig struct {
	Token      string    `json:"token" yaml:"token"`
	Username   string    `json:"username,omitempty" yaml:"username,omitempty"`
	OperatorID FlexInt64 `json:"operatorId" yaml:"operatorId"` // the only user the bot talks to
	ParseMode  string    `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // self-hosted Bot API server

	// Throttle for sends into the operator chat; SendsPerMinute 0 disables it.
	SendsPerMinute int `json:"sendsPerMinute" yaml:"sendsPerMinute"`
	SendBurst      int `json:"sendBurst" yaml:"sendBurst"`
}

type UserbotConfig struct {
	SessionDir string `json:"sessionDir" yaml:"sessionDir"`
}

// StorageConfig selects where correlations and credentials live. File
// names are relative to Dir unless absolute.
type StorageConfig struct {
	Backend         string `json:"backend" yaml:"backend"` // "json" | "sqlite"
	Dir             string `json:"dir" yaml:"dir"`
	CorrelationFile string `json:"correlationFile" yaml:"correlationFile"`
	CredentialsFile string `json:"credentialsFile" yaml:"credentialsFile"`
	DBFile          string `json:"dbFile" yaml:"dbFile"`
}

type RelayConfig struct {
	RetrievalTimeoutSeconds int    `json:"retrievalTimeoutSeconds" yaml:"retrievalTimeoutSeconds"`
	IncludeOutgoing         bool   `json:"includeOutgoing" yaml:"includeOutgoing"`
	MaxConcurrentEvents     int    `json:"maxConcurrentEvents" yaml:"maxConcurrentEvents"`
	DispatchConcurrency     int    `json:"dispatchConcurrency" yaml:"dispatchConcurrency"`
	TempDir                 string `json:"tempDir,omitempty" yaml:"tempDir,omitempty"`
	Timezone                string `json:"timezone,omitempty" yaml:"timezone,omitempty"` // IANA name; "" = local
}

// RetrievalTimeout returns the media retrieval bound.
func (r RelayConfig) RetrievalTimeout() time.Duration {
	return time.Duration(r.RetrievalTimeoutSeconds) * time.Second
}

// Location returns the time zone captions are rendered in.
func (r RelayConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

// LogConfig configures logging. When File is set, logs also go to a
// rotating file.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Listen   string `json:"listen" yaml:"listen"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexInt64 is an int64 that also unmarshals from a quoted number, so ids
// can come from ${VAR} substitution.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected number, got %s", data)
	}
	return f.parse(s)
}

func (f *FlexInt64) UnmarshalYAML(value *yaml.Node) error {
	return f.parse(value.Value)
}

func (f *FlexInt64) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", s)
	}
	*f = FlexInt64(n)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Userbot.SessionDir = ExpandPath(cfg.Userbot.SessionDir)
	cfg.Storage.Dir = ExpandPath(cfg.Storage.Dir)
	cfg.Relay.TempDir = ExpandPath(cfg.Relay.TempDir)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml. The file
// holds the bot token, so it is private to the user.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Bot.ParseMode {
	case "", "Markdown", "MarkdownV2", "HTML":
	default:
		errs = append(errs, "bot.parseMode must be one of: Markdown, MarkdownV2, HTML (or empty)")
	}
	if cfg.Bot.OperatorID < 0 {
		errs = append(errs, "bot.operatorId must be a user id")
	}
	if cfg.Bot.SendsPerMinute < 0 || cfg.Bot.SendBurst < 0 {
		errs = append(errs, "bot.sendsPerMinute and bot.sendBurst must not be negative")
	}

	switch cfg.Storage.Backend {
	case "json", "sqlite":
	default:
		errs = append(errs, "storage.backend must be one of: json, sqlite")
	}
	if cfg.Storage.Dir == "" {
		errs = append(errs, "storage.dir is required")
	}
	if cfg.Userbot.SessionDir == "" {
		errs = append(errs, "userbot.sessionDir is required")
	}

	if cfg.Relay.RetrievalTimeoutSeconds < 1 || cfg.Relay.RetrievalTimeoutSeconds > 600 {
		errs = append(errs, "relay.retrievalTimeoutSeconds must be between 1 and 600")
	}
	if cfg.Relay.MaxConcurrentEvents < 1 || cfg.Relay.MaxConcurrentEvents > 1000 {
		errs = append(errs, "relay.maxConcurrentEvents must be between 1 and 1000")
	}
	if cfg.Relay.DispatchConcurrency < 1 || cfg.Relay.DispatchConcurrency > 100 {
		errs = append(errs, "relay.dispatchConcurrency must be between 1 and 100")
	}
	if _, err := cfg.Relay.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("relay.timezone: %v", err))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		errs = append(errs, "log rotation limits must not be negative")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			errs = append(errs, "metrics.listen is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireBot reports what is missing before the relay can run.
func RequireBot(cfg *Config) error {
	var missing []string
	if cfg.Bot.Token == "" {
		missing = append(missing, "bot.token")
	}
	if cfg.Bot.OperatorID == 0 {
		missing = append(missing, "bot.operatorId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
