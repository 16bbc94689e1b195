// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/logging"
	"github.com/jeranaias/trainchat/internal/training"
	"github.com/jeranaias/trainchat/internal/util"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = "2"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete trainchat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Backend endpoints and request timeouts
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Training status and telemetry cadence
	Polling PollingConfig `toml:"polling" json:"polling"`

	// Chat session behaviour
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Defaults for `trainchat train`
	Training TrainingConfig `toml:"training" json:"training"`

	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Transcript archive
	History HistoryConfig `toml:"history" json:"history"`
}

// BackendConfig locates the training and inference services.
type BackendConfig struct {
	TrainingURL  string `toml:"training_url" json:"training_url"`
	InferenceURL string `toml:"inference_url" json:"inference_url"`
	StreamURL    string `toml:"stream_url" json:"stream_url"`

	TimeoutSecs       int `toml:"timeout_secs" json:"timeout_secs"`
	UploadTimeoutSecs int `toml:"upload_timeout_secs" json:"upload_timeout_secs"`
	LoadTimeoutSecs   int `toml:"load_timeout_secs" json:"load_timeout_secs"`
	DialTimeoutSecs   int `toml:"dial_timeout_secs" json:"dial_timeout_secs"`
}

// PollingConfig sets how often the backend is polled.
type PollingConfig struct {
	// FastPollMs applies while a job is running.
	FastPollMs int `toml:"fast_poll_ms" json:"fast_poll_ms"`

	// SlowPollMs applies in every other phase.
	SlowPollMs int `toml:"slow_poll_ms" json:"slow_poll_ms"`

	TelemetryMs   int `toml:"telemetry_ms" json:"telemetry_ms"`
	DegradedAfter int `toml:"degraded_after" json:"degraded_after"`
}

// ChatConfig contains chat session settings.
type ChatConfig struct {
	Temperature float64 `toml:"temperature" json:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`

	// AutoLoad loads the model as soon as training completes.
	AutoLoad bool `toml:"auto_load" json:"auto_load"`

	// UnloadOnClose releases the model on the backend when a session ends.
	UnloadOnClose bool `toml:"unload_on_close" json:"unload_on_close"`

	ReconnectAttempts  int `toml:"reconnect_attempts" json:"reconnect_attempts"`
	ReconnectInitialMs int `toml:"reconnect_initial_ms" json:"reconnect_initial_ms"`
	ReconnectMaxMs     int `toml:"reconnect_max_ms" json:"reconnect_max_ms"`
}

// TrainingConfig holds the defaults for new training runs.
type TrainingConfig struct {
	ModelSize      string  `toml:"model_size" json:"model_size"`
	Epochs         int     `toml:"epochs" json:"epochs"`
	LearningRate   float64 `toml:"learning_rate" json:"learning_rate"`
	UseCase        string  `toml:"use_case" json:"use_case"`
	Temperature    float64 `toml:"temperature" json:"temperature"`
	ContinueEpochs int     `toml:"continue_epochs" json:"continue_epochs"`
}

// LoggingConfig controls the application logger.
type LoggingConfig struct {
	Level string `toml:"level" json:"level"`

	// File enables the rotated JSON log. Empty disables it.
	File string `toml:"file" json:"file"`
}

// HistoryConfig controls the transcript archive.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`

	// Keep is the number of newest transcripts retained. 0 keeps all.
	Keep int `toml:"keep" json:"keep"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Backend: BackendConfig{
			TrainingURL:       backend.DefaultTrainingURL,
			InferenceURL:      backend.DefaultInferenceURL,
			StreamURL:         backend.DefaultStreamURL,
			TimeoutSecs:       10,
			UploadTimeoutSecs: 300,
			LoadTimeoutSecs:   120,
			DialTimeoutSecs:   10,
		},
		Polling: PollingConfig{
			FastPollMs:    1000,
			SlowPollMs:    5000,
			TelemetryMs:   5000,
			DegradedAfter: 3,
		},
		Chat: ChatConfig{
			Temperature:        inference.DefaultTemperature,
			MaxTokens:          inference.DefaultMaxTokens,
			AutoLoad:           true,
			UnloadOnClose:      false,
			ReconnectAttempts:  5,
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     8000,
		},
		Training: TrainingConfig{
			ModelSize:      "toy",
			Epochs:         1,
			LearningRate:   5e-5,
			UseCase:        "general",
			Temperature:    0.7,
			ContinueEpochs: 1,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    200,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the trainchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".trainchat"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped and variables that are
// already set are left alone. With no arguments it reads ./.env and
// ~/.trainchat/.env.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
		if dir, err := ConfigDir(); err == nil {
			paths = append(paths, filepath.Join(dir, ".env"))
		}
	}

	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	for _, locate := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := locate()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		return LoadFromPath(path)
	}

	cfg := Default()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON loads configuration from a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. Settings absent from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	// Booleans cannot be zero-filled after decoding, so the file is
	// decoded on top of the defaults.
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies env overrides, migration, defaults, and validation.
func finish(cfg *Config) error {
	cfg.ApplyEnvOverrides()
	if err := cfg.Migrate(); err != nil {
		return fmt.Errorf("config migration failed: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}

	// Backend
	if c.Backend.TrainingURL == "" {
		c.Backend.TrainingURL = d.Backend.TrainingURL
	}
	if c.Backend.InferenceURL == "" {
		c.Backend.InferenceURL = d.Backend.InferenceURL
	}
	if c.Backend.StreamURL == "" {
		c.Backend.StreamURL = d.Backend.StreamURL
	}
	if c.Backend.TimeoutSecs == 0 {
		c.Backend.TimeoutSecs = d.Backend.TimeoutSecs
	}
	if c.Backend.UploadTimeoutSecs == 0 {
		c.Backend.UploadTimeoutSecs = d.Backend.UploadTimeoutSecs
	}
	if c.Backend.LoadTimeoutSecs == 0 {
		c.Backend.LoadTimeoutSecs = d.Backend.LoadTimeoutSecs
	}
	if c.Backend.DialTimeoutSecs == 0 {
		c.Backend.DialTimeoutSecs = d.Backend.DialTimeoutSecs
	}

	// Polling
	if c.Polling.FastPollMs == 0 {
		c.Polling.FastPollMs = d.Polling.FastPollMs
	}
	if c.Polling.SlowPollMs == 0 {
		c.Polling.SlowPollMs = d.Polling.SlowPollMs
	}
	if c.Polling.TelemetryMs == 0 {
		c.Polling.TelemetryMs = d.Polling.TelemetryMs
	}
	if c.Polling.DegradedAfter == 0 {
		c.Polling.DegradedAfter = d.Polling.DegradedAfter
	}

	// Chat
	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = d.Chat.Temperature
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = d.Chat.MaxTokens
	}
	if c.Chat.ReconnectInitialMs == 0 {
		c.Chat.ReconnectInitialMs = d.Chat.ReconnectInitialMs
	}
	if c.Chat.ReconnectMaxMs == 0 {
		c.Chat.ReconnectMaxMs = d.Chat.ReconnectMaxMs
	}

	// Training
	if c.Training.ModelSize == "" {
		c.Training.ModelSize = d.Training.ModelSize
	}
	if c.Training.Epochs == 0 {
		c.Training.Epochs = d.Training.Epochs
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = d.Training.LearningRate
	}
	if c.Training.UseCase == "" {
		c.Training.UseCase = d.Training.UseCase
	}
	if c.Training.Temperature == 0 {
		c.Training.Temperature = d.Training.Temperature
	}
	if c.Training.ContinueEpochs == 0 {
		c.Training.ContinueEpochs = d.Training.ContinueEpochs
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# trainchat configuration file\n")
	buf.WriteString("# Generated by trainchat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Backend
	checkURL := func(field, raw string, schemes ...string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			add(field, "invalid URL '%s'", raw)
			return
		}
		if !slices.Contains(schemes, u.Scheme) {
			add(field, "scheme must be one of: %s", strings.Join(schemes, ", "))
		}
	}
	checkURL("backend.training_url", c.Backend.TrainingURL, "http", "https")
	checkURL("backend.inference_url", c.Backend.InferenceURL, "http", "https")
	checkURL("backend.stream_url", c.Backend.StreamURL, "ws", "wss")

	for field, v := range map[string]int{
		"backend.timeout_secs":        c.Backend.TimeoutSecs,
		"backend.upload_timeout_secs": c.Backend.UploadTimeoutSecs,
		"backend.load_timeout_secs":   c.Backend.LoadTimeoutSecs,
		"backend.dial_timeout_secs":   c.Backend.DialTimeoutSecs,
	} {
		if v <= 0 {
			add(field, "must be positive, got %d", v)
		}
	}

	// Polling
	if c.Polling.FastPollMs < 100 {
		add("polling.fast_poll_ms", "must be at least 100, got %d", c.Polling.FastPollMs)
	}
	if c.Polling.SlowPollMs < c.Polling.FastPollMs {
		add("polling.slow_poll_ms", "must not be shorter than fast_poll_ms (%d), got %d", c.Polling.FastPollMs, c.Polling.SlowPollMs)
	}
	if c.Polling.TelemetryMs < 100 {
		add("polling.telemetry_ms", "must be at least 100, got %d", c.Polling.TelemetryMs)
	}
	if c.Polling.DegradedAfter < 1 {
		add("polling.degraded_after", "must be at least 1, got %d", c.Polling.DegradedAfter)
	}

	// Chat
	if c.Chat.Temperature < 0.1 || c.Chat.Temperature > 1 {
		add("chat.temperature", "must be between 0.1 and 1.0, got %g", c.Chat.Temperature)
	}
	if c.Chat.MaxTokens <= 0 {
		add("chat.max_tokens", "must be positive, got %d", c.Chat.MaxTokens)
	}
	if c.Chat.ReconnectAttempts < 0 {
		add("chat.reconnect_attempts", "must not be negative, got %d", c.Chat.ReconnectAttempts)
	}
	if c.Chat.ReconnectMaxMs < c.Chat.ReconnectInitialMs {
		add("chat.reconnect_max_ms", "must not be shorter than reconnect_initial_ms (%d), got %d", c.Chat.ReconnectInitialMs, c.Chat.ReconnectMaxMs)
	}

	// Training
	if !slices.Contains(backend.ModelSizes, c.Training.ModelSize) {
		add("training.model_size", "invalid size '%s', must be one of: %s", c.Training.ModelSize, strings.Join(backend.ModelSizes, ", "))
	}
	if !slices.Contains(backend.UseCases, c.Training.UseCase) {
		add("training.use_case", "invalid use case '%s', must be one of: %s", c.Training.UseCase, strings.Join(backend.UseCases, ", "))
	}
	if c.Training.Epochs < backend.MinEpochs || c.Training.Epochs > backend.MaxEpochs {
		add("training.epochs", "must be between %d and %d, got %d", backend.MinEpochs, backend.MaxEpochs, c.Training.Epochs)
	}
	if c.Training.ContinueEpochs < backend.MinEpochs || c.Training.ContinueEpochs > backend.MaxEpochs {
		add("training.continue_epochs", "must be between %d and %d, got %d", backend.MinEpochs, backend.MaxEpochs, c.Training.ContinueEpochs)
	}
	if c.Training.LearningRate <= 0 || c.Training.LearningRate > 1 {
		add("training.learning_rate", "must be in (0, 1], got %g", c.Training.LearningRate)
	}
	if c.Training.Temperature < 0.1 || c.Training.Temperature > 1 {
		add("training.temperature", "must be between 0.1 and 1.0, got %g", c.Training.Temperature)
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	// History
	if c.History.Keep < 0 {
		add("history.keep", "must not be negative, got %d", c.History.Keep)
	}

	if len(errs) > 0 {
		slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
		return errs
	}
	return nil
}

// Migrate upgrades configs written by older versions.
func (c *Config) Migrate() error {
	switch c.Version {
	case "", "1":
		// Version 1 kept a single base URL for both services.
		moved := c.Backend.TrainingURL != "" && c.Backend.TrainingURL != backend.DefaultTrainingURL
		if moved && (c.Backend.InferenceURL == "" || c.Backend.InferenceURL == backend.DefaultInferenceURL) {
			if u, err := url.Parse(c.Backend.TrainingURL); err == nil && strings.HasSuffix(u.Path, "/api") {
				u.Path = strings.TrimSuffix(u.Path, "/api") + "/chat-api"
				c.Backend.InferenceURL = u.String()
			}
		}
		c.Version = CurrentVersion
	case CurrentVersion:
	default:
		return fmt.Errorf("unsupported config version %q", c.Version)
	}

	c.Training.ModelSize = strings.ToLower(strings.TrimSpace(c.Training.ModelSize))
	c.Training.UseCase = strings.ToLower(strings.TrimSpace(c.Training.UseCase))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - TRAINCHAT_TRAINING_URL: overrides backend.training_url
//   - TRAINCHAT_INFERENCE_URL: overrides backend.inference_url
//   - TRAINCHAT_STREAM_URL: overrides backend.stream_url
//   - TRAINCHAT_TEMPERATURE: overrides chat.temperature
//   - TRAINCHAT_MAX_TOKENS: overrides chat.max_tokens
//   - TRAINCHAT_AUTO_LOAD: set to "1" or "true" to load models on completion
//   - TRAINCHAT_LOG_LEVEL: overrides logging.level
//   - TRAINCHAT_LOG_FILE: overrides logging.file
//   - TRAINCHAT_HISTORY: set to "0" or "false" to disable the archive
//   - TRAINCHAT_HISTORY_PATH: overrides history.path
//
// Values that do not parse are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TRAINCHAT_TRAINING_URL"); v != "" {
		c.Backend.TrainingURL = v
	}
	if v := os.Getenv("TRAINCHAT_INFERENCE_URL"); v != "" {
		c.Backend.InferenceURL = v
	}
	if v := os.Getenv("TRAINCHAT_STREAM_URL"); v != "" {
		c.Backend.StreamURL = v
	}

	if v := os.Getenv("TRAINCHAT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Chat.Temperature = f
		}
	}
	if v := os.Getenv("TRAINCHAT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chat.MaxTokens = n
		}
	}
	if v := os.Getenv("TRAINCHAT_AUTO_LOAD"); v != "" {
		c.Chat.AutoLoad = parseBool(v)
	}

	if v := os.Getenv("TRAINCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRAINCHAT_LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	if v := os.Getenv("TRAINCHAT_HISTORY"); v != "" {
		c.History.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRAINCHAT_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// =============================================================================
// COMPONENT SETTINGS
// =============================================================================

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
func ms(n int) time.Duration   { return time.Duration(n) * time.Millisecond }

// ClientConfig returns the backend client settings.
func (c *Config) ClientConfig() *backend.ClientConfig {
	return &backend.ClientConfig{
		TrainingURL:   c.Backend.TrainingURL,
		InferenceURL:  c.Backend.InferenceURL,
		StreamURL:     c.Backend.StreamURL,
		Timeout:       secs(c.Backend.TimeoutSecs),
		UploadTimeout: secs(c.Backend.UploadTimeoutSecs),
		LoadTimeout:   secs(c.Backend.LoadTimeoutSecs),
		DialTimeout:   secs(c.Backend.DialTimeoutSecs),
	}
}

// MonitorConfig returns the training monitor settings. The logger is left
// for the caller to set.
func (c *Config) MonitorConfig() training.Config {
	return training.Config{
		FastInterval:  ms(c.Polling.FastPollMs),
		SlowInterval:  ms(c.Polling.SlowPollMs),
		DegradedAfter: c.Polling.DegradedAfter,
	}
}

// SessionConfig returns the chat session settings. The logger and archive
// hook are left for the caller to set.
func (c *Config) SessionConfig() inference.Config {
	return inference.Config{
		ReconnectAttempts: c.Chat.ReconnectAttempts,
		ReconnectInitial:  ms(c.Chat.ReconnectInitialMs),
		ReconnectMax:      ms(c.Chat.ReconnectMaxMs),
	}
}

// ChatDefaults returns the generation settings sent with each turn.
func (c *Config) ChatDefaults() inference.ChatConfig {
	return inference.ChatConfig{Temperature: c.Chat.Temperature, MaxTokens: c.Chat.MaxTokens}
}

// TelemetryInterval returns the system-info poll interval.
func (c *Config) TelemetryInterval() time.Duration {
	return ms(c.Polling.TelemetryMs)
}

// LoggingOptions returns the logger options.
func (c *Config) LoggingOptions() logging.Options {
	opts := logging.DefaultOptions()
	opts.Level = c.Logging.Level
	opts.File = c.Logging.File
	return opts
}

// HistoryPath returns the archive location, falling back to
// ~/.trainchat/history.db.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	dir, err := ConfigDir()
	if err != nil {
		return filepath.Join(".trainchat", "history.db")
	}
	return filepath.Join(dir, "history.db")
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "chat.temperature").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "chat.temperature").
// String values are converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if field.Kind() == reflect.Struct {
		return fmt.Errorf("cannot set section: %s", key)
	}
	return setFieldValue(field, value)
}

// lookup walks the struct by toml tag.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, strings.ReplaceAll(strings.ToLower(part), "-", "_"))
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(strVal))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return errors.New("cannot assign nil")
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone creates a copy of the configuration. Config holds no maps or
// slices, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as indented JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
