// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/reconcile"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete configuration.
type Config struct {
	Version  string `toml:"version" json:"version"`
	LogLevel string `toml:"log_level" json:"log_level"`

	Storage StorageConfig `toml:"storage" json:"storage"`
	Client  ClientConfig  `toml:"client" json:"client"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Gemini  GeminiConfig  `toml:"gemini" json:"gemini"`
	Chat    ChatConfig    `toml:"chat" json:"chat"`
}

// StorageConfig selects where sessions are persisted.
type StorageConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend"`
	// DataDir holds session files or the SQLite database.
	// Empty means ~/.chatcore/sessions.
	DataDir string `toml:"data_dir" json:"data_dir"`
	// Watch publishes session files changed by other processes (file
	// backend only).
	Watch bool `toml:"watch" json:"watch"`
	// WatchDebounceMs coalesces bursts of file events.
	WatchDebounceMs int `toml:"watch_debounce_ms" json:"watch_debounce_ms"`
}

// ClientConfig points the process at a remote inference endpoint. When
// Endpoint is empty replies are generated in-process with Gemini.
type ClientConfig struct {
	Endpoint          string  `toml:"endpoint" json:"endpoint"`
	APIKey            string  `toml:"api_key" json:"api_key"`
	TimeoutSecs       int     `toml:"timeout_secs" json:"timeout_secs"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	MaxRetries        int     `toml:"max_retries" json:"max_retries"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`
	// RateLimit is requests per minute per client. Zero disables it.
	RateLimit      int      `toml:"rate_limit" json:"rate_limit"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// GeminiConfig holds the upstream credentials.
type GeminiConfig struct {
	APIKey string `toml:"api_key" json:"api_key"`
}

// ChatConfig holds conversation behavior.
type ChatConfig struct {
	// DefaultReasoning is "low", "medium" or "high".
	DefaultReasoning string `toml:"default_reasoning" json:"default_reasoning"`
	// MaxAttachmentBytes caps each attached file. It cannot exceed 10 MiB.
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes" json:"max_attachment_bytes"`
	// RegeneratePolicy is "trailing-turn" or "all-assistant".
	RegeneratePolicy string `toml:"regenerate_policy" json:"regenerate_policy"`
	// IdleTimeoutMins evicts idle conversations from memory. Zero keeps them.
	IdleTimeoutMins int `toml:"idle_timeout_mins" json:"idle_timeout_mins"`
}

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = "1"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:  CurrentVersion,
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:         storage.BackendFile,
			Watch:           true,
			WatchDebounceMs: 200,
		},
		Client: ClientConfig{
			TimeoutSecs:       30,
			RequestsPerSecond: 2,
			MaxRetries:        3,
		},
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8787,
			RateLimit: 100,
		},
		Chat: ChatConfig{
			DefaultReasoning:   string(model.DefaultReasoningLevel),
			MaxAttachmentBytes: model.MaxAttachmentSize,
			RegeneratePolicy:   reconcile.PolicyTrailingTurn.String(),
			IdleTimeoutMins:    30,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatcore"), nil
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

// ensureSecurePermissions restricts config files to the owner, since they
// may hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.chatcore/config.toml, then config.json, then falls back to
// defaults. .env files and environment overrides are applied last.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		cfg := Default()
		return cfg, cfg.finish()
	}
	return LoadDir(dir)
}

// LoadDir is Load with the config directory given explicitly. A file that
// exists but cannot be parsed is reported alongside the defaults.
func LoadDir(dir string) (*Config, error) {
	cfg := Default()
	var loadErr error

	for _, candidate := range []struct {
		path string
		load func(*Config, string) error
	}{
		{filepath.Join(dir, "config.toml"), LoadTOML},
		{filepath.Join(dir, "config.json"), LoadJSON},
	} {
		if _, statErr := os.Stat(candidate.path); statErr != nil {
			continue
		}
		if err := candidate.load(cfg, candidate.path); err != nil {
			loadErr = fmt.Errorf("failed to load %s: %w", filepath.Base(candidate.path), err)
			cfg = Default()
			continue
		}
		if err := cfg.finish(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads one file. The format follows the extension; anything
// other than .json is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	load := LoadTOML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		load = LoadJSON
	}
	if err := load(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if err := LoadDotEnv(); err != nil {
		logging.Warn("DOTENV_LOAD_FAIL", "error", err)
	}
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logging.Warn("CONFIG_PERMISSIONS", "path", path, "error", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logging.Warn("CONFIG_PERMISSIONS", "path", path, "error", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadDotEnv loads the given .env files (".env" when none are given) into
// the environment. Missing files are ignored and variables that are already
// set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to ~/.chatcore/config.toml.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# chatcore configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON with owner-only permissions.
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns ValidateErrors listing all
// problems, or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level", "%v", err)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendMemory:
	default:
		add("storage.backend", "invalid backend '%s', must be one of: file, sqlite, memory", c.Storage.Backend)
	}
	if c.Storage.WatchDebounceMs < 0 {
		add("storage.watch_debounce_ms", "must not be negative")
	}

	if c.Client.Endpoint != "" {
		u, err := url.Parse(c.Client.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("client.endpoint", "invalid URL '%s', must be http(s)://host[:port]", c.Client.Endpoint)
		}
	}
	if c.Client.TimeoutSecs < 1 || c.Client.TimeoutSecs > 600 {
		add("client.timeout_secs", "must be between 1 and 600, got %d", c.Client.TimeoutSecs)
	}
	if c.Client.RequestsPerSecond < 0 {
		add("client.requests_per_second", "must not be negative")
	}
	if c.Client.MaxRetries < 0 || c.Client.MaxRetries > 10 {
		add("client.max_retries", "must be between 0 and 10, got %d", c.Client.MaxRetries)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}

	if _, err := model.ParseReasoningLevel(c.Chat.DefaultReasoning); err != nil {
		add("chat.default_reasoning", "%v", err)
	}
	if c.Chat.MaxAttachmentBytes < 1 || c.Chat.MaxAttachmentBytes > model.MaxAttachmentSize {
		add("chat.max_attachment_bytes", "must be between 1 and %d, got %d", model.MaxAttachmentSize, c.Chat.MaxAttachmentBytes)
	}
	if _, err := reconcile.ParsePolicy(c.Chat.RegeneratePolicy); err != nil {
		add("chat.regenerate_policy", "%v", err)
	}
	if c.Chat.IdleTimeoutMins < 0 {
		add("chat.idle_timeout_mins", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that have no meaningful zero.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Storage.DataDir = filepath.Join(dir, "sessions")
		}
	}
	if c.Client.TimeoutSecs == 0 {
		c.Client.TimeoutSecs = d.Client.TimeoutSecs
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Chat.DefaultReasoning == "" {
		c.Chat.DefaultReasoning = d.Chat.DefaultReasoning
	}
	if c.Chat.MaxAttachmentBytes == 0 {
		c.Chat.MaxAttachmentBytes = d.Chat.MaxAttachmentBytes
	}
	if c.Chat.RegeneratePolicy == "" {
		c.Chat.RegeneratePolicy = d.Chat.RegeneratePolicy
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - CHATCORE_LOG_LEVEL: log_level
//   - CHATCORE_STORAGE: storage.backend
//   - CHATCORE_DATA_DIR: storage.data_dir
//   - CHATCORE_WATCH: storage.watch
//   - CHATCORE_ENDPOINT: client.endpoint
//   - CHATCORE_API_KEY: client.api_key
//   - CHATCORE_HOST, CHATCORE_PORT: server.host, server.port
//   - CHATCORE_REASONING: chat.default_reasoning
//   - CHATCORE_REGENERATE_POLICY: chat.regenerate_policy
//   - GOOGLE_GENERATIVE_AI_API_KEY: gemini.api_key
//
// Unparseable numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides() {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setString("CHATCORE_LOG_LEVEL", &c.LogLevel)
	setString("CHATCORE_STORAGE", &c.Storage.Backend)
	setString("CHATCORE_DATA_DIR", &c.Storage.DataDir)
	setString("CHATCORE_ENDPOINT", &c.Client.Endpoint)
	setString("CHATCORE_API_KEY", &c.Client.APIKey)
	setString("CHATCORE_HOST", &c.Server.Host)
	setString("CHATCORE_REASONING", &c.Chat.DefaultReasoning)
	setString("CHATCORE_REGENERATE_POLICY", &c.Chat.RegeneratePolicy)
	setString("GOOGLE_GENERATIVE_AI_API_KEY", &c.Gemini.APIKey)

	if v := os.Getenv("CHATCORE_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.Watch = b
		}
	}
	if v := os.Getenv("CHATCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

// ClientTimeout returns the request timeout.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutSecs) * time.Second
}

// WatchDebounce returns the watcher debounce interval.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Storage.WatchDebounceMs) * time.Millisecond
}

// IdleTimeout returns the conversation eviction timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Chat.IdleTimeoutMins) * time.Minute
}

// ReasoningLevel returns the parsed default reasoning level.
func (c *Config) ReasoningLevel() model.ReasoningLevel {
	l, err := model.ParseReasoningLevel(c.Chat.DefaultReasoning)
	if err != nil {
		return model.DefaultReasoningLevel
	}
	return l
}

// Policy returns the parsed regenerate policy.
func (c *Config) Policy() reconcile.Policy {
	p, _ := reconcile.ParsePolicy(c.Chat.RegeneratePolicy)
	return p
}

// =============================================================================
// CLONE & STRING
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.AllowedOrigins != nil {
		clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	return &clone
}

// String returns the config as JSON with API keys redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Client.APIKey != "" {
		safe.Client.APIKey = "[REDACTED]"
	}
	if safe.Gemini.APIKey != "" {
		safe.Gemini.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
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

// Global returns the global configuration, loading it on first access.
// Load errors are logged and defaults are used.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			logging.Warn("CONFIG_LOAD_FAIL", "error", err)
		}
		if cfg == nil {
			cfg = Default()
			cfg.SetDefaults()
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

// SetGlobal sets the global configuration instance.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ReloadGlobal reloads the configuration from disk. On error the current
// global config is kept.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
