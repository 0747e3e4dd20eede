// Package config handles configuration loading, validation, and hot reload
// for clipbridged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"clipbridge/internal/engine"
	"clipbridge/internal/envelope"
	"clipbridge/internal/logging"
)

// Version is the current configuration schema version.
const Version = 2

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLIPBRIDGE_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Core configures the native engine and how it is loaded.
	Core CoreSection `toml:"core" json:"core" yaml:"core"`

	Paths     PathsConfig     `toml:"paths" json:"paths" yaml:"paths"`
	Clipboard ClipboardConfig `toml:"clipboard" json:"clipboard" yaml:"clipboard"`
	Logship   LogshipConfig   `toml:"logship" json:"logship" yaml:"logship"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	IPC       IPCConfig       `toml:"ipc" json:"ipc" yaml:"ipc"`
	API       APIConfig       `toml:"api" json:"api" yaml:"api"`
	Notify    NotifyConfig    `toml:"notify" json:"notify" yaml:"notify"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CoreSection configures the engine.
type CoreSection struct {
	// LibraryPath, when set, is loaded as is without searching.
	LibraryPath string `toml:"library_path" json:"library_path" yaml:"library_path"`

	// LibraryName overrides the platform file name searched for.
	LibraryName string `toml:"library_name" json:"library_name" yaml:"library_name"`

	// SearchDepth is how many parents of the executable directory are searched.
	SearchDepth int `toml:"search_depth" json:"search_depth" yaml:"search_depth"`

	// DeviceName is announced to peers. Empty uses the host name.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`

	// LogLevel is passed to the engine's own logger.
	LogLevel string `toml:"log_level" json:"log_level" yaml:"log_level"`

	TextMaxBytes  int64 `toml:"text_max_bytes" json:"text_max_bytes" yaml:"text_max_bytes"`
	ImageMaxBytes int64 `toml:"image_max_bytes" json:"image_max_bytes" yaml:"image_max_bytes"`
	FileMaxBytes  int64 `toml:"file_max_bytes" json:"file_max_bytes" yaml:"file_max_bytes"`

	// Workers bounds concurrent engine calls.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// CallTimeoutMs bounds how long a caller waits for one engine call.
	CallTimeoutMs int `toml:"call_timeout_ms" json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

// PathsConfig holds the directory layout.
type PathsConfig struct {
	DataDir  string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
	CacheDir string `toml:"cache_dir" json:"cache_dir" yaml:"cache_dir"`
	LogDir   string `toml:"log_dir" json:"log_dir" yaml:"log_dir"`

	// CoreDataDir is the root of the engine's own directories. Empty means
	// <data_dir>/core.
	CoreDataDir string `toml:"core_data_dir" json:"core_data_dir" yaml:"core_data_dir"`
}

// ClipboardConfig controls capture and apply.
type ClipboardConfig struct {
	// CaptureEnabled starts the watcher with capture on.
	CaptureEnabled bool `toml:"capture_enabled" json:"capture_enabled" yaml:"capture_enabled"`

	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// DebounceMs is how long the clipboard must be stable before ingest.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// ShareMode is sent with every ingested snapshot: "default" or "force".
	ShareMode string `toml:"share_mode" json:"share_mode" yaml:"share_mode"`

	ApplyTimeoutSec int `toml:"apply_timeout_sec" json:"apply_timeout_sec" yaml:"apply_timeout_sec"`
}

// LogshipConfig controls shipping shell logs into the engine's log store.
type LogshipConfig struct {
	Enabled         bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Level           string `toml:"level" json:"level" yaml:"level"`
	QueueCapacity   int    `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`
	BatchSize       int    `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
	FlushIntervalMs int    `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`
}

// StorageConfig configures the local SQLite store.
type StorageConfig struct {
	Path          string `toml:"path" json:"path" yaml:"path"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	HistoryCap    int    `toml:"history_cap" json:"history_cap" yaml:"history_cap"`
	StashCap      int    `toml:"stash_cap" json:"stash_cap" yaml:"stash_cap"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is "trace", "debug", "info", "warn", "error" or "critical".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds local-socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket (or named pipe on Windows).
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// APIConfig holds the loopback HTTP status surface.
type APIConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// NotifyConfig controls desktop notifications.
type NotifyConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultAPIListen is the default status address.
const DefaultAPIListen = "127.0.0.1:7917"

// DefaultConfig returns a configuration with the platform defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	limits := envelope.DefaultLimits()

	return &Config{
		Version: Version,
		Core: CoreSection{
			SearchDepth:   engine.DefaultSearchDepth,
			LogLevel:      "info",
			TextMaxBytes:  limits.TextMaxBytes,
			ImageMaxBytes: limits.ImageMaxBytes,
			FileMaxBytes:  limits.FileMaxBytes,
			Workers:       4,
			CallTimeoutMs: 30000,
		},
		Paths: PathsConfig{
			DataDir:  paths.DataDir,
			CacheDir: paths.CacheDir,
			LogDir:   paths.LogDir,
		},
		Clipboard: ClipboardConfig{
			CaptureEnabled:  true,
			PollIntervalMs:  100,
			DebounceMs:      200,
			ShareMode:       envelope.ShareDefault,
			ApplyTimeoutSec: 120,
		},
		Logship: LogshipConfig{
			Enabled:         true,
			Level:           "info",
			QueueCapacity:   1000,
			BatchSize:       50,
			FlushIntervalMs: 100,
		},
		Storage: StorageConfig{
			Path:          paths.DatabaseFile,
			BusyTimeoutMs: 5000,
			HistoryCap:    500,
			StashCap:      10000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			FilePath:   filepath.Join(paths.LogDir, "clipbridged.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  DefaultAPIListen,
		},
		Notify: NotifyConfig{Enabled: true},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// AppDir returns the base data directory, honouring CLIPBRIDGE_DATA_DIR.
func AppDir() string {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		return v
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON and YAML are chosen by extension. Environment overrides are
// applied last.
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

// Validate checks the configuration.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.CacheDir,
		c.Paths.LogDir,
		c.CoreDataDir(),
		filepath.Dir(c.Storage.Path),
	}
	if c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	c.mu.RUnlock()

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies CLIPBRIDGE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		switch strings.ToLower(os.Getenv(EnvPrefix + name)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}

	str("CORE_LIBRARY", &c.Core.LibraryPath)
	str("DEVICE_NAME", &c.Core.DeviceName)
	str("CORE_LOG_LEVEL", &c.Core.LogLevel)
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	str("CORE_DATA_DIR", &c.Paths.CoreDataDir)
	str("STORAGE_PATH", &c.Storage.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_PATH", &c.Logging.FilePath)
	str("SOCKET_PATH", &c.IPC.SocketPath)
	str("API_LISTEN", &c.API.Listen)
	str("SHARE_MODE", &c.Clipboard.ShareMode)
	flag("CAPTURE", &c.Clipboard.CaptureEnabled)
	flag("LOGSHIP", &c.Logship.Enabled)
	flag("API", &c.API.Enabled)
	flag("NOTIFY", &c.Notify.Enabled)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version:   c.Version,
		Core:      c.Core,
		Paths:     c.Paths,
		Clipboard: c.Clipboard,
		Logship:   c.Logship,
		Storage:   c.Storage,
		Logging:   c.Logging,
		IPC:       c.IPC,
		API:       c.API,
		Notify:    c.Notify,
	}
}

// CoreDataDir returns the engine's root directory.
func (c *Config) CoreDataDir() string {
	if c.Paths.CoreDataDir != "" {
		return c.Paths.CoreDataDir
	}
	return filepath.Join(c.Paths.DataDir, "core")
}

// DeviceName returns the configured device name or the host name.
func (c *Config) DeviceName() string {
	if c.Core.DeviceName != "" {
		return c.Core.DeviceName
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "clipbridge"
}

// CoreConfig renders the engine's init document. The engine keeps its data,
// cache and logs under CoreDataDir.
func (c *Config) CoreConfig() envelope.CoreConfig {
	root := c.CoreDataDir()
	return envelope.NewCoreConfig(
		filepath.Join(root, "data"),
		filepath.Join(root, "cache"),
		filepath.Join(root, "logs"),
		c.DeviceName(),
		c.Core.LogLevel,
		envelope.Limits{
			TextMaxBytes:  c.Core.TextMaxBytes,
			ImageMaxBytes: c.Core.ImageMaxBytes,
			FileMaxBytes:  c.Core.FileMaxBytes,
		},
	)
}

// Locator returns the engine library locator.
func (c *Config) Locator() engine.Locator {
	return engine.Locator{
		Path:  c.Core.LibraryPath,
		Name:  c.Core.LibraryName,
		Depth: c.Core.SearchDepth,
	}
}

// CallTimeout returns the per-call timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Core.CallTimeoutMs) * time.Millisecond
}

// LogConfig converts the logging section. Invalid values fall back to
// the logging package defaults; Validate reports them.
func (c *Config) LogConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = f
	}
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc
}
