package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "clipbridge"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/clipbridge/
//   - Linux:   $XDG_DATA_HOME/clipbridge/ or ~/.local/share/clipbridge/
//   - Windows: %APPDATA%\ClipBridge\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return filepath.Join(envOr("APPDATA", homeDir()), "ClipBridge")
	default:
		return filepath.Join(envOr("XDG_DATA_HOME", filepath.Join(homeDir(), ".local", "share")), appName)
	}
}

// PlatformCacheDir returns the platform-specific cache directory.
func PlatformCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", appName)
	case "windows":
		return filepath.Join(envOr("LOCALAPPDATA", homeDir()), "ClipBridge", "cache")
	default:
		return filepath.Join(envOr("XDG_CACHE_HOME", filepath.Join(homeDir(), ".cache")), appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory. macOS
// and Windows keep configuration next to the data.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return filepath.Join(envOr("XDG_CONFIG_HOME", filepath.Join(homeDir(), ".config")), appName)
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(envOr("LOCALAPPDATA", homeDir()), "ClipBridge", "logs")
	default:
		return filepath.Join(envOr("XDG_STATE_HOME", filepath.Join(homeDir(), ".local", "state")), appName)
	}
}

// PlatformRuntimeDir returns the directory for the IPC socket. Windows uses
// named pipes and has none.
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "windows":
		return ""
	case "linux":
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// DefaultPaths collects the default locations for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	CacheDir   string
	LogDir     string
	RuntimeDir string

	ConfigFile   string
	DatabaseFile string
	SocketPath   string
	PIDFile      string
}

// GetDefaultPaths returns the default locations, honouring
// CLIPBRIDGE_DATA_DIR for the data directory.
func GetDefaultPaths() *DefaultPaths {
	dataDir := AppDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		CacheDir:   PlatformCacheDir(),
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DatabaseFile: filepath.Join(dataDir, "clipbridge.db"),
		SocketPath:   defaultSocketPath(runtimeDir),
		PIDFile:      filepath.Join(dataDir, "clipbridged.pid"),
	}
}

func defaultSocketPath(runtimeDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\clipbridge`
	}
	return filepath.Join(runtimeDir, "clipbridged.sock")
}

// SupportedConfigFormats lists the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first config file found in the working
// directory, the config directory or the data directory, or "".
func FindConfigFile() string {
	paths := GetDefaultPaths()
	for _, dir := range []string{".", paths.ConfigDir, paths.DataDir} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
