package envelope

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Limits bounds the content sizes the engine will accept.
type Limits struct {
	TextMaxBytes  int64 `json:"text_max_bytes"`
	ImageMaxBytes int64 `json:"image_max_bytes"`
	FileMaxBytes  int64 `json:"file_max_bytes"`
}

// DefaultLimits mirrors the engine's own defaults.
func DefaultLimits() Limits {
	return Limits{
		TextMaxBytes:  1_000_000,
		ImageMaxBytes: 30_000_000,
		FileMaxBytes:  200_000_000,
	}
}

// CoreConfig is the configuration document passed to the engine's init.
type CoreConfig struct {
	Type       string `json:"type"`
	DataDir    string `json:"data_dir"`
	CacheDir   string `json:"cache_dir"`
	LogDir     string `json:"log_dir"`
	DeviceName string `json:"device_name"`
	LogLevel   string `json:"log_level"`
	Limits     Limits `json:"limits"`
}

// NewCoreConfig builds a CoreConfig with forward-slash paths, which is the
// form the engine expects on every platform.
func NewCoreConfig(dataDir, cacheDir, logDir, deviceName, logLevel string, limits Limits) CoreConfig {
	return CoreConfig{
		Type:       "CoreConfig",
		DataDir:    filepath.ToSlash(dataDir),
		CacheDir:   filepath.ToSlash(cacheDir),
		LogDir:     filepath.ToSlash(logDir),
		DeviceName: deviceName,
		LogLevel:   logLevel,
		Limits:     limits,
	}
}

// JSON renders and validates the document.
func (c CoreConfig) JSON() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal core config: %w", err)
	}
	if err := ValidateCoreConfig(b); err != nil {
		return "", fmt.Errorf("core config: %w", err)
	}
	return string(b), nil
}
