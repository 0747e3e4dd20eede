package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"clipbridge/internal/envelope"
	"clipbridge/internal/logging"
)

// ErrInvalidConfig is matched by every ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one invalid setting.
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
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns ValidationErrors or nil.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	errs = append(errs, validateCore(&c.Core)...)
	errs = append(errs, validatePaths(&c.Paths)...)
	errs = append(errs, validateClipboard(&c.Clipboard)...)
	errs = append(errs, validateLogship(&c.Logship)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateAPI(&c.API)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

var engineLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

func validateCore(c *CoreSection) ValidationErrors {
	var errs ValidationErrors
	if c.LibraryPath != "" && !filepath.IsAbs(expandPath(c.LibraryPath)) {
		errs.add("core.library_path", "must be an absolute path: %s", c.LibraryPath)
	}
	if strings.ContainsAny(c.LibraryName, `/\`) {
		errs.add("core.library_name", "must be a file name, not a path: %s", c.LibraryName)
	}
	if c.SearchDepth < 0 || c.SearchDepth > 16 {
		errs = append(errs, *RangeError("core.search_depth", 0, 16))
	}
	if !engineLevels[strings.ToLower(c.LogLevel)] {
		errs.add("core.log_level", "invalid engine log level: %s (valid: trace, debug, info, warn, error)", c.LogLevel)
	}
	for field, v := range map[string]int64{
		"core.text_max_bytes":  c.TextMaxBytes,
		"core.image_max_bytes": c.ImageMaxBytes,
		"core.file_max_bytes":  c.FileMaxBytes,
	} {
		if v <= 0 {
			errs.add(field, "must be positive")
		}
	}
	if c.Workers < 1 || c.Workers > 64 {
		errs = append(errs, *RangeError("core.workers", 1, 64))
	}
	if c.CallTimeoutMs < 0 {
		errs.add("core.call_timeout_ms", "cannot be negative")
	}
	return errs
}

func validatePaths(p *PathsConfig) ValidationErrors {
	var errs ValidationErrors
	if p.DataDir == "" {
		errs = append(errs, *RequiredFieldError("paths.data_dir"))
	}
	if p.CacheDir == "" {
		errs = append(errs, *RequiredFieldError("paths.cache_dir"))
	}
	if p.LogDir == "" {
		errs = append(errs, *RequiredFieldError("paths.log_dir"))
	}
	return errs
}

func validateClipboard(c *ClipboardConfig) ValidationErrors {
	var errs ValidationErrors
	if c.PollIntervalMs < 10 || c.PollIntervalMs > 10000 {
		errs = append(errs, *RangeError("clipboard.poll_interval_ms", 10, 10000))
	}
	if c.DebounceMs < 0 || c.DebounceMs > 10000 {
		errs = append(errs, *RangeError("clipboard.debounce_ms", 0, 10000))
	}
	switch c.ShareMode {
	case envelope.ShareDefault, envelope.ShareForce:
	default:
		errs.add("clipboard.share_mode", "invalid share mode: %s (valid: default, force)", c.ShareMode)
	}
	if c.ApplyTimeoutSec < 1 {
		errs.add("clipboard.apply_timeout_sec", "must be at least 1 second")
	}
	return errs
}

func validateLogship(l *LogshipConfig) ValidationErrors {
	var errs ValidationErrors
	if !l.Enabled {
		return errs
	}
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.add("logship.level", "%v", err)
	}
	if l.QueueCapacity < 1 {
		errs.add("logship.queue_capacity", "must be at least 1")
	}
	if l.BatchSize < 1 || l.BatchSize > l.QueueCapacity {
		errs.add("logship.batch_size", "must be between 1 and queue_capacity")
	}
	if l.FlushIntervalMs < 10 {
		errs.add("logship.flush_interval_ms", "must be at least 10 ms")
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs.add("storage.busy_timeout_ms", "cannot be negative")
	}
	if s.HistoryCap < 0 {
		errs.add("storage.history_cap", "cannot be negative")
	}
	if s.StashCap < 0 {
		errs.add("storage.stash_cap", "cannot be negative")
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs.add("logging.format", "%v (valid: text, json)", err)
	}
	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when output is '%s'", l.Output)
		}
	default:
		errs.add("logging.output", "invalid output: %q (valid: stdout, stderr, file, both, discard)", l.Output)
	}
	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}
	return errs
}

var permPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors
	if !i.Enabled {
		return errs
	}
	if i.SocketPath == "" {
		errs.add("ipc.socket_path", "socket path is required when IPC is enabled")
	}
	if i.Permissions != "" && !permPattern.MatchString(i.Permissions) {
		errs.add("ipc.permissions", "invalid permissions format: %s (expected octal like 0600)", i.Permissions)
	}
	if i.MaxConnections < 1 {
		errs.add("ipc.max_connections", "max connections must be at least 1")
	}
	if i.TimeoutSec < 1 {
		errs.add("ipc.timeout_sec", "timeout must be at least 1 second")
	}
	return errs
}

func validateAPI(a *APIConfig) ValidationErrors {
	var errs ValidationErrors
	if !a.Enabled {
		return errs
	}
	host, _, err := net.SplitHostPort(a.Listen)
	if err != nil {
		errs.add("api.listen", "invalid address %q: %v", a.Listen, err)
		return errs
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		errs.add("api.listen", "must be a loopback address: %s", a.Listen)
	}
	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// RequiredFieldError reports a missing required setting.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError reports an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}
