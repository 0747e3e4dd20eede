package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
)

// isolate points every platform directory at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv(EnvPrefix+"DATA_DIR", filepath.Join(dir, "app"))
	return dir
}

func TestDefaultConfigValidates(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, envelope.ShareDefault, cfg.Clipboard.ShareMode)
	assert.Equal(t, 200, cfg.Clipboard.DebounceMs)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "core"), cfg.CoreDataDir())
	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
	assert.True(t, strings.HasSuffix(ConfigPath(), "config.toml"))
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := isolate(t)
	cfg, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage, cfg.Storage)
}

func TestLoadFormats(t *testing.T) {
	dir := isolate(t)
	files := map[string]string{
		"c.toml": "version = 2\n[clipboard]\nshare_mode = \"force\"\ndebounce_ms = 50\n[core]\nworkers = 2\n",
		"c.json": `{"version": 2, "clipboard": {"share_mode": "force", "debounce_ms": 50}, "core": {"workers": 2}}`,
		"c.yaml": "version: 2\nclipboard:\n  share_mode: force\n  debounce_ms: 50\ncore:\n  workers: 2\n",
		"c.conf": "version = 2\n[clipboard]\nshare_mode = \"force\"\ndebounce_ms = 50\n[core]\nworkers = 2\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, envelope.ShareForce, cfg.Clipboard.ShareMode)
			assert.Equal(t, 50, cfg.Clipboard.DebounceMs)
			assert.Equal(t, 2, cfg.Core.Workers)
			// untouched sections keep their defaults
			assert.Equal(t, 100, cfg.Clipboard.PollIntervalMs)
			assert.Equal(t, "info", cfg.Core.LogLevel)
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[clipboard\nshare_mode ="), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode TOML")
}

func TestEnvOverrides(t *testing.T) {
	dir := isolate(t)
	t.Setenv(EnvPrefix+"CORE_LIBRARY", "/opt/core/libcore.so")
	t.Setenv(EnvPrefix+"DEVICE_NAME", "desk")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"CAPTURE", "off")
	t.Setenv(EnvPrefix+"API", "yes")
	t.Setenv(EnvPrefix+"SHARE_MODE", "force")

	cfg, err := Load(filepath.Join(dir, "none.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/opt/core/libcore.so", cfg.Core.LibraryPath)
	assert.Equal(t, "/opt/core/libcore.so", cfg.Locator().Path)
	assert.Equal(t, "desk", cfg.DeviceName())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Clipboard.CaptureEnabled)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, envelope.ShareForce, cfg.Clipboard.ShareMode)
	assert.Equal(t, filepath.Join(dir, "app"), cfg.Paths.DataDir)
}

func TestValidationErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Core.LogLevel = "loud"
	cfg.Core.Workers = 0
	cfg.Clipboard.ShareMode = "sometimes"
	cfg.Logging.Output = "printer"
	cfg.IPC.Permissions = "777"
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:7917"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{
		"core.log_level",
		"core.workers",
		"clipboard.share_mode",
		"logging.output",
		"ipc.permissions",
		"api.listen",
	}, fields)
}

func TestValidateAPIListen(t *testing.T) {
	isolate(t)
	for listen, ok := range map[string]bool{
		"127.0.0.1:7917": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		"10.0.0.1:7917":  false,
		"no-port":        false,
	} {
		cfg := DefaultConfig()
		cfg.API.Enabled = true
		cfg.API.Listen = listen
		if ok {
			assert.NoError(t, cfg.Validate(), listen)
		} else {
			assert.Error(t, cfg.Validate(), listen)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Clipboard.ShareMode = envelope.ShareForce
	clone.Core.Workers = 9

	assert.Equal(t, envelope.ShareDefault, cfg.Clipboard.ShareMode)
	assert.Equal(t, 4, cfg.Core.Workers)
}

func TestCoreConfigDocument(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Core.DeviceName = "laptop"
	cfg.Paths.CoreDataDir = filepath.Join(dir, "engine")

	doc := cfg.CoreConfig()
	raw, err := doc.JSON()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "CoreConfig", m["type"])
	assert.Equal(t, "laptop", m["device_name"])
	assert.Equal(t, filepath.ToSlash(filepath.Join(dir, "engine", "data")), m["data_dir"])
	assert.Equal(t, filepath.ToSlash(filepath.Join(dir, "engine", "logs")), m["log_dir"])
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := isolate(t)
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Clipboard.ShareMode = envelope.ShareForce
			cfg.Storage.HistoryCap = 42
			path := filepath.Join(dir, "nested", "config"+ext)

			require.NoError(t, SaveConfig(cfg, path))
			info, err := os.Stat(path)
			require.NoError(t, err)
			if os.PathSeparator == '/' {
				assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			}

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, envelope.ShareForce, loaded.Clipboard.ShareMode)
			assert.Equal(t, 42, loaded.Storage.HistoryCap)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "cfg", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, Version, cfg.Version)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMigrateV1(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n[clipboard]\nshare_mode = \"always\"\n[api]\nlisten = \"\"\n"), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, envelope.ShareForce, cfg.Clipboard.ShareMode)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)

	backups, err := filepath.Glob(path + ".backup-*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	history, err := GetMigrationHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].FromVersion)
	assert.Contains(t, history[0].Changes, "clipboard.share_mode: always -> force")
}

func TestMigrateCurrentIsNoop(t *testing.T) {
	isolate(t)
	res, err := MigrateConfig(DefaultConfig(), "")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLoaderReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 2\n[clipboard]\ncapture_enabled = true\n"), 0o600))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	var captured atomic.Value
	l.OnChange(func(old, new *Config) {
		captured.Store([2]bool{old.Clipboard.CaptureEnabled, new.Clipboard.CaptureEnabled})
	})

	require.NoError(t, os.WriteFile(path, []byte("version = 2\n[clipboard]\ncapture_enabled = false\n"), 0o600))

	require.Eventually(t, func() bool {
		v, ok := captured.Load().([2]bool)
		return ok && v == [2]bool{true, false}
	}, 3*time.Second, 20*time.Millisecond)
	assert.False(t, l.Config().Clipboard.CaptureEnabled)
}

func TestLoaderKeepsConfigOnBadReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 2\n"), 0o600))

	l := NewLoader(path)
	first, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("version = 2\n[clipboard]\nshare_mode = \"nope\"\n"), 0o600))

	select {
	case err := <-l.Errors():
		assert.Contains(t, err.Error(), "validate new config")
	case <-time.After(3 * time.Second):
		t.Fatal("no reload error reported")
	}
	assert.Same(t, first, l.Config())
}
