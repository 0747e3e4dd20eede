package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"clipbridge/internal/envelope"
)

// MigrationResult describes one configuration upgrade.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	At          time.Time `json:"at"`
}

// MigrateConfig upgrades cfg to Version in place. The file at configPath,
// if any, is backed up first and the result is appended to the migration
// history. A nil result means nothing was migrated.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
		At:          time.Now().UTC(),
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	if err := SaveMigrationHistory(result); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("could not record migration: %v", err))
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	return changes, warnings, nil
}

// migrateV1ToV2 handles the first schema. It had no api or notify sections,
// used "auto"/"always" share modes and kept the engine inside the data dir.
func migrateV1ToV2(cfg *Config) (changes, warnings []string) {
	switch strings.ToLower(cfg.Clipboard.ShareMode) {
	case "", "auto":
		cfg.Clipboard.ShareMode = envelope.ShareDefault
		changes = append(changes, "clipboard.share_mode: auto -> default")
	case "always":
		cfg.Clipboard.ShareMode = envelope.ShareForce
		changes = append(changes, "clipboard.share_mode: always -> force")
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
		changes = append(changes, "set default api.listen")
	}

	if cfg.Paths.CoreDataDir == "" && cfg.Paths.DataDir != "" {
		legacy := filepath.Join(cfg.Paths.DataDir, "data")
		if fi, err := os.Stat(legacy); err == nil && fi.IsDir() {
			cfg.Paths.CoreDataDir = cfg.Paths.DataDir
			changes = append(changes, "paths.core_data_dir kept at the v1 location")
		}
	}

	if cfg.Core.Workers <= 0 {
		cfg.Core.Workers = 4
		changes = append(changes, "set default core.workers")
	}
	if cfg.Core.CallTimeoutMs == 0 {
		cfg.Core.CallTimeoutMs = 30000
		changes = append(changes, "set default core.call_timeout_ms")
	}
	if !cfg.Logship.Enabled {
		warnings = append(warnings, "log shipping is disabled; shell logs will not reach the core log store")
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig writes cfg to path in the format chosen by its extension.
// Unknown extensions are written as TOML.
func SaveConfig(cfg *Config, path string) error {
	snapshot := cfg.Clone()

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(snapshot)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func migrationHistoryPath() string {
	return filepath.Join(AppDir(), "migration_history.json")
}

// GetMigrationHistory returns past migrations, oldest first.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}
	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
