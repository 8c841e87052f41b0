package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds all CLI configuration options. A zero value (empty
// string or 0) counts as unset, so a later source only overrides the
// fields it sets to something non-zero. The boolean fields are pointers
// so that an explicit false can still override an earlier true.
type Config struct {
	LatticePath           string `json:"lattice_path"`
	MaxNodes              uint64 `json:"max_nodes"`
	CellSize              uint32 `json:"cell_size"`
	NameMax               uint32 `json:"name_max"`
	DataMax               uint32 `json:"data_max"`
	WALEnabled            *bool  `json:"wal_enabled"`
	WALFlushIntervalMS    uint32 `json:"wal_flush_interval_ms"`
	WALFlushBatch         int    `json:"wal_flush_batch"`
	AutoSaveIntervalMS    uint32 `json:"auto_save_interval_ms"`
	AutoSaveIntervalNodes uint64 `json:"auto_save_interval_nodes"`
	LicenseKey            string `json:"license_key"`
	Preallocate           *bool  `json:"preallocate"`
}

// ConfigFileName is the project-local config file name.
const ConfigFileName = ".synrix.json"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigInvalid      = errors.New("invalid config file")
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LatticePath: "synrix.lat",
	}
}

// globalConfigPath resolves $XDG_CONFIG_HOME/synrix/config.json,
// falling back to ~/.config/synrix/config.json. Empty when the home
// directory cannot be determined.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "synrix", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "synrix", "config.json")
}

// LoadConfig loads configuration with the following precedence
// (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config (.synrix.json in workDir, if present)
//  4. Explicit config file via configPath (if non-empty)
func LoadConfig(workDir, configPath string, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(env); path != "" {
		loaded, err := loadConfigFile(path)
		if err != nil && !errors.Is(err, errConfigFileNotFound) {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, loaded)
	}

	projectPath := filepath.Join(workDir, ConfigFileName)

	loaded, err := loadConfigFile(projectPath)
	if err != nil && !errors.Is(err, errConfigFileNotFound) {
		return Config{}, err
	}

	cfg = mergeConfig(cfg, loaded)

	if configPath != "" {
		loaded, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, loaded)
	}

	return cfg, nil
}

// loadConfigFile reads a HuJSON config file (comments and trailing
// commas allowed).
func loadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errConfigFileNotFound
		}

		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w: %w", path, errConfigInvalid, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w: %w", path, errConfigInvalid, err)
	}

	return cfg, nil
}

// mergeConfig overlays set fields of override onto base.
func mergeConfig(base, override Config) Config {
	if override.LatticePath != "" {
		base.LatticePath = override.LatticePath
	}

	if override.MaxNodes != 0 {
		base.MaxNodes = override.MaxNodes
	}

	if override.CellSize != 0 {
		base.CellSize = override.CellSize
	}

	if override.NameMax != 0 {
		base.NameMax = override.NameMax
	}

	if override.DataMax != 0 {
		base.DataMax = override.DataMax
	}

	if override.WALEnabled != nil {
		base.WALEnabled = override.WALEnabled
	}

	if override.WALFlushIntervalMS != 0 {
		base.WALFlushIntervalMS = override.WALFlushIntervalMS
	}

	if override.WALFlushBatch != 0 {
		base.WALFlushBatch = override.WALFlushBatch
	}

	if override.AutoSaveIntervalMS != 0 {
		base.AutoSaveIntervalMS = override.AutoSaveIntervalMS
	}

	if override.AutoSaveIntervalNodes != 0 {
		base.AutoSaveIntervalNodes = override.AutoSaveIntervalNodes
	}

	if override.LicenseKey != "" {
		base.LicenseKey = override.LicenseKey
	}

	if override.Preallocate != nil {
		base.Preallocate = override.Preallocate
	}

	return base
}
