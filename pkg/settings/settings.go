// Package settings manages persistent configuration for droidlab.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultClaimDir is used when no override is configured.
const DefaultClaimDir = "/var/lib/droidlab/claims"

// DefaultSnapshotDir is used when no override is configured.
const DefaultSnapshotDir = "/var/lib/droidlab/snapshots"

// DefaultBasePort is the first console port PCA scans from.
const DefaultBasePort = 5554

// DefaultBootTimeoutSeconds matches the emulator boot poll deadline in §4.3.
const DefaultBootTimeoutSeconds = 60

// DefaultMaxIdleSeconds matches the Environment Worker's idle-GC threshold.
const DefaultMaxIdleSeconds = 3600

const (
	// DefaultAuditMaxSizeMB is the default maximum audit log size in megabytes.
	DefaultAuditMaxSizeMB = 10
	// DefaultAuditMaxBackups is the default maximum number of rotated audit log files.
	DefaultAuditMaxBackups = 10
)

// Settings holds persistent droidlab configuration.
type Settings struct {
	// BridgeBinary is the path to the device-bridge CLI (e.g. "adb").
	BridgeBinary string `json:"bridge_binary,omitempty" yaml:"bridge_binary,omitempty"`

	// AVDName is the Android Virtual Device profile new emulators boot from.
	AVDName string `json:"avd_name,omitempty" yaml:"avd_name,omitempty"`

	// ClaimDir holds the <device_id>.lock files used by the port allocator.
	ClaimDir string `json:"claim_dir,omitempty" yaml:"claim_dir,omitempty"`

	// SnapshotDir holds per-trajectory SnapshotMeta JSON files.
	SnapshotDir string `json:"snapshot_dir,omitempty" yaml:"snapshot_dir,omitempty"`

	// LogDir holds per-trajectory emulator stdout/stderr logs.
	LogDir string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`

	// BasePort is the first console port the allocator scans from.
	BasePort int `json:"base_port,omitempty" yaml:"base_port,omitempty"`

	// BootTimeoutSeconds bounds ES.startup's boot-completed poll.
	BootTimeoutSeconds int `json:"boot_timeout_seconds,omitempty" yaml:"boot_timeout_seconds,omitempty"`

	// MaxIdleSeconds is the Environment Worker's idle-trajectory threshold.
	MaxIdleSeconds int `json:"max_idle_seconds,omitempty" yaml:"max_idle_seconds,omitempty"`

	// AuditLogPath overrides the default audit log path.
	AuditLogPath string `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"`

	// AuditMaxSizeMB is the max audit log size in MB before rotation.
	AuditMaxSizeMB int `json:"audit_max_size_mb,omitempty" yaml:"audit_max_size_mb,omitempty"`

	// AuditMaxBackups is the max number of rotated audit log files.
	AuditMaxBackups int `json:"audit_max_backups,omitempty" yaml:"audit_max_backups,omitempty"`

	// RedisAddr, if set, enables the shared trajectory registry cache.
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`

	// ActionMapPath, if set, points at a YAML file overriding the keycode
	// and app-activity maps used by step execution.
	ActionMapPath string `json:"action_map_path,omitempty" yaml:"action_map_path,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "droidlab_settings.json"
	}
	return filepath.Join(home, ".droidlab", "settings.json")
}

// Load reads settings from the default location.
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. The format is chosen by
// file extension: ".yaml"/".yml" is parsed as YAML, everything else as JSON.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if isYAMLPath(path) {
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes settings to the default location.
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path, in the format implied by its
// extension (see LoadFrom).
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if isYAMLPath(path) {
		data, err = yaml.Marshal(s)
	} else {
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetBridgeBinary returns the bridge CLI path with a fallback default.
func (s *Settings) GetBridgeBinary() string {
	if s.BridgeBinary != "" {
		return s.BridgeBinary
	}
	return "adb"
}

// GetClaimDir returns the claim directory with a fallback default.
func (s *Settings) GetClaimDir() string {
	if s.ClaimDir != "" {
		return s.ClaimDir
	}
	return DefaultClaimDir
}

// GetSnapshotDir returns the snapshot directory with a fallback default.
func (s *Settings) GetSnapshotDir() string {
	if s.SnapshotDir != "" {
		return s.SnapshotDir
	}
	return DefaultSnapshotDir
}

// GetBasePort returns the base port with a fallback default.
func (s *Settings) GetBasePort() int {
	if s.BasePort > 0 {
		return s.BasePort
	}
	return DefaultBasePort
}

// GetBootTimeoutSeconds returns the boot timeout with a fallback default.
func (s *Settings) GetBootTimeoutSeconds() int {
	if s.BootTimeoutSeconds > 0 {
		return s.BootTimeoutSeconds
	}
	return DefaultBootTimeoutSeconds
}

// GetMaxIdleSeconds returns the idle threshold with a fallback default.
func (s *Settings) GetMaxIdleSeconds() int {
	if s.MaxIdleSeconds > 0 {
		return s.MaxIdleSeconds
	}
	return DefaultMaxIdleSeconds
}

// GetAuditLogPath returns the audit log path with a fallback default.
func (s *Settings) GetAuditLogPath() string {
	if s.AuditLogPath != "" {
		return s.AuditLogPath
	}
	return "/var/log/droidlab/audit.log"
}

// GetAuditMaxSizeMB returns the audit max size in MB with a default of 10.
func (s *Settings) GetAuditMaxSizeMB() int {
	if s.AuditMaxSizeMB > 0 {
		return s.AuditMaxSizeMB
	}
	return DefaultAuditMaxSizeMB
}

// GetAuditMaxBackups returns the audit max backups with a default of 10.
func (s *Settings) GetAuditMaxBackups() int {
	if s.AuditMaxBackups > 0 {
		return s.AuditMaxBackups
	}
	return DefaultAuditMaxBackups
}

// Clear resets all settings to defaults.
func (s *Settings) Clear() {
	*s = Settings{}
}
