package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 53317
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// EnvPrefix scopes environment overrides, e.g. LANSHARE_CHUNK_SIZE.
	EnvPrefix = "LANSHARE"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Media categories used to pick a save directory.
const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryOther    = "other"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string            `json:"device_id" validate:"required"`
	DeviceName      string            `json:"device_name" validate:"required"`
	DisplayName     string            `json:"display_name"`
	PortMode        string            `json:"port_mode" validate:"oneof=automatic fixed"`
	ListeningPort   int               `json:"listening_port" validate:"gte=0,lte=65535"`
	IdentityKeyPath string            `json:"identity_key_path" validate:"required"`
	KeyFingerprint  string            `json:"key_fingerprint"`
	TrustedDevices  []string          `json:"trusted_devices"`
	AutoAccept      bool              `json:"auto_accept"`
	DefaultSaveDir  string            `json:"default_save_dir" validate:"required"`
	SaveDirs        map[string]string `json:"save_dirs"`
	Transfer        TransferSettings  `json:"transfer"`
}

// TransferSettings are tuning parameters, not protocol constants.
// Every field can be overridden from the environment with the LANSHARE_ prefix.
type TransferSettings struct {
	ChunkSize             int `json:"chunk_size" envconfig:"CHUNK_SIZE" validate:"gte=4096,lte=67108864"`
	MaxChunkRetries       int `json:"max_chunk_retries" envconfig:"MAX_CHUNK_RETRIES" validate:"gte=1,lte=20"`
	MaxConcurrentFiles    int `json:"max_concurrent_files" envconfig:"MAX_CONCURRENT_FILES" validate:"gte=1,lte=32"`
	ConnectTimeoutMillis  int `json:"connect_timeout_ms" envconfig:"CONNECT_TIMEOUT_MS" validate:"gte=100"`
	ChunkTimeoutMillis    int `json:"chunk_timeout_ms" envconfig:"CHUNK_TIMEOUT_MS" validate:"gte=100"`
	RefreshSettleMillis   int `json:"refresh_settle_ms" envconfig:"REFRESH_SETTLE_MS" validate:"gte=0"`
	ProgressIntervalMs    int `json:"progress_interval_ms" envconfig:"PROGRESS_INTERVAL_MS" validate:"gte=10"`
	CheckpointEvery       int `json:"checkpoint_every_chunks" envconfig:"CHECKPOINT_EVERY" validate:"gte=1"`
	ApprovalTimeoutMillis int `json:"approval_timeout_ms" envconfig:"APPROVAL_TIMEOUT_MS" validate:"gte=1000"`
	MaxSessions           int `json:"max_sessions" envconfig:"MAX_SESSIONS" validate:"gte=1"`
	ResumeRetentionHours  int `json:"resume_retention_hours" envconfig:"RESUME_RETENTION_HOURS" validate:"gte=1"`
}

// DefaultTransferSettings are the production defaults.
func DefaultTransferSettings() TransferSettings {
	return TransferSettings{
		ChunkSize:             1024 * 1024,
		MaxChunkRetries:       3,
		MaxConcurrentFiles:    3,
		ConnectTimeoutMillis:  5000,
		ChunkTimeoutMillis:    30000,
		RefreshSettleMillis:   2000,
		ProgressIntervalMs:    250,
		CheckpointEvery:       4,
		ApprovalTimeoutMillis: 60000,
		MaxSessions:           4,
		ResumeRetentionHours:  7 * 24,
	}
}

func (t TransferSettings) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMillis) * time.Millisecond
}

func (t TransferSettings) ChunkTimeout() time.Duration {
	return time.Duration(t.ChunkTimeoutMillis) * time.Millisecond
}

func (t TransferSettings) RefreshSettle() time.Duration {
	return time.Duration(t.RefreshSettleMillis) * time.Millisecond
}

func (t TransferSettings) ProgressInterval() time.Duration {
	return time.Duration(t.ProgressIntervalMs) * time.Millisecond
}

func (t TransferSettings) ApprovalTimeout() time.Duration {
	return time.Duration(t.ApprovalTimeoutMillis) * time.Millisecond
}

func (t TransferSettings) ResumeRetention() time.Duration {
	return time.Duration(t.ResumeRetentionHours) * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "received"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides, validates, and returns the config with its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	// Environment overrides are applied after persisting so they stay transient.
	if err := envconfig.Process(EnvPrefix, &cfg.Transfer); err != nil {
		return nil, "", fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate checks field constraints.
func (c *DeviceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:        uuid.NewString(),
		DeviceName:      defaultDeviceName(),
		DisplayName:     defaultDisplayName(),
		PortMode:        PortModeFixed,
		ListeningPort:   DefaultListeningPort,
		IdentityKeyPath: filepath.Join(dataDir, "keys", "identity.pem"),
		TrustedDevices:  []string{},
		DefaultSaveDir:  filepath.Join(dataDir, "received"),
		SaveDirs:        map[string]string{},
		Transfer:        DefaultTransferSettings(),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.IdentityKeyPath == "" {
		cfg.IdentityKeyPath = filepath.Join(dataDir, "keys", "identity.pem")
		updated = true
	}
	if cfg.DefaultSaveDir == "" {
		cfg.DefaultSaveDir = filepath.Join(dataDir, "received")
		updated = true
	}
	if cfg.TrustedDevices == nil {
		cfg.TrustedDevices = []string{}
		updated = true
	}
	if cfg.SaveDirs == nil {
		cfg.SaveDirs = map[string]string{}
		updated = true
	}
	if fillTransferDefaults(&cfg.Transfer) {
		updated = true
	}

	return updated
}

func fillTransferDefaults(t *TransferSettings) bool {
	defaults := DefaultTransferSettings()
	updated := false
	fill := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	fill(&t.ChunkSize, defaults.ChunkSize)
	fill(&t.MaxChunkRetries, defaults.MaxChunkRetries)
	fill(&t.MaxConcurrentFiles, defaults.MaxConcurrentFiles)
	fill(&t.ConnectTimeoutMillis, defaults.ConnectTimeoutMillis)
	fill(&t.ChunkTimeoutMillis, defaults.ChunkTimeoutMillis)
	fill(&t.ProgressIntervalMs, defaults.ProgressIntervalMs)
	fill(&t.CheckpointEvery, defaults.CheckpointEvery)
	fill(&t.ApprovalTimeoutMillis, defaults.ApprovalTimeoutMillis)
	fill(&t.MaxSessions, defaults.MaxSessions)
	fill(&t.ResumeRetentionHours, defaults.ResumeRetentionHours)
	if t.RefreshSettleMillis < 0 {
		t.RefreshSettleMillis = defaults.RefreshSettleMillis
		updated = true
	}
	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Share Device"
}

func defaultDisplayName() string {
	host := defaultDeviceName()
	current, err := user.Current()
	if err != nil || current.Username == "" {
		return host
	}
	name := current.Username
	// Windows reports DOMAIN\user.
	if idx := strings.LastIndex(name, `\`); idx >= 0 {
		name = name[idx+1:]
	}
	return name + "@" + host
}
