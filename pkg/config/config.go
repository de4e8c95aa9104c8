// Package config provides configuration file support for attendcore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// FileName is the config file name inside the data directory.
const FileName = "attendcore.yaml"

// SecretEnv overrides signing.secret when set.
const SecretEnv = "ATTENDCORE_SIGNING_SECRET"

// Config represents the attendcore configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Signing    SigningConfig    `yaml:"signing"`
	Sync       SyncConfig       `yaml:"sync"`
	Connection ConnectionConfig `yaml:"connection"`
	Backup     BackupConfig     `yaml:"backup"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	WriterLock WriterLockConfig `yaml:"writer_lock"`
}

// StorageConfig configures the key-value backend and quota management.
type StorageConfig struct {
	// DSN selects the backend. Empty means a file backend in the data
	// directory, or memory when there is none.
	DSN                    string        `yaml:"dsn"`
	QuotaBytes             int64         `yaml:"quota_bytes"`
	WarningPercent         float64       `yaml:"warning_percent"`
	CriticalPercent        float64       `yaml:"critical_percent"`
	MaxAgeDays             int           `yaml:"max_age_days"`
	MaxCount               int           `yaml:"max_count"`
	CompressThresholdBytes int           `yaml:"compress_threshold_bytes"`
	CompressThresholdItems int           `yaml:"compress_threshold_items"`
	RecentWindow           int           `yaml:"recent_window"`
	Codec                  string        `yaml:"codec"` // gzip, snappy
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	Watch                  bool          `yaml:"watch"`
}

// SigningConfig configures the integrity signer.
type SigningConfig struct {
	Secret     string `yaml:"secret"`
	SecretEnv  string `yaml:"secret_env"`
	KeyContext string `yaml:"key_context"`
}

// SyncConfig configures the sync queue and remote transport.
type SyncConfig struct {
	MaxAttempts    int                    `yaml:"max_attempts"`
	InitialBackoff time.Duration          `yaml:"initial_backoff"`
	MaxBackoff     time.Duration          `yaml:"max_backoff"`
	SweepInterval  time.Duration          `yaml:"sweep_interval"`
	AttemptTimeout time.Duration          `yaml:"attempt_timeout"`
	Remote         string                 `yaml:"remote"`
	Token          string                 `yaml:"token"`
	Policies       []model.PolicyOverride `yaml:"policies,omitempty"`
}

// ConnectionConfig configures the connection monitor.
type ConnectionConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	GoodRTT       time.Duration `yaml:"good_rtt"`
	MediumRTT     time.Duration `yaml:"medium_rtt"`
}

// BackupConfig configures backup archives.
type BackupConfig struct {
	Dir        string   `yaml:"dir"`
	Compress   bool     `yaml:"compress"`
	KeepSafety int      `yaml:"keep_safety"`
	S3         S3Config `yaml:"s3"`
}

// S3Config configures the optional S3 archive destination.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// AuditConfig configures audit retention.
type AuditConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// WriterLockConfig configures the optional single-writer lease.
type WriterLockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DSN:                    "",
			QuotaBytes:             5 * 1024 * 1024,
			WarningPercent:         80,
			CriticalPercent:        95,
			MaxAgeDays:             90,
			MaxCount:               1000,
			CompressThresholdBytes: 50 * 1024,
			CompressThresholdItems: 100,
			RecentWindow:           50,
			Codec:                  "gzip",
			CleanupInterval:        time.Hour,
		},
		Signing: SigningConfig{
			SecretEnv:  SecretEnv,
			KeyContext: "attendcore",
		},
		Sync: SyncConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			SweepInterval:  time.Minute,
			AttemptTimeout: 15 * time.Second,
		},
		Connection: ConnectionConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			GoodRTT:       150 * time.Millisecond,
			MediumRTT:     600 * time.Millisecond,
		},
		Backup: BackupConfig{
			Compress:   true,
			KeepSafety: 3,
		},
		Audit: AuditConfig{
			MaxEntries: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WriterLock: WriterLockConfig{
			LeaseTTL: 30 * time.Second,
		},
	}
}

// Load loads configuration from <dir>/attendcore.yaml.
// Returns default config if the file doesn't exist.
func Load(dir string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to <dir>/attendcore.yaml.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	s := c.Storage
	if s.WarningPercent <= 0 || s.WarningPercent > 100 {
		return errclass.ErrConfigInvalid.WithMessagef("storage.warning_percent out of range: %v", s.WarningPercent)
	}
	if s.CriticalPercent < s.WarningPercent || s.CriticalPercent > 100 {
		return errclass.ErrConfigInvalid.WithMessagef("storage.critical_percent must be between warning_percent and 100: %v", s.CriticalPercent)
	}
	if s.QuotaBytes < 0 {
		return errclass.ErrConfigInvalid.WithMessage("storage.quota_bytes must not be negative")
	}
	switch s.Codec {
	case "", "gzip", "snappy":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("storage.codec must be gzip or snappy: %s", s.Codec)
	}
	if c.Sync.MaxAttempts < 1 {
		return errclass.ErrConfigInvalid.WithMessage("sync.max_attempts must be at least 1")
	}
	for _, p := range c.Sync.Policies {
		if strings.TrimSpace(p.DataType) == "" {
			return errclass.ErrConfigInvalid.WithMessage("sync.policies entry without data_type")
		}
		if p.Strategy != "" && !p.Strategy.Valid() {
			return errclass.ErrConfigInvalid.WithMessagef("sync.policies[%s]: unknown strategy %q", p.DataType, p.Strategy)
		}
	}
	if c.Connection.GoodRTT > c.Connection.MediumRTT {
		return errclass.ErrConfigInvalid.WithMessage("connection.good_rtt must not exceed medium_rtt")
	}
	return nil
}

// SigningSecret resolves the signing secret, preferring the environment.
func (c *Config) SigningSecret() string {
	env := c.Signing.SecretEnv
	if env == "" {
		env = SecretEnv
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return c.Signing.Secret
}
