package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	CatalogPath string `mapstructure:"catalog-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Repository storage
	StorageRoot string `mapstructure:"storage-root"`
	S3Bucket    string `mapstructure:"s3-bucket"`
	S3Region    string `mapstructure:"s3-region"`
	ResticPath  string `mapstructure:"restic-path"`

	// Local paths
	WorkDir    string `mapstructure:"work-dir"`
	SecretsDir string `mapstructure:"secrets-dir"`

	// Virtual disk layout
	EFISizeMB      int64 `mapstructure:"efi-size-mb"`
	RecoverySizeMB int64 `mapstructure:"recovery-size-mb"`

	// Generalization
	SysprepPath     string `mapstructure:"sysprep-path"`
	PantherDir      string `mapstructure:"panther-dir"`
	SysprepAttempts int    `mapstructure:"sysprep-max-attempts"`
	SettleSeconds   int    `mapstructure:"settle-seconds"`

	// Snapshot polling
	ResolveAttempts int `mapstructure:"resolve-poll-attempts"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("catalog-path", ".artifacts/catalog.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("storage-root", "")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("restic-path", "restic")
	viper.SetDefault("work-dir", `C:\imageprep`)
	viper.SetDefault("secrets-dir", `C:\imageprep\secrets`)
	viper.SetDefault("efi-size-mb", 260)
	viper.SetDefault("recovery-size-mb", 750)
	viper.SetDefault("sysprep-path", `C:\Windows\System32\Sysprep\sysprep.exe`)
	viper.SetDefault("panther-dir", `C:\Windows\System32\Sysprep\Panther`)
	viper.SetDefault("sysprep-max-attempts", 10)
	viper.SetDefault("settle-seconds", 5)
	viper.SetDefault("resolve-poll-attempts", 5)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (will be IMAGEPREP_WORK_DIR, etc.)
	viper.SetEnvPrefix("IMAGEPREP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.imageprep")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage-root cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.SecretsDir == "" {
		return fmt.Errorf("secrets-dir cannot be empty")
	}
	if c.EFISizeMB <= 0 {
		return fmt.Errorf("efi-size-mb must be positive")
	}
	if c.RecoverySizeMB <= 0 {
		return fmt.Errorf("recovery-size-mb must be positive")
	}
	if c.SysprepAttempts <= 0 {
		return fmt.Errorf("sysprep-max-attempts must be positive")
	}
	if c.ResolveAttempts <= 0 {
		return fmt.Errorf("resolve-poll-attempts must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
