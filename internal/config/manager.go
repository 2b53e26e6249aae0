// Package config loads partvfs's settings from a YAML file, environment
// variables, and defaults, via spf13/viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/partvfs/partvfs/internal/pathutil"
)

// BackendType names a FUSE backend, mirroring internal/fuse/backend.Type
// without importing it, to keep config free of platform build tags.
type BackendType string

const (
	BackendAuto   BackendType = "auto"
	BackendHanwen BackendType = "hanwen"
	BackendCgo    BackendType = "cgo"
)

// FuseConfig holds the mount-tuning knobs passed through to the FUSE server.
type FuseConfig struct {
	AllowOther          bool `mapstructure:"allow_other"`
	Debug               bool `mapstructure:"debug"`
	AttrTimeoutSeconds  int  `mapstructure:"attr_timeout_seconds"`
	EntryTimeoutSeconds int  `mapstructure:"entry_timeout_seconds"`
}

// LogConfig configures the application's slog output, including rotation
// via lumberjack when File is set.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is partvfs's full runtime configuration.
type Config struct {
	// ImagePath is the backup image file to expose.
	ImagePath string `mapstructure:"image_path"`
	// MountPoint is the directory the virtual partition is mounted under.
	MountPoint string `mapstructure:"mount_point"`
	// EntryName is the single file name the mount exposes the image as.
	EntryName string `mapstructure:"entry_name"`

	// IndexWindow is the popcount index granularity, in blocks, for PC/PI
	// bitmaps. Zero defers to bitmap.DefaultWindow.
	IndexWindow int64 `mapstructure:"index_window"`
	// CacheCapacity is the number of decoded blocks BlockIO keeps cached.
	// Zero defers to blockio.DefaultCapacity.
	CacheCapacity int `mapstructure:"cache_capacity"`
	// VerifyOnOpen runs a full checksum pass before mounting.
	VerifyOnOpen bool `mapstructure:"verify_on_open"`
	// ShowProgress enables the mpb progress bar during verify/index-build.
	ShowProgress bool `mapstructure:"show_progress"`

	Backend BackendType `mapstructure:"backend"`
	Fuse    FuseConfig  `mapstructure:"fuse"`
	Log     LogConfig   `mapstructure:"log"`
}

// setDefaults registers every default consulted by Load, so that an empty
// config file (or none at all) still produces a valid Config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("entry_name", "disk.img")
	v.SetDefault("index_window", 1024)
	v.SetDefault("cache_capacity", 128)
	v.SetDefault("verify_on_open", false)
	v.SetDefault("show_progress", true)
	v.SetDefault("backend", string(BackendAuto))

	v.SetDefault("fuse.allow_other", false)
	v.SetDefault("fuse.debug", false)
	v.SetDefault("fuse.attr_timeout_seconds", 3600)
	v.SetDefault("fuse.entry_timeout_seconds", 3600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration from cfgFile (if non-empty), $PARTVFS_* env
// vars, and ./partvfs.yaml / $HOME/partvfs.yaml otherwise, then validates
// the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PARTVFS")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName("partvfs")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Relative image_path/mount_point/log.file entries in the config file
	// are resolved against the config file's own directory, not whatever
	// directory the process happens to be run from.
	if used := v.ConfigFileUsed(); used != "" {
		configDir := filepath.Dir(used)
		cfg.ImagePath = pathutil.JoinAbsPath(configDir, cfg.ImagePath)
		cfg.MountPoint = pathutil.JoinAbsPath(configDir, cfg.MountPoint)
		cfg.Log.File = pathutil.JoinAbsPath(configDir, cfg.Log.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the invariants Load and the CLI both depend on: a
// mountable image path, a usable mount point, and sane tuning knobs.
func (c *Config) Validate() error {
	if c.ImagePath == "" {
		return fmt.Errorf("image_path is required")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if c.EntryName == "" {
		return fmt.Errorf("entry_name cannot be empty")
	}
	if c.IndexWindow < 0 {
		return fmt.Errorf("index_window cannot be negative")
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("cache_capacity cannot be negative")
	}

	switch c.Backend {
	case BackendAuto, BackendHanwen, BackendCgo:
	default:
		return fmt.Errorf("unknown backend %q, want one of auto, hanwen, cgo", c.Backend)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q, want text or json", c.Log.Format)
	}

	if c.Fuse.AttrTimeoutSeconds < 0 {
		return fmt.Errorf("fuse.attr_timeout_seconds cannot be negative")
	}
	if c.Fuse.EntryTimeoutSeconds < 0 {
		return fmt.Errorf("fuse.entry_timeout_seconds cannot be negative")
	}

	return nil
}
