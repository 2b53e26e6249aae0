// Package cmd implements the partvfs CLI's subcommands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/partvfs/partvfs/internal/config"
	"github.com/partvfs/partvfs/internal/pathutil"
)

var (
	cfg     *config.Config
	cfgFile string

	flagImagePath    string
	flagMountPoint   string
	flagEntryName    string
	flagBackend      string
	flagVerifyOnOpen bool
	flagNoProgress   bool
	flagLogLevel     string
	flagLogFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "partvfs",
	Short: "Mount disk-image backups as a virtual partition",
	Long: `partvfs exposes PartClone, PartImage, and NtfsClone backup images as a
single read-only virtual partition, without ever materializing the
reconstructed disk on local storage.`,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		if c.Flags().Changed("image") {
			cfg.ImagePath = flagImagePath
		}
		if c.Flags().Changed("mount-point") {
			cfg.MountPoint = flagMountPoint
		}
		if c.Flags().Changed("entry-name") {
			cfg.EntryName = flagEntryName
		}
		if c.Flags().Changed("backend") {
			cfg.Backend = config.BackendType(flagBackend)
		}
		if c.Flags().Changed("verify") {
			cfg.VerifyOnOpen = flagVerifyOnOpen
		}
		if c.Flags().Changed("no-progress") {
			cfg.ShowProgress = !flagNoProgress
		}
		if c.Flags().Changed("log-level") {
			cfg.Log.Level = flagLogLevel
		}
		if c.Flags().Changed("log-format") {
			cfg.Log.Format = flagLogFormat
		}

		return setupLogging(cfg.Log)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./partvfs.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagImagePath, "image", "", "backup image path")
	rootCmd.PersistentFlags().StringVar(&flagMountPoint, "mount-point", "", "directory to mount the virtual partition under")
	rootCmd.PersistentFlags().StringVar(&flagEntryName, "entry-name", "", "file name the mount exposes the image as")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "FUSE backend: auto, hanwen, cgo")
	rootCmd.PersistentFlags().BoolVar(&flagVerifyOnOpen, "verify", false, "run a full checksum pass before mounting")
	rootCmd.PersistentFlags().BoolVar(&flagNoProgress, "no-progress", false, "disable the verify/index-build progress bar")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format (text, json)")
}

// setupLogging installs the process-wide slog default handler, writing to
// stderr or, when lc.File is set, to a lumberjack-rotated file.
func setupLogging(lc config.LogConfig) error {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if lc.File != "" {
		if err := pathutil.CheckFileDirectoryWritable(lc.File, "log"); err != nil {
			return fmt.Errorf("invalid log configuration: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		}
	}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
