package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/partvfs/partvfs/internal/blockimage"
	"github.com/partvfs/partvfs/internal/fuse"
	"github.com/partvfs/partvfs/internal/pathutil"
	"github.com/partvfs/partvfs/internal/progress"
)

func init() {
	mountCmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount a backup image as a virtual partition",
		Args:  cobra.NoArgs,
		RunE:  runMount,
	}
	rootCmd.AddCommand(mountCmd)
}

func runMount(c *cobra.Command, args []string) error {
	if cfg.ImagePath == "" {
		return fmt.Errorf("no image path given (use --image or set image_path in the config file)")
	}
	if cfg.MountPoint == "" {
		return fmt.Errorf("no mount point given (use --mount-point or set mount_point in the config file)")
	}
	_, statErr := os.Stat(cfg.MountPoint)
	mountPointPreexisted := statErr == nil
	if err := pathutil.CheckDirectoryWritable(cfg.MountPoint); err != nil {
		return fmt.Errorf("mount point unusable: %w", err)
	}

	logger := slog.Default().With("component", "mount")

	openProgress := progress.New("indexing", cfg.ShowProgress)
	img, err := blockimage.Open(cfg.ImagePath, blockimage.OpenOptions{
		Window:        cfg.IndexWindow,
		CacheCapacity: cfg.CacheCapacity,
		Progress:      openProgress,
		Verify:        cfg.VerifyOnOpen,
	})
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", cfg.ImagePath, err)
	}
	defer img.Close()

	hdr := img.Header()
	logger.Info("opened backup image",
		"format", hdr.Format,
		"block_size", hdr.BlockSize,
		"total_blocks", hdr.TotalBlocks,
		"used_blocks", hdr.UsedBlocks,
		"partition_size", hdr.PartitionSize())

	server := fuse.NewServer(cfg.MountPoint, cfg.EntryName, img, logger, fuse.Config{
		AllowOther:          cfg.Fuse.AllowOther,
		Debug:               cfg.Fuse.Debug,
		AttrTimeoutSeconds:  cfg.Fuse.AttrTimeoutSeconds,
		EntryTimeoutSeconds: cfg.Fuse.EntryTimeoutSeconds,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			logger.Warn("graceful unmount failed, forcing", "error", err)
			server.ForceUnmount()
		}
	}()

	onReady := func() {
		logger.Info("mount ready", "mountpoint", cfg.MountPoint, "entry", cfg.EntryName, "backend", server.BackendType())
	}

	if err := server.Mount(onReady); err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	if !mountPointPreexisted {
		pathutil.RemoveEmptyDirs(filepath.Dir(cfg.MountPoint), cfg.MountPoint)
	}
	return nil
}
