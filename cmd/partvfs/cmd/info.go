package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partvfs/partvfs/internal/blockimage"
)

func init() {
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print a backup image's header without mounting it",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	rootCmd.AddCommand(infoCmd)
}

func runInfo(c *cobra.Command, args []string) error {
	if cfg.ImagePath == "" {
		return fmt.Errorf("no image path given (use --image or set image_path in the config file)")
	}

	img, err := blockimage.Open(cfg.ImagePath, blockimage.OpenOptions{
		Window:        cfg.IndexWindow,
		CacheCapacity: cfg.CacheCapacity,
	})
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", cfg.ImagePath, err)
	}
	defer img.Close()

	hdr := img.Header()
	fmt.Printf("format:          %s\n", hdr.Format)
	fmt.Printf("source:          %s\n", hdr.SourcePath)
	fmt.Printf("block size:      %d bytes\n", hdr.BlockSize)
	fmt.Printf("total blocks:    %d\n", hdr.TotalBlocks)
	fmt.Printf("used blocks:     %d\n", hdr.UsedBlocks)
	fmt.Printf("partition size:  %d bytes\n", hdr.PartitionSize())
	if label := hdr.FSLabel; label != "" {
		fmt.Printf("filesystem label: %s\n", label)
	}
	if hdr.Checksum.Enabled() {
		fmt.Printf("checksum:        %s, %d bytes every %d blocks\n",
			hdr.Checksum.Algorithm, hdr.Checksum.SizeBytes, hdr.Checksum.BlocksPerSum)
	} else {
		fmt.Println("checksum:        none")
	}

	return nil
}
