// Command partvfs mounts PartClone, PartImage, and NtfsClone backup
// images as a single read-only virtual partition via FUSE.
package main

import (
	"fmt"
	"os"

	"github.com/partvfs/partvfs/cmd/partvfs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
