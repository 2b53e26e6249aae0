//go:build darwin || windows

package fuse

// Register the cgofuse backend via init().
import _ "github.com/partvfs/partvfs/internal/fuse/backend/cgofuse"
