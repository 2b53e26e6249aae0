//go:build linux || darwin

package fuse

// Register the hanwen/go-fuse backend via init().
import _ "github.com/partvfs/partvfs/internal/fuse/backend/hanwen"
