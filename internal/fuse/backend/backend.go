// Package backend abstracts FUSE mount/unmount operations behind a small
// registry of platform backends, so the server package never imports
// hanwen/go-fuse or cgofuse directly.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/partvfs/partvfs/internal/blockimage"
)

// Type identifies a FUSE backend implementation.
type Type string

const (
	Hanwen Type = "hanwen"
	Cgo    Type = "cgo"
)

// Backend abstracts FUSE mount/unmount operations.
type Backend interface {
	// Mount starts the FUSE filesystem. Blocks until unmount.
	// onReady is called once the kernel mount is confirmed live.
	Mount(ctx context.Context, onReady func()) error

	// Unmount gracefully unmounts the filesystem.
	Unmount() error

	// ForceUnmount attempts platform-specific force unmount.
	ForceUnmount() error

	// Type returns the backend type.
	Type() Type
}

// FuseConfig holds the mount-tuning knobs shared by every backend.
type FuseConfig struct {
	AllowOther          bool
	Debug               bool
	AttrTimeoutSeconds  int
	EntryTimeoutSeconds int
}

// Config holds parameters common to all backends.
type Config struct {
	MountPoint string
	Image      *blockimage.Image
	// EntryName is the single file name the mount exposes the image as.
	EntryName  string
	FuseConfig FuseConfig
	UID        uint32
	GID        uint32
}

// Factory creates a Backend from a Config.
type Factory func(cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = make(map[Type]Factory)
)

// Register registers a backend factory for the given type.
func Register(t Type, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[t] = f
}

// Create creates a backend of the given type.
func Create(t Type, cfg Config) (Backend, error) {
	mu.RLock()
	f, ok := factories[t]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown FUSE backend type: %s", t)
	}
	return f(cfg)
}

// DefaultType returns the platform-default backend type.
// Linux uses hanwen (pure Go). macOS/Windows use cgo (Fuse-T/WinFsp).
func DefaultType() Type {
	switch runtime.GOOS {
	case "linux":
		return Hanwen
	default:
		return Cgo
	}
}
