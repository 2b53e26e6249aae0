// Package fuse mounts an opened blockimage.Image as a single read-only
// file inside a FUSE mount point, delegating to a pluggable platform
// backend.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/partvfs/partvfs/internal/blockimage"
	"github.com/partvfs/partvfs/internal/fuse/backend"
)

// Config holds the mount-tuning knobs a caller can set before Mount.
type Config = backend.FuseConfig

// Server manages the FUSE mount, delegating to a pluggable backend.
type Server struct {
	mountPoint  string
	image       *blockimage.Image
	entryName   string
	logger      *slog.Logger
	config      Config
	backendType backend.Type

	be backend.Backend

	validating   atomic.Int32
	lastHealthy  atomic.Bool
	lastHealthTS atomic.Int64
}

// NewServer creates a new FUSE server instance over an already-opened image.
func NewServer(mountPoint, entryName string, img *blockimage.Image, logger *slog.Logger, cfg Config) *Server {
	return &Server{
		mountPoint:  mountPoint,
		image:       img,
		entryName:   entryName,
		logger:      logger,
		config:      cfg,
		backendType: resolveBackendType(""),
	}
}

// resolveBackendType determines the backend type from config, env var, or platform default.
func resolveBackendType(cfgBackend string) backend.Type {
	if cfgBackend != "" {
		return backend.Type(cfgBackend)
	}
	if env := os.Getenv("PARTVFS_FUSE_BACKEND"); env != "" {
		return backend.Type(env)
	}
	return backend.DefaultType()
}

func getIDFromEnv(key string, defaultID int) int {
	if val := os.Getenv(key); val != "" {
		if id, err := strconv.Atoi(val); err == nil {
			return id
		}
	}
	return defaultID
}

// Mount mounts the filesystem and starts serving. Blocks until unmounted.
// The onReady callback runs once the kernel mount is confirmed live.
func (s *Server) Mount(onReady func()) error {
	uid := uint32(getIDFromEnv("PUID", os.Getuid()))
	gid := uint32(getIDFromEnv("PGID", os.Getgid()))

	cfg := backend.Config{
		MountPoint: s.mountPoint,
		Image:      s.image,
		EntryName:  s.entryName,
		FuseConfig: s.config,
		UID:        uid,
		GID:        gid,
	}

	be, err := backend.Create(s.backendType, cfg)
	if err != nil {
		return fmt.Errorf("failed to create FUSE backend %q: %w", s.backendType, err)
	}

	s.be = be
	s.logger.Info("using FUSE backend", "type", be.Type(), "mountpoint", s.mountPoint)

	return be.Mount(context.Background(), onReady)
}

// Unmount gracefully unmounts the filesystem, falling back to force unmount.
func (s *Server) Unmount() error {
	s.logger.Info("unmounting FUSE filesystem", "mountpoint", s.mountPoint)
	if s.be != nil {
		return s.be.Unmount()
	}
	return nil
}

// ForceUnmount attempts to lazy/force unmount the mountpoint.
func (s *Server) ForceUnmount() error {
	if s.be != nil {
		return s.be.ForceUnmount()
	}
	return nil
}

// ValidateMount checks if the mount point is responsive.
func (s *Server) ValidateMount() (bool, error) {
	if !s.validating.CompareAndSwap(0, 1) {
		healthy := s.lastHealthy.Load()
		if !healthy {
			return false, fmt.Errorf("mount point validation in progress (last check: unhealthy)")
		}
		return true, nil
	}

	ch := make(chan error, 1)
	go func() {
		defer s.validating.Store(0)
		_, err := os.Stat(s.mountPoint)
		ch <- err
	}()

	select {
	case err := <-ch:
		s.lastHealthy.Store(err == nil)
		s.lastHealthTS.Store(time.Now().UnixNano())
		if err != nil {
			return false, fmt.Errorf("mount point stat failed: %w", err)
		}
		return true, nil
	case <-time.After(5 * time.Second):
		s.lastHealthy.Store(false)
		s.lastHealthTS.Store(time.Now().UnixNano())
		return false, fmt.Errorf("mount point not responding (stat timed out after 5s)")
	}
}

// BackendType returns the active backend type.
func (s *Server) BackendType() backend.Type {
	if s.be != nil {
		return s.be.Type()
	}
	return s.backendType
}
