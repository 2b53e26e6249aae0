// Package pathutil provides path validation and resolution helpers shared
// by the config loader and the mount command.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckDirectoryWritable checks if a directory exists and is writable.
// If the directory doesn't exist, it attempts to create it.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Convert to absolute path for clearer error messages
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path // fallback to original if abs fails
	}

	// Check if path exists
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Directory doesn't exist, try to create it
			if err := os.MkdirAll(absPath, 0755); err != nil {
				return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
			}
		} else {
			return fmt.Errorf("cannot access directory %s: %w", absPath, err)
		}
	} else {
		// Path exists, check if it's a directory
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", absPath)
		}
	}

	// Test write permissions by creating a temporary file
	testFile := filepath.Join(absPath, ".partvfs-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}

	// Write some test data
	_, writeErr := file.Write([]byte("test"))
	file.Close()

	// Clean up test file
	os.Remove(testFile)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}

	return nil
}

// RemoveEmptyDirs recursively removes empty parent directories starting from
// path up towards root (exclusive). It stops as soon as it hits a non-empty
// directory, a removal error, or root itself. The mount command uses this to
// undo a mount point directory CheckDirectoryWritable auto-created, once the
// FUSE server has unmounted and left it empty again.
func RemoveEmptyDirs(root, path string) {
	if root == "" || path == "" {
		return
	}

	// Clean paths for consistent comparison
	root = filepath.Clean(root)
	path = filepath.Clean(path)

	// If path is root or not under root, stop
	if path == root || !strings.HasPrefix(path, root) {
		return
	}

	// Try to remove the directory
	err := os.Remove(path)
	if err != nil {
		// Directory is likely not empty or we lack permissions
		return
	}

	// Successfully removed, try the parent
	parent := filepath.Dir(path)
	RemoveEmptyDirs(root, parent)
}

// JoinAbsPath resolves otherPath against basePath: an absolute otherPath is
// returned unchanged, a relative one is joined onto basePath. The config
// loader uses this to resolve an image_path/mount_point given as a relative
// path in the config file against the directory the config file itself was
// read from, rather than the process's current working directory.
func JoinAbsPath(basePath, otherPath string) string {
	if otherPath == "" {
		return otherPath
	}
	if filepath.IsAbs(otherPath) {
		return filepath.Clean(otherPath)
	}
	if basePath == "" {
		return filepath.Clean(otherPath)
	}
	return filepath.Join(basePath, otherPath)
}

// CheckFileDirectoryWritable checks if the directory containing a file path is writable.
func CheckFileDirectoryWritable(filePath string, fileType string) error {
	if filePath == "" {
		return nil // Empty path is valid for some config options (like log file)
	}

	// Get the directory part of the file path
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		dir = "./" // current directory
	}

	if err := CheckDirectoryWritable(dir); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", fileType, err)
	}

	return nil
}
