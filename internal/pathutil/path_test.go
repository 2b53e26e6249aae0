package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveEmptyDirs(t *testing.T) {
	tempDir := filepath.Join(os.TempDir(), "partvfs-test-remove-dirs")
	err := os.MkdirAll(tempDir, 0755)
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	root := filepath.Join(tempDir, "root")
	err = os.MkdirAll(root, 0755)
	if err != nil {
		t.Fatal(err)
	}

	// Create nested empty directories: root/a/b/c
	nested := filepath.Join(root, "a", "b", "c")
	err = os.MkdirAll(nested, 0755)
	if err != nil {
		t.Fatal(err)
	}

	// Remove c, and expect b and a to be removed too
	RemoveEmptyDirs(root, nested)

	// Check if a, b, c were removed
	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		path := filepath.Join(root, dir)
		if _, err := os.Stat(path); err == nil {
			t.Errorf("Expected directory %s to be removed, but it exists", path)
		}
	}

	// Check if root still exists
	if _, err := os.Stat(root); os.IsNotExist(err) {
		t.Error("Expected root directory to exist, but it was removed")
	}

	// Test with non-empty directory
	// root/x/y/z, with root/x/keep.txt
	xDir := filepath.Join(root, "x")
	yDir := filepath.Join(xDir, "y")
	zDir := filepath.Join(yDir, "z")
	err = os.MkdirAll(zDir, 0755)
	if err != nil {
		t.Fatal(err)
	}

	keepFile := filepath.Join(xDir, "keep.txt")
	err = os.WriteFile(keepFile, []byte("keep"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	// Remove z, and expect y to be removed, but x should stay
	RemoveEmptyDirs(root, zDir)

	if _, err := os.Stat(zDir); err == nil {
		t.Error("Expected zDir to be removed")
	}
	if _, err := os.Stat(yDir); err == nil {
		t.Error("Expected yDir to be removed")
	}
	if _, err := os.Stat(xDir); os.IsNotExist(err) {
		t.Error("Expected xDir to still exist because it contains keep.txt")
	}
	if _, err := os.Stat(keepFile); os.IsNotExist(err) {
		t.Error("Expected keep.txt to still exist")
	}
}

func TestJoinAbsPath(t *testing.T) {
	cases := []struct {
		name     string
		base     string
		other    string
		expected string
	}{
		{"relative joins onto base", "/etc/partvfs", "images/disk.img", "/etc/partvfs/images/disk.img"},
		{"absolute passes through unchanged", "/etc/partvfs", "/mnt/disk.img", "/mnt/disk.img"},
		{"empty other stays empty", "/etc/partvfs", "", ""},
		{"empty base cleans the relative path", "", "images/disk.img", "images/disk.img"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := JoinAbsPath(c.base, c.other); got != c.expected {
				t.Errorf("JoinAbsPath(%q, %q) = %q, want %q", c.base, c.other, got, c.expected)
			}
		})
	}
}

func TestCheckFileDirectoryWritable(t *testing.T) {
	if err := CheckFileDirectoryWritable("", "log"); err != nil {
		t.Errorf("expected empty path to be valid, got %v", err)
	}

	dir := t.TempDir()
	logFile := filepath.Join(dir, "sub", "partvfs.log")
	if err := CheckFileDirectoryWritable(logFile, "log"); err != nil {
		t.Errorf("expected directory to be created and writable, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub")); err != nil {
		t.Errorf("expected parent directory to have been created: %v", err)
	}
}
