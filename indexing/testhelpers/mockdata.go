package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MockFileSystem creates a temporary directory structure for testing
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a mock filesystem under t.TempDir. The root is
// symlink-resolved so paths compare equal to what a walker reports.
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return &MockFileSystem{Root: root, t: t}
}

// Path returns the absolute path of rel inside the mock filesystem.
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, rel)
}

// CreateDir creates a directory in the mock filesystem
func (m *MockFileSystem) CreateDir(path string) {
	m.t.Helper()
	if err := os.MkdirAll(m.Path(path), 0755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
}

// CreateFile creates a file with the given content
func (m *MockFileSystem) CreateFile(path string, content string) {
	m.t.Helper()
	fullPath := m.Path(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
}

// CreateSymlink creates a symbolic link
func (m *MockFileSystem) CreateSymlink(target, linkPath string) {
	m.t.Helper()
	fullLink := m.Path(linkPath)
	if err := os.MkdirAll(filepath.Dir(fullLink), 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for symlink %s: %v", linkPath, err)
	}
	if err := os.Symlink(m.Path(target), fullLink); err != nil {
		m.t.Fatalf("Failed to create symlink %s -> %s: %v", linkPath, target, err)
	}
}

// Remove deletes path and anything below it.
func (m *MockFileSystem) Remove(path string) {
	m.t.Helper()
	if err := os.RemoveAll(m.Path(path)); err != nil {
		m.t.Fatalf("Failed to remove %s: %v", path, err)
	}
}

// Touch sets the modification time of path.
func (m *MockFileSystem) Touch(path string, mod time.Time) {
	m.t.Helper()
	if err := os.Chtimes(m.Path(path), mod, mod); err != nil {
		m.t.Fatalf("Failed to touch %s: %v", path, err)
	}
}

// Chmod changes the permission bits of path.
func (m *MockFileSystem) Chmod(path string, mode os.FileMode) {
	m.t.Helper()
	if err := os.Chmod(m.Path(path), mode); err != nil {
		m.t.Fatalf("Failed to chmod %s: %v", path, err)
	}
}

// CreateStandardTestStructure creates a standard test directory structure
func (m *MockFileSystem) CreateStandardTestStructure() {
	m.CreateFile("documents/readme.txt", "This is a readme file")
	m.CreateFile("documents/notes.txt", "These are notes")
	m.CreateFile("documents/Report.pdf", "PDF content")

	m.CreateFile("photos/image1.jpg", "JPEG data")
	m.CreateFile("photos/image2.png", "PNG data")

	m.CreateFile("code/main.go", "package main\n")
	m.CreateFile("code/utils.go", "package main\n")

	m.CreateFile("documents/archive/old.txt", "Old document")
	m.CreateFile("documents/archive/2023/jan.txt", "January data")
	m.CreateFile("documents/archive/2023/feb.txt", "February data")

	// Hidden entries
	m.CreateFile(".config", "config data")
	m.CreateFile(".hidden_file", "secret content")
	m.CreateFile("documents/.git/HEAD", "ref: refs/heads/main")
}

// CreateRankingStructure lays out names that exercise every ranking tier
// for the query "report".
func (m *MockFileSystem) CreateRankingStructure() {
	m.CreateFile("docs/report.txt", "exact")
	m.CreateFile("docs/reporting_final.txt", "prefix")
	m.CreateFile("docs/my_report.txt", "contains")
	m.CreateFile("reports/summary.txt", "path only")
	m.CreateFile("docs/unrelated.txt", "no match")
}

// GetFileSize returns the size of a file in the mock filesystem
func (m *MockFileSystem) GetFileSize(path string) int64 {
	m.t.Helper()
	info, err := os.Stat(m.Path(path))
	if err != nil {
		m.t.Fatalf("Failed to stat file %s: %v", path, err)
	}
	return info.Size()
}
