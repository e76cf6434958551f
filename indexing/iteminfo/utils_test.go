package iteminfo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveSymlinks(t *testing.T) {
	tempDir := t.TempDir()

	targetFile := filepath.Join(tempDir, "target.txt")
	if err := os.WriteFile(targetFile, []byte("target content"), 0644); err != nil {
		t.Fatalf("Failed to create target file: %v", err)
	}
	targetDir := filepath.Join(tempDir, "targetdir")
	if err := os.Mkdir(targetDir, 0755); err != nil {
		t.Fatalf("Failed to create target directory: %v", err)
	}
	symlinkFile := filepath.Join(tempDir, "link-to-file")
	if err := os.Symlink(targetFile, symlinkFile); err != nil {
		t.Fatalf("Failed to create symlink to file: %v", err)
	}
	symlinkDir := filepath.Join(tempDir, "link-to-dir")
	if err := os.Symlink("targetdir", symlinkDir); err != nil {
		t.Fatalf("Failed to create relative symlink to directory: %v", err)
	}

	tests := []struct {
		name          string
		path          string
		expectedPath  string
		expectedIsDir bool
		shouldError   bool
	}{
		{name: "regular file", path: targetFile, expectedPath: targetFile},
		{name: "regular directory", path: targetDir, expectedPath: targetDir, expectedIsDir: true},
		{name: "symlink to file", path: symlinkFile, expectedPath: targetFile},
		{name: "relative symlink to directory", path: symlinkDir, expectedPath: targetDir, expectedIsDir: true},
		{name: "non-existent path", path: filepath.Join(tempDir, "nonexistent"), shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolvedPath, isDir, err := ResolveSymlinks(tt.path)
			if tt.shouldError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if isDir != tt.expectedIsDir {
				t.Errorf("Expected isDir=%v, got %v", tt.expectedIsDir, isDir)
			}
			if resolvedPath != tt.expectedPath {
				t.Errorf("Expected resolved path %s, got %s", tt.expectedPath, resolvedPath)
			}
		})
	}
}

func TestResolveSymlinks_Loop(t *testing.T) {
	tempDir := t.TempDir()
	a := filepath.Join(tempDir, "a")
	b := filepath.Join(tempDir, "b")
	if err := os.Symlink(b, a); err != nil {
		t.Fatalf("Failed to create link a: %v", err)
	}
	if err := os.Symlink(a, b); err != nil {
		t.Fatalf("Failed to create link b: %v", err)
	}

	_, _, err := ResolveSymlinks(a)
	if !errors.Is(err, ErrSymlinkLoop) {
		t.Fatalf("Expected ErrSymlinkLoop, got %v", err)
	}
}

func TestGetParentDirectoryPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", ""},
		{"", ""},
		{"/home", "/"},
		{"/home/user/docs/", "/home/user"},
		{"/home/user/report.txt", "/home/user"},
	}
	for _, tt := range tests {
		if got := GetParentDirectoryPath(tt.path); got != tt.want {
			t.Errorf("GetParentDirectoryPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSubtreeBounds(t *testing.T) {
	lo, hi := SubtreeBounds("/data/music")
	if lo != "/data/music/" || hi != "/data/music0" {
		t.Fatalf("unexpected bounds [%q, %q)", lo, hi)
	}

	inside := []string{"/data/music/a", "/data/music/z/deep/file"}
	outside := []string{"/data/music", "/data/music-old/a", "/data/musicx", "/data/music0"}
	for _, p := range inside {
		if !(p >= lo && p < hi) {
			t.Errorf("%q should be inside the range", p)
		}
	}
	for _, p := range outside {
		if p >= lo && p < hi {
			t.Errorf("%q should be outside the range", p)
		}
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("/data/a/b", "/data") {
		t.Error("/data/a/b should be within /data")
	}
	if !IsWithin("/data", "/data") {
		t.Error("a root is within itself")
	}
	if IsWithin("/database", "/data") {
		t.Error("/database must not match /data")
	}
	if !IsWithin("/etc", "/") {
		t.Error("everything is within /")
	}
}

func TestNewFileRecord(t *testing.T) {
	mod := time.Unix(1700000000, 123)
	rec := NewFileRecord("/home/user/Photos/.Cover.JPG", KindFile, 2048, mod)

	if rec.Name != ".Cover.JPG" {
		t.Errorf("Name = %q", rec.Name)
	}
	if rec.Directory != "/home/user/Photos" {
		t.Errorf("Directory = %q", rec.Directory)
	}
	if rec.Extension != ".jpg" {
		t.Errorf("Extension = %q, want .jpg", rec.Extension)
	}
	if !rec.Hidden {
		t.Error("dot file should be hidden")
	}
	if !rec.Fingerprint().Equal(Fingerprint{ModTime: mod, Size: 2048}) {
		t.Error("fingerprint mismatch")
	}

	dir := NewFileRecord("/home/user/Photos", KindDirectory, 4096, mod)
	if dir.Size != 0 || dir.Extension != "" || !dir.IsDir() {
		t.Errorf("directory record not normalised: %+v", dir)
	}

	root := NewFileRecord("/", KindDirectory, 0, mod)
	if root.Name != "/" || root.Directory != "" {
		t.Errorf("root record: %+v", root)
	}
}

func TestFingerprintEqual(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := Fingerprint{ModTime: base, Size: 10}

	if !a.Equal(Fingerprint{ModTime: base.In(time.UTC), Size: 10}) {
		t.Error("same instant in another location must be equal")
	}
	if a.Equal(Fingerprint{ModTime: base.Add(time.Nanosecond), Size: 10}) {
		t.Error("modtime change must be detected")
	}
	if a.Equal(Fingerprint{ModTime: base, Size: 11}) {
		t.Error("size change must be detected")
	}
}

func TestKindText(t *testing.T) {
	var k Kind
	if err := k.UnmarshalText([]byte("folder")); err != nil || k != KindDirectory {
		t.Fatalf("folder -> %v, %v", k, err)
	}
	if err := k.UnmarshalText([]byte("socket")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	b, _ := KindFile.MarshalText()
	if string(b) != "file" {
		t.Fatalf("MarshalText = %s", b)
	}
}
