package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_NewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := WriteFileAtomic(path, []byte("v1"), 0600, path+".bak"); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("content = %q, want v1", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Errorf("backup should not exist for a fresh file, stat err = %v", err)
	}
}

func TestWriteFileAtomic_KeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	backup := path + ".bak"

	if err := WriteFileAtomic(path, []byte("v1"), 0600, backup); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("v2"), 0600, backup); err != nil {
		t.Fatalf("second write: %v", err)
	}

	cur, _ := os.ReadFile(path)
	old, _ := os.ReadFile(backup)
	if string(cur) != "v2" || string(old) != "v1" {
		t.Errorf("current=%q backup=%q, want v2/v1", cur, old)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected only the file and its backup, got %d entries", len(entries))
	}
}

func TestWriteFileAtomic_BackupFailureKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteFileAtomic(path, []byte("v1"), 0600, ""); err != nil {
		t.Fatalf("first write: %v", err)
	}

	// The backup directory does not exist, so the snapshot fails before
	// anything touches the current file.
	backup := filepath.Join(dir, "missing", "state.json.bak")
	if err := WriteFileAtomic(path, []byte("v2"), 0600, backup); err == nil {
		t.Fatal("expected backup error")
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "v1" {
		t.Errorf("current = %q, %v; want v1 untouched", got, err)
	}
}

func TestWriteFileAtomic_BackupIsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	backup := path + ".bak"
	for _, v := range []string{"v1", "v2", "v3"} {
		if err := WriteFileAtomic(path, []byte(v), 0600, backup); err != nil {
			t.Fatalf("write %s: %v", v, err)
		}
	}
	cur, _ := os.ReadFile(path)
	old, _ := os.ReadFile(backup)
	if string(cur) != "v3" || string(old) != "v2" {
		t.Errorf("current=%q backup=%q, want v3/v2", cur, old)
	}
}

func TestSecureWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := SecureWriteFile(path, []byte("jpeg"), 0600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4 {
		t.Errorf("size = %d", info.Size())
	}
}

func TestCopyFile_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0600); err != nil {
		t.Fatal(err)
	}
	n, err := CopyFile(src, dst, 0600)
	if err != nil || n != 7 {
		t.Fatalf("CopyFile = %d, %v", n, err)
	}
	if _, err := CopyFile(src, dst, 0600); err == nil {
		t.Error("expected error copying over an existing file")
	}
}
