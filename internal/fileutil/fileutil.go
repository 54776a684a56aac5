// Package fileutil provides file helpers for case state and export bundles.
// Writes that replace an existing file go through a temp file in the same
// directory followed by a rename, so a crash leaves either the old or the new
// content on disk and never a truncated mix.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SecureMkdirAll creates a directory path and all parents that do not yet exist.
func SecureMkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// SecureWriteFile writes data to the named file, creating it if necessary.
func SecureWriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. If backupPath is non-empty and path already exists,
// the previous content is first copied to backupPath, itself replaced
// atomically, so path exists at every point of the write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode, backupPath string) error {
	dir := filepath.Dir(path)
	if err := SecureMkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	if backupPath != "" {
		if err := snapshotFile(path, backupPath, perm); err != nil {
			return fmt.Errorf("back up previous file: %w", err)
		}
	}

	return writeTempAndRename(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// snapshotFile atomically replaces dst with a copy of src. A missing src
// leaves dst alone.
func snapshotFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()
	return writeTempAndRename(dst, perm, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func writeTempAndRename(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// CopyFile copies src to dst, failing if dst already exists.
func CopyFile(src, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return n, err
	}
	return n, nil
}
