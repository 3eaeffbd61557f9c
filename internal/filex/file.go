// Package filex collects the filesystem primitives msgvault relies on for
// crash safety: directory creation, private scratch space and atomic
// replacement of a file.
package filex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// EnsureDir creates dir (and parents) if it does not exist yet.
func EnsureDir(dir string) (string, error) {
	dir, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// ExpandHome resolves a leading "~" to the user's home directory.
func ExpandHome(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return expanded, nil
}

// PrivateTempDir creates a fresh 0700 directory under parent. The caller
// owns it and must remove it.
func PrivateTempDir(parent, prefix string) (string, error) {
	if parent != "" {
		if _, err := EnsureDir(parent); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. A crash before the rename leaves the previous
// content of path untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
