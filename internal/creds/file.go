package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSource reads credentials from a two-line file (username, password).
// The file must be owner-only; anything looser is refused.
type FileSource struct {
	Path string
}

// Get reads and validates the credentials file.
func (f *FileSource) Get() (string, string, error) {
	fi, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrNotConfigured
		}
		return "", "", fmt.Errorf("stat credentials file: %w", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return "", "", fmt.Errorf("credentials file %s is group/world accessible (mode %o); refusing to read it", f.Path, fi.Mode().Perm())
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", "", fmt.Errorf("read credentials file: %w", err)
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 3)
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return "", "", ErrNotConfigured
	}
	return lines[0], lines[1], nil
}

// Set writes the credentials file atomically with owner-only permissions.
func (f *FileSource) Set(username, password string) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("write credentials: %w", err)
	}
	if _, err := tmp.WriteString(username + "\n" + password + "\n"); err != nil {
		cleanup()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
