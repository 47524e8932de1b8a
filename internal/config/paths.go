// Package config persists the node identity and the trust state (allowed
// peers, node aliases, address hints) as TOML files under a data root.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DataDirEnv overrides the base data directory.
	DataDirEnv = "MUNIN_DATA_DIR"

	ComponentDaemon = "munind"
	ComponentClient = "munin"

	fileName       = "config.toml"
	defaultBaseDir = ".munin"
)

// DataRoot returns the absolute directory holding component's state:
// $MUNIN_DATA_DIR/<component> when set, else ~/.munin/<component>.
func DataRoot(component string) (string, error) {
	if strings.TrimSpace(component) == "" {
		return "", errors.New("data root: empty component")
	}
	base := strings.TrimSpace(os.Getenv(DataDirEnv))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("data root: no home directory and %s unset: %w", DataDirEnv, err)
		}
		base = filepath.Join(home, defaultBaseDir)
	}
	abs, err := filepath.Abs(filepath.Join(base, component))
	if err != nil {
		return "", fmt.Errorf("data root: %w", err)
	}
	return abs, nil
}

// DefaultPath is the config file location for component.
func DefaultPath(component string) (string, error) {
	dir, err := DataRoot(component)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Error reports a failure to load or persist a config file.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// writeFileAtomic replaces path with data so readers observe either the old
// or the new content, never a torn file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// windows refuses to rename an open file
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
