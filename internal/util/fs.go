package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const appName = "vaultagent"

// ErrNoHomeDir is returned when neither HOME nor the platform lookup yields a
// home directory. The daemon cannot place its socket without one.
var ErrNoHomeDir = errors.New("unable to determine home directory")

func HomeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return "", ErrNoHomeDir
	}
	return h, nil
}

// DataDir returns the XDG-compliant data directory for vaultagent
func DataDir() (string, error) {
	var dir string

	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		dir = filepath.Join(xdgDataHome, appName)
	} else {
		home, err := HomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".local", "share", appName)
	}
	return dir, EnsureDir(dir)
}

// ConfigDir returns the XDG-compliant config directory for vaultagent
func ConfigDir() (string, error) {
	var dir string

	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		dir = filepath.Join(xdgConfigHome, appName)
	} else {
		home, err := HomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config", appName)
	}
	return dir, EnsureDir(dir)
}

// SocketPath resolves the agent socket. SSH_AUTH_SOCK wins so that the
// daemon and ssh clients started from the same shell agree on the path.
func SocketPath() (string, error) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		return sock, nil
	}
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", appName+".sock"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return os.Chmod(dir, 0o700)
}

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	_, writeErr := f.Write(data)
	chmodErr := f.Chmod(perm)
	closeErr := f.Close()

	if writeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write %s: %w", path, writeErr)
	}
	if chmodErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to chmod %s: %w", path, chmodErr)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close %s: %w", path, closeErr)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
