package util

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestHomeDir(t *testing.T) {
	tests := []struct {
		name    string
		homeEnv string
		wantErr bool
	}{
		{
			name:    "normal home directory",
			homeEnv: "/home/user",
		},
		{
			name:    "empty home directory",
			homeEnv: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr && runtime.GOOS != "linux" {
				t.Skip("UserHomeDir falls back to platform lookups outside linux")
			}
			t.Setenv("HOME", tt.homeEnv)

			result, err := HomeDir()
			if tt.wantErr {
				if !errors.Is(err, ErrNoHomeDir) {
					t.Errorf("Expected ErrNoHomeDir, got %v (%q)", err, result)
				}
				return
			}
			if err != nil {
				t.Fatalf("HomeDir failed: %v", err)
			}
			if result != tt.homeEnv {
				t.Errorf("Expected %q, got %q", tt.homeEnv, result)
			}
		})
	}
}

func TestSocketPath(t *testing.T) {
	tempHome := t.TempDir()

	tests := []struct {
		name     string
		authSock string
		expected string
	}{
		{
			name:     "SSH_AUTH_SOCK set",
			authSock: "/tmp/agent.sock",
			expected: "/tmp/agent.sock",
		},
		{
			name:     "default under ~/.ssh",
			authSock: "",
			expected: filepath.Join(tempHome, ".ssh", "vaultagent.sock"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", tempHome)
			t.Setenv("SSH_AUTH_SOCK", tt.authSock)

			sockPath, err := SocketPath()
			if err != nil {
				t.Fatalf("SocketPath failed: %v", err)
			}
			if sockPath != tt.expected {
				t.Errorf("Expected socket path %q, got %q", tt.expected, sockPath)
			}
		})
	}
}

func TestDataDir_XDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_DATA_HOME", xdg)

	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir failed: %v", err)
	}

	expected := filepath.Join(xdg, "vaultagent")
	if dir != expected {
		t.Errorf("Expected data dir %q, got %q", expected, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Failed to stat directory: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("Expected directory permissions 0o700, got %o", perm)
	}
}

func TestConfigPath(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath failed: %v", err)
	}

	expected := filepath.Join(xdg, "vaultagent", "config.yaml")
	if path != expected {
		t.Errorf("Expected config path %q, got %q", expected, path)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "keys.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "second" {
		t.Errorf("Expected %q, got %q", "second", string(content))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("Expected file permissions 0o600, got %o", perm)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file to remain, found %d entries", len(entries))
	}
}

func TestWriteFileAtomic_WriteError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping write permission test when running as root")
	}

	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o700)

	if err := WriteFileAtomic(filepath.Join(dir, "file"), []byte("x"), 0o600); err == nil {
		t.Error("Expected error when writing to non-writable directory")
	}
}
