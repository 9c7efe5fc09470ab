package ipc

import (
	"os"
	"path/filepath"
)

// SocketDir returns the directory for the daemon socket. $ORCAI_RUNTIME_DIR
// wins, then $XDG_RUNTIME_DIR/orcai, then ~/.local/share/orcai/run.
func SocketDir() (string, error) {
	if dir := os.Getenv("ORCAI_RUNTIME_DIR"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "orcai"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "orcai", "run"), nil
}

// SocketPath returns the full path to the daemon socket file.
func SocketPath() (string, error) {
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// PidPath returns the full path to the daemon PID file.
func PidPath() (string, error) {
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}
