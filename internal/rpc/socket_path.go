//go:build !windows

package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// MaxUnixSocketPath is the maximum length for Unix socket paths. macOS has a
// 104-byte limit (including the null terminator), Linux has 108; 103 stays
// safely under both.
const MaxUnixSocketPath = 103

// DefaultSocketPath returns the daemon's per-user socket path,
// $HOME/.scriptum/daemon.sock, falling back to a short hashed path under
// /tmp if the natural path would exceed Unix socket length limits (e.g. a
// very long $HOME).
func DefaultSocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	natural := filepath.Join(home, ".scriptum", "daemon.sock")
	if len(natural) <= MaxUnixSocketPath {
		return natural, nil
	}
	return shortSocketPath(home), nil
}

// shortSocketPath returns a socket path in /tmp/scriptum-{hash}/daemon.sock,
// where the hash is derived from home so repeated calls for the same user
// agree on the same path.
func shortSocketPath(home string) string {
	hash := sha256.Sum256([]byte(home))
	return filepath.Join("/tmp", "scriptum-"+hex.EncodeToString(hash[:4]), "daemon.sock")
}

// EnsureSocketDir creates the socket's parent directory, owner-only, if it
// does not already exist.
func EnsureSocketDir(socketPath string) error {
	return os.MkdirAll(filepath.Dir(socketPath), 0o700)
}

// CleanupSocketDir removes the socket file itself. The parent directory is
// left in place since it may also hold the master key file and WAL state.
func CleanupSocketDir(socketPath string) error {
	return os.Remove(socketPath)
}
