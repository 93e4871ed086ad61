package main

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// lockFilePath is the daemon's single-instance guard, alongside its PID
// file. A flock is immune to PID reuse in a way a PID-file existence check
// alone is not: if the daemon is killed -9, the PID file can still name a
// since-recycled PID, but the OS drops the flock the instant the process
// dies.
func lockFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + "/.scriptum/daemon.lock", nil
}

// acquireDaemonLock takes an exclusive, non-blocking lock on the daemon's
// lock file, returning an error if another daemon instance already holds
// it. The caller keeps the returned *flock.Flock alive (and unlocks it on
// shutdown) for as long as the daemon runs.
func acquireDaemonLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another scriptumd instance already holds %q", path)
	}
	return lock, nil
}
