// Package logging sets up the daemon's log output: a size- and age-rotated
// file under the workspace's `.scriptum` directory via lumberjack, so a
// long-running daemon never grows an unbounded log file.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 28
)

// Writer opens (creating parent directories as needed) a rotating log file
// at dir/name and returns an io.Writer suitable for log.SetOutput, paired
// with stderr via io.MultiWriter so a foreground run stays visible on the
// terminal, together with the io.Closer of the rotating file.
func Writer(dir, name string) (io.Writer, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}

	return io.MultiWriter(os.Stderr, rotator), rotator, nil
}
