//go:build unix

package security

import "golang.org/x/sys/unix"

// FsyncDir opens dir and fsyncs it, forcing the directory entry for a file
// just created or renamed within it onto disk. A crash right after Append
// or truncateFile without this can leave the file's data durable but its
// directory entry unrecorded, so a replay after restart finds nothing to
// replay at all.
func FsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
