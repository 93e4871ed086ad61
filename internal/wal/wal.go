// Package wal implements the per-document, per-workspace write-ahead log:
// an append-only sequence of length-prefixed, checksummed, at-rest
// encrypted frames, with torn-tail detection and truncation on replay.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/security"
)

// frameHeaderBytes is the fixed [len u32 LE][checksum u32 LE] frame header.
const frameHeaderBytes = 8

// MaxUpdateBytes caps an individual frame's encrypted payload size: a 1 MiB
// update plus envelope overhead.
const MaxUpdateBytes = (1 << 20) + 128

// ReplaySummary reports the outcome of replaying a WAL file.
type ReplaySummary struct {
	Applied        int
	ValidFrames    int
	Truncated      bool
	ChecksumFailed bool
}

// Store is a single document's write-ahead log file.
type Store struct {
	path string
}

// Open creates the WAL's parent directory (owner-only) and the file itself
// (owner-only, created empty if absent) and returns a handle to it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create wal directory %q", dir))
		}
		if err := security.EnsureOwnerOnlyDir(dir); err != nil {
			return nil, err
		}
	}

	f, err := security.OpenPrivateAppend(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open wal file %q", path))
	}
	f.Close()
	if err := security.EnsureOwnerOnlyFile(path); err != nil {
		return nil, err
	}

	return &Store{path: path}, nil
}

// ForDoc opens (creating if necessary) the WAL file for (workspaceID,
// docID) under baseDir, following the <base>/<workspace>/<doc>.wal layout.
func ForDoc(baseDir string, workspaceID, docID uuid.UUID) (*Store, error) {
	path := filepath.Join(baseDir, workspaceID.String(), docID.String()+".wal")
	return Open(path)
}

// Path returns the WAL's file path.
func (s *Store) Path() string { return s.path }

// Append encrypts payload at rest, writes a checksummed frame, and fsyncs
// before returning. A failed permission-tightening attempt is fatal for the
// append.
func (s *Store) Append(payload []byte) error {
	encrypted, err := security.EncryptAtRest(payload)
	if err != nil {
		return err
	}
	if len(encrypted) > MaxUpdateBytes {
		return coreerr.Wrap(coreerr.Exhaustion, fmt.Errorf("encrypted wal payload is %d bytes, cap is %d", len(encrypted), MaxUpdateBytes), "append wal frame")
	}

	frame := make([]byte, 0, frameHeaderBytes+len(encrypted))
	var header [frameHeaderBytes]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(encrypted)))
	binary.LittleEndian.PutUint32(header[4:8], checksum(encrypted))
	frame = append(frame, header[:]...)
	frame = append(frame, encrypted...)

	f, err := security.OpenPrivateAppend(s.path)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open wal file %q for append", s.path))
	}
	defer f.Close()
	if err := security.EnsureOwnerOnlyFile(s.path); err != nil {
		return err
	}

	if _, err := f.Write(frame); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "write wal frame")
	}
	if err := f.Sync(); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "fsync wal file")
	}
	if err := security.FsyncDir(filepath.Dir(s.path)); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "fsync wal directory")
	}
	return nil
}

// Replay replays every frame from the start of the file.
func (s *Store) Replay(onUpdate func(payload []byte) error) (int, error) {
	summary, err := s.ReplayFromFrame(0, onUpdate)
	if err != nil {
		return 0, err
	}
	return summary.Applied, nil
}

// ReplayFromFrame replays frames in order, skipping (but still validating)
// frames before startFrame. A torn tail — a truncated header, an
// oversized length, a short payload, a checksum mismatch, or a decryption
// failure — truncates the file to the last valid frame boundary and stops;
// the summary marks Truncated (and ChecksumFailed, where applicable).
func (s *Store) ReplayFromFrame(startFrame int, onUpdate func(payload []byte) error) (ReplaySummary, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return ReplaySummary{}, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open wal file %q for replay", s.path))
	}
	defer f.Close()

	var (
		applied        int
		validFrames    int
		checksumFailed bool
		truncateTo     int64 = -1
	)

	var offset int64
	for {
		frameOffset := offset
		var header [frameHeaderBytes]byte
		n, readErr := io.ReadFull(f, header[:])
		offset += int64(n)
		if readErr == io.EOF && n == 0 {
			break
		}
		if readErr != nil {
			truncateTo = frameOffset
			break
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		expectedChecksum := binary.LittleEndian.Uint32(header[4:8])
		if int(length) > MaxUpdateBytes {
			truncateTo = frameOffset
			break
		}

		payload := make([]byte, length)
		pn, readErr := io.ReadFull(f, payload)
		offset += int64(pn)
		if readErr != nil {
			truncateTo = frameOffset
			break
		}

		if checksum(payload) != expectedChecksum {
			truncateTo = frameOffset
			checksumFailed = true
			break
		}

		decrypted, decErr := security.DecryptAtRest(payload)
		if decErr != nil {
			truncateTo = frameOffset
			checksumFailed = true
			break
		}

		if validFrames >= startFrame {
			if err := onUpdate(decrypted); err != nil {
				return ReplaySummary{}, coreerr.Wrap(coreerr.Durability, err, "apply wal frame payload")
			}
			applied++
		}
		validFrames++
	}

	if truncateTo >= 0 {
		if err := truncateFile(s.path, truncateTo); err != nil {
			return ReplaySummary{}, err
		}
	}

	return ReplaySummary{
		Applied:        applied,
		ValidFrames:    validFrames,
		Truncated:      truncateTo >= 0,
		ChecksumFailed: checksumFailed,
	}, nil
}

func truncateFile(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open wal file %q for truncation", path))
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("truncate wal file %q to %d", path, offset))
	}
	if err := f.Sync(); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "fsync truncated wal file")
	}
	if err := security.FsyncDir(filepath.Dir(path)); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "fsync wal directory after truncation")
	}
	return nil
}

// checksum computes the FNV-1a 32-bit checksum over the on-disk payload
// bytes (the at-rest-encrypted form).
func checksum(payload []byte) uint32 {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}
