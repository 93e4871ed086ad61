// Package snapshot implements the full-document snapshot store:
// compacted, at-rest encrypted copies of a document's CRDT state kept
// at crdt_store/snapshots/{doc_id}.snap, with an RLE fast path for
// repetitive payloads and atomic temp-file-then-rename persistence.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/security"
)

const (
	snapshotFileExt    = "snap"
	snapshotVersion    = 1
	snapshotHeaderSize = 18

	// IntervalUpdates is the number of applied updates since the last
	// snapshot that triggers a new one.
	IntervalUpdates = 1000
	// IntervalMinutes is the wall-clock age of the last snapshot that
	// triggers a new one, independent of update count.
	IntervalMinutes = 10
)

var snapshotMagic = [4]byte{'S', 'N', 'P', '1'}

// Codec identifies how a snapshot payload is encoded on disk.
type Codec uint8

const (
	CodecRaw Codec = 0
	CodecRLE Codec = 1
)

func codecFromByte(b byte) (Codec, bool) {
	switch Codec(b) {
	case CodecRaw, CodecRLE:
		return Codec(b), true
	default:
		return 0, false
	}
}

// Record is a loaded snapshot: its sequence number, decoded payload, and
// the codec it was stored with.
type Record struct {
	SnapshotSeq int64
	Payload     []byte
	Codec       Codec
}

// Store persists snapshots at crdt_store/snapshots/{doc_id}.snap.
type Store struct {
	snapshotsDir string
}

// New creates (if necessary) the snapshots directory under crdtStoreDir and
// returns a store rooted there.
func New(crdtStoreDir string) (*Store, error) {
	dir := filepath.Join(crdtStoreDir, "snapshots")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create snapshots directory %q", dir))
	}
	if err := security.EnsureOwnerOnlyDir(dir); err != nil {
		return nil, err
	}
	return &Store{snapshotsDir: dir}, nil
}

// SnapshotPath returns the on-disk path for docID's snapshot file.
func (s *Store) SnapshotPath(docID uuid.UUID) string {
	return filepath.Join(s.snapshotsDir, fmt.Sprintf("%s.%s", docID, snapshotFileExt))
}

func (s *Store) tempPathFor(docID uuid.UUID) string {
	return filepath.Join(s.snapshotsDir, fmt.Sprintf("%s.tmp.%d", docID, time.Now().UnixNano()))
}

// Save encodes payload (RLE if it shrinks, raw otherwise), encrypts it at
// rest, and atomically replaces docID's snapshot file.
func (s *Store) Save(docID uuid.UUID, snapshotSeq int64, payload []byte) (string, error) {
	codec, encoded := encodePayload(payload)
	encrypted, err := security.EncryptAtRest(encoded)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Durability, err, "encrypt snapshot at rest")
	}

	if len(payload) > 0xFFFFFFFF {
		return "", coreerr.Wrap(coreerr.Exhaustion, fmt.Errorf("snapshot payload exceeds uint32 length"), "save snapshot")
	}

	var header [snapshotHeaderSize]byte
	copy(header[0:4], snapshotMagic[:])
	header[4] = snapshotVersion
	header[5] = byte(codec)
	binary.LittleEndian.PutUint64(header[6:14], uint64(snapshotSeq))
	binary.LittleEndian.PutUint32(header[14:18], uint32(len(payload)))

	targetPath := s.SnapshotPath(docID)
	tmpPath := s.tempPathFor(docID)

	f, err := security.OpenPrivateTruncate(tmpPath)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open temp snapshot %q", tmpPath))
	}
	if err := security.EnsureOwnerOnlyFile(tmpPath); err != nil {
		f.Close()
		return "", err
	}

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return "", coreerr.Wrap(coreerr.Durability, err, "write snapshot header")
	}
	if _, err := f.Write(encrypted); err != nil {
		f.Close()
		return "", coreerr.Wrap(coreerr.Durability, err, "write snapshot payload")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", coreerr.Wrap(coreerr.Durability, err, "fsync snapshot file")
	}
	if err := f.Close(); err != nil {
		return "", coreerr.Wrap(coreerr.Durability, err, "close temp snapshot")
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		return "", coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("rename %q to %q", tmpPath, targetPath))
	}
	if err := security.EnsureOwnerOnlyFile(targetPath); err != nil {
		return "", err
	}

	return targetPath, nil
}

// Load reads docID's snapshot, if any. A missing file returns (nil, nil);
// an invalid magic, unsupported version, unknown codec, or decoded-length
// mismatch returns an explicit Integrity error.
func (s *Store) Load(docID uuid.UUID) (*Record, error) {
	path := s.SnapshotPath(docID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open snapshot %q", path))
	}
	defer f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("read snapshot %q", path))
	}
	if len(raw) < snapshotHeaderSize {
		return nil, coreerr.Wrap(coreerr.Integrity, fmt.Errorf("snapshot %q has truncated header", path), "load snapshot")
	}

	header := raw[:snapshotHeaderSize]
	if [4]byte(header[0:4]) != snapshotMagic {
		return nil, coreerr.Wrap(coreerr.Integrity, fmt.Errorf("snapshot %q has invalid magic", path), "load snapshot")
	}
	if header[4] != snapshotVersion {
		return nil, coreerr.Wrap(coreerr.Integrity, fmt.Errorf("snapshot %q has unsupported version %d", path, header[4]), "load snapshot")
	}
	codec, ok := codecFromByte(header[5])
	if !ok {
		return nil, coreerr.Wrap(coreerr.Integrity, fmt.Errorf("snapshot %q has unknown codec %d", path, header[5]), "load snapshot")
	}
	snapshotSeq := int64(binary.LittleEndian.Uint64(header[6:14]))
	expectedLen := int(binary.LittleEndian.Uint32(header[14:18]))

	encoded, err := security.DecryptAtRest(raw[snapshotHeaderSize:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, err, "decrypt snapshot payload at rest")
	}

	payload, err := decodePayload(codec, encoded, expectedLen)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, err, fmt.Sprintf("decode snapshot %q", path))
	}

	return &Record{SnapshotSeq: snapshotSeq, Payload: payload, Codec: codec}, nil
}

// ShouldSnapshot reports whether enough updates or enough time has passed
// since the last snapshot to warrant taking a new one.
func ShouldSnapshot(lastSnapshotSeq, currentSeq int64, lastSnapshotAt, now time.Time) bool {
	updatesSince := currentSeq - lastSnapshotSeq
	if updatesSince < 0 {
		updatesSince = 0
	}
	return updatesSince >= IntervalUpdates || now.Sub(lastSnapshotAt) >= time.Duration(IntervalMinutes)*time.Minute
}

func encodePayload(payload []byte) (Codec, []byte) {
	rle := rleCompress(payload)
	if len(rle) < len(payload) {
		return CodecRLE, rle
	}
	return CodecRaw, append([]byte(nil), payload...)
}

func decodePayload(codec Codec, encoded []byte, expectedLen int) ([]byte, error) {
	var decoded []byte
	switch codec {
	case CodecRaw:
		decoded = encoded
	case CodecRLE:
		d, err := rleDecompress(encoded, expectedLen)
		if err != nil {
			return nil, err
		}
		decoded = d
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}

	if len(decoded) != expectedLen {
		return nil, fmt.Errorf("decoded snapshot payload length mismatch: expected %d, got %d", expectedLen, len(decoded))
	}
	return decoded, nil
}

// rleCompress encodes input as a sequence of (run_len byte, run_byte)
// pairs, with runs capped at 255.
func rleCompress(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}

	out := make([]byte, 0, len(input))
	runByte := input[0]
	runLen := byte(1)

	for _, b := range input[1:] {
		if b == runByte && runLen < 0xFF {
			runLen++
			continue
		}
		out = append(out, runLen, runByte)
		runByte = b
		runLen = 1
	}
	out = append(out, runLen, runByte)
	return out
}

func rleDecompress(input []byte, expectedLen int) ([]byte, error) {
	if len(input)%2 != 0 {
		return nil, fmt.Errorf("invalid rle payload length %d", len(input))
	}

	out := make([]byte, 0, expectedLen)
	for i := 0; i < len(input); i += 2 {
		runLen := int(input[i])
		runByte := input[i+1]
		for j := 0; j < runLen; j++ {
			out = append(out, runByte)
		}
	}
	return out, nil
}
