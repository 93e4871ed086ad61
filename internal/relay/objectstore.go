package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// SnapshotSizeThreshold is the payload size above which a snapshot
// is offloaded to object storage instead of staying inline in the
// relational snapshot table.
const SnapshotSizeThreshold = 256 * 1024

// ObjectStore persists compactor payloads above SnapshotSizeThreshold
// under a deterministic key. No pack example vendors a cloud object SDK
// (no S3/GCS/Azure client appears in any retrieved go.mod), so this is a
// small local interface with a filesystem-backed implementation; a real
// deployment substitutes an S3/GCS-backed implementation behind the same
// interface without touching the compactor.
type ObjectStore interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectKey builds the deterministic `{workspace}/{doc}/{snapshot_seq}.snap`
// key oversized snapshots are stored under.
func ObjectKey(workspace, doc uuid.UUID, snapshotSeq int64) string {
	return fmt.Sprintf("%s/%s/%d.snap", workspace, doc, snapshotSeq)
}

// FilesystemObjectStore implements ObjectStore under a root directory,
// mirroring the key's own path segments on disk.
type FilesystemObjectStore struct {
	root string
}

// NewFilesystemObjectStore roots an object store at dir, creating it if
// necessary.
func NewFilesystemObjectStore(dir string) (*FilesystemObjectStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create object store directory %q", dir))
	}
	return &FilesystemObjectStore{root: dir}, nil
}

func (fs *FilesystemObjectStore) path(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Put writes payload at key, creating parent directories as needed. An
// upload failure here must abort the whole compaction: the caller inserts
// no snapshot row unless this succeeds.
func (fs *FilesystemObjectStore) Put(_ context.Context, key string, payload []byte) error {
	path := fs.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create object directory for %q", key))
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("write object %q", key))
	}
	return nil
}

// Get reads the payload previously stored at key.
func (fs *FilesystemObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	payload, err := os.ReadFile(fs.path(key))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("read object %q", key))
	}
	return payload, nil
}
