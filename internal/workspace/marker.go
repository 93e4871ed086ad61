// Package workspace locates and reads/writes the `.scriptum/workspace.toml`
// marker file that identifies a directory tree as a scriptum workspace.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// MarkerDir and MarkerFile name the workspace marker's location relative to
// the workspace root.
const (
	MarkerDir  = ".scriptum"
	MarkerFile = "workspace.toml"
)

// Marker is the decoded contents of workspace.toml.
type Marker struct {
	WorkspaceID string    `toml:"workspace_id"`
	CreatedAt   time.Time `toml:"created_at"`
	RelayURL    string    `toml:"relay_url,omitempty"`
}

// MarkerPath returns the marker file path under root.
func MarkerPath(root string) string {
	return filepath.Join(root, MarkerDir, MarkerFile)
}

// Init creates a new workspace marker under root with a freshly generated
// workspace id. Fails if a marker already exists.
func Init(root string) (*Marker, error) {
	path := MarkerPath(root)
	if _, err := os.Stat(path); err == nil {
		return nil, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("workspace marker already exists at %q", path), "init workspace")
	}

	m := &Marker{WorkspaceID: uuid.New().String(), CreatedAt: time.Now().UTC()}
	if err := Save(root, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Save encodes m to root's marker file, creating the .scriptum directory if
// needed.
func Save(root string, m *Marker) error {
	dir := filepath.Join(root, MarkerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create %q", dir))
	}

	f, err := os.Create(MarkerPath(root))
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "create workspace marker")
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "encode workspace marker")
	}
	return nil
}

// Load decodes root's marker file.
func Load(root string) (*Marker, error) {
	var m Marker
	if _, err := toml.DecodeFile(MarkerPath(root), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.Wrap(coreerr.Precondition, err, "no workspace marker found")
		}
		return nil, coreerr.Wrap(coreerr.Integrity, err, "decode workspace marker")
	}
	return &m, nil
}

// FindRoot walks up from startDir looking for a `.scriptum` directory,
// mirroring how the daemon and CLI resolve "the current workspace" from any
// subdirectory within it.
func FindRoot(startDir string) (string, bool) {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, MarkerDir)); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
