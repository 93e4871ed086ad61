// Package watcher implements the daemon's four-stage file-watcher
// pipeline: raw filesystem events, debounced and coalesced, hash-gated
// against the last known content, diffed against the in-memory CRDT
// replica, and folded in as local edits.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// eventChannelCapacity bounds the raw-event channel between the OS watcher
// goroutine and the debounce stage.
const eventChannelCapacity = 512

// FileWatcher watches a workspace root recursively for ".md" file events
// using the OS-native backend (inotify on Linux, FSEvents on macOS, via
// fsnotify).
type FileWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	events  chan RawFsEvent
	errs    chan error
	done    chan struct{}
}

// Start begins watching root (canonicalized) recursively for ".md" file
// events. Returns the watcher handle; callers range over Events() until it
// closes. Errors reported by the OS watcher are not exposed to callers.
func Start(root string) (*FileWatcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Validation, err, fmt.Sprintf("resolve watch root %q", root))
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Validation, err, fmt.Sprintf("canonicalize watch root %q", absRoot))
	}

	osWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Transport, err, "create fsnotify watcher")
	}

	fw := &FileWatcher{
		watcher: osWatcher,
		root:    resolvedRoot,
		events:  make(chan RawFsEvent, eventChannelCapacity),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	if err := fw.addTreeRecursive(resolvedRoot); err != nil {
		osWatcher.Close()
		return nil, err
	}

	go fw.dispatch()

	return fw, nil
}

// Root returns the canonicalized directory being watched.
func (fw *FileWatcher) Root() string { return fw.root }

// Events returns the channel of debounce-stage-ready raw events. Closed
// when the underlying watcher is closed; an OS watcher error does not
// close it.
func (fw *FileWatcher) Events() <-chan RawFsEvent { return fw.events }

// Close stops the watcher and releases its OS resources.
func (fw *FileWatcher) Close() error {
	err := fw.watcher.Close()
	<-fw.done
	return err
}

func (fw *FileWatcher) addTreeRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if werr := fw.watcher.Add(path); werr != nil {
				return coreerr.Wrap(coreerr.Transport, werr, fmt.Sprintf("watch directory %q", path))
			}
		}
		return nil
	})
}

func (fw *FileWatcher) dispatch() {
	defer close(fw.events)
	defer close(fw.done)

	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleRawEvent(ev)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errs <- err:
			default:
			}
		}
	}
}

func (fw *FileWatcher) handleRawEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = fw.watcher.Add(ev.Name)
			return
		}
	}

	kind, ok := translateOp(ev.Op)
	if !ok {
		return
	}
	if !isMarkdown(ev.Name) || !isInsideRoot(ev.Name, fw.root) {
		return
	}

	select {
	case fw.events <- RawFsEvent{Kind: kind, Path: ev.Name}:
	default:
		// Event channel saturated; drop rather than block the watcher
		// goroutine. The debounce stage's poll loop will eventually
		// catch up via a later event on the same path.
	}
}

func translateOp(op fsnotify.Op) (FsEventKind, bool) {
	switch {
	case op&fsnotify.Remove != 0:
		return FsEventRemove, true
	case op&fsnotify.Rename != 0:
		return FsEventRemove, true
	case op&fsnotify.Create != 0:
		return FsEventCreate, true
	case op&fsnotify.Write != 0:
		return FsEventModify, true
	default:
		return 0, false
	}
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

func isInsideRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Sha256Hex returns the lowercase hex SHA-256 digest of content, used as
// the hash gate between "file touched" and "file content actually
// changed".
func Sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
