package watcher

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/crdt"
	"github.com/gbasin/scriptum/internal/docmanager"
)

// PathResolver maps an absolute file path to the (workspace, document)
// identity it belongs to. Returns ok=false for paths outside any tracked
// workspace.
type PathResolver interface {
	Resolve(path string) (workspaceID, docID uuid.UUID, ok bool)
}

// HashStore persists the last-known content hash per document, so the
// pipeline can skip no-op saves (an mtime bump with unchanged content).
type HashStore interface {
	GetHash(docID string) (string, bool, error)
	SetHash(docID string, hash string) error
}

// EventKind classifies a PipelineEvent.
type EventKind int

const (
	EventDocUpdated EventKind = iota
	EventDocRemoved
	EventError
)

// PipelineEvent reports the outcome of processing one debounced file
// event, for upstream consumers (the RPC mutation feed, a UI).
type PipelineEvent struct {
	Kind          EventKind
	WorkspaceID   uuid.UUID
	DocID         uuid.UUID
	Path          string
	ContentHash   string
	PatchOpCount  int
	Err           string
}

// Config tunes the pipeline's debounce window and poll cadence.
type Config struct {
	DebounceWindow time.Duration
	PollInterval   time.Duration
}

// DefaultConfig is the 100ms debounce / 50ms poll pairing the original
// implementation ships with.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: DebounceWindow(DefaultDebounceMillis),
		PollInterval:   50 * time.Millisecond,
	}
}

// RunPipeline consumes rawEvents, debounces them, and folds file changes
// into the corresponding CRDT replica via manager, emitting a
// PipelineEvent per processed change onto the returned channel. The
// returned channel closes once rawEvents closes or stop is closed.
func RunPipeline(rawEvents <-chan RawFsEvent, manager *docmanager.Manager, resolver PathResolver, hashes HashStore, cfg Config, stop <-chan struct{}) <-chan PipelineEvent {
	out := make(chan PipelineEvent, eventChannelCapacity)

	go func() {
		defer close(out)
		debouncer := NewDebouncer(cfg.DebounceWindow)
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case ev, ok := <-rawEvents:
				if !ok {
					drainAndEmit(debouncer, manager, resolver, hashes, out)
					return
				}
				debouncer.Push(ev)
			case <-ticker.C:
			}

			drainAndEmit(debouncer, manager, resolver, hashes, out)
		}
	}()

	return out
}

func drainAndEmit(debouncer *Debouncer, manager *docmanager.Manager, resolver PathResolver, hashes HashStore, out chan<- PipelineEvent) {
	for _, ev := range debouncer.DrainReady() {
		pe, ok, err := processEvent(ev, manager, resolver, hashes)
		if err != nil {
			out <- PipelineEvent{Kind: EventError, Path: ev.Path, Err: err.Error()}
			continue
		}
		if !ok {
			continue // no-op save (hash unchanged)
		}
		out <- pe
	}
}

func processEvent(ev RawFsEvent, manager *docmanager.Manager, resolver PathResolver, hashes HashStore) (PipelineEvent, bool, error) {
	workspaceID, docID, ok := resolver.Resolve(ev.Path)
	if !ok {
		return PipelineEvent{}, false, coreerr.Wrap(coreerr.Validation, fmt.Errorf("path not in any workspace: %s", ev.Path), "resolve watcher event")
	}
	docIDStr := docID.String()

	if ev.Kind == FsEventRemove {
		return PipelineEvent{Kind: EventDocRemoved, WorkspaceID: workspaceID, DocID: docID, Path: ev.Path}, true, nil
	}

	content, err := os.ReadFile(ev.Path)
	if err != nil {
		return PipelineEvent{}, false, coreerr.Wrap(coreerr.Transport, err, fmt.Sprintf("read %s", ev.Path))
	}

	newHash := Sha256Hex(content)
	if stored, found, err := hashes.GetHash(docIDStr); err != nil {
		return PipelineEvent{}, false, err
	} else if found && stored == newHash {
		return PipelineEvent{}, false, nil
	}

	// subscribe_or_create's sole purpose here is "ensure the replica is
	// loaded"; the watcher never owns a subscription slot of its own, so
	// unlike the RPC layer it does not pair this with an unsubscribe.
	doc := manager.SubscribeOrCreate(docID)
	currentText := doc.GetText("content")
	ops, err := crdt.ApplyTextDiffWithOrigin(doc, "content", currentText, string(content), crdt.OriginFromLabel(crdt.FileWatcherOrigin))
	if err != nil {
		return PipelineEvent{}, false, coreerr.Wrap(coreerr.Integrity, err, fmt.Sprintf("apply file diff for %s", ev.Path))
	}

	if err := hashes.SetHash(docIDStr, newHash); err != nil {
		return PipelineEvent{}, false, err
	}

	return PipelineEvent{
		Kind:         EventDocUpdated,
		WorkspaceID:  workspaceID,
		DocID:        docID,
		Path:         ev.Path,
		ContentHash:  newHash,
		PatchOpCount: len(ops),
	}, true, nil
}
