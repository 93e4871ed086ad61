package main

import (
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/metastore"
	"github.com/gbasin/scriptum/internal/watcher"
)

// pathResolver implements watcher.PathResolver against the meta database,
// registering a fresh document id the first time it sees a path under the
// workspace rather than rejecting it as unknown.
type pathResolver struct {
	db          *metastore.DB
	workspaceID uuid.UUID
}

func newPathResolver(db *metastore.DB, workspaceID uuid.UUID) *pathResolver {
	return &pathResolver{db: db, workspaceID: workspaceID}
}

func (r *pathResolver) Resolve(path string) (workspaceID, docID uuid.UUID, ok bool) {
	if id, ws, found, err := r.db.ResolveByPath(path); err != nil {
		log.Printf("scriptumd: resolve %s: %v", path, err)
		return uuid.UUID{}, uuid.UUID{}, false
	} else if found {
		parsedDoc, errDoc := uuid.Parse(id)
		parsedWs, errWs := uuid.Parse(ws)
		if errDoc != nil || errWs != nil {
			log.Printf("scriptumd: malformed tracked ids for %s", path)
			return uuid.UUID{}, uuid.UUID{}, false
		}
		return parsedWs, parsedDoc, true
	}

	return r.register(path)
}

func (r *pathResolver) register(path string) (workspaceID, docID uuid.UUID, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, false
	}

	newID := uuid.New()
	lineEnding := "lf"
	if content, err := os.ReadFile(path); err == nil && strings.Contains(string(content), "\r\n") {
		lineEnding = "crlf"
	}

	if err := r.db.TrackDocument(newID.String(), r.workspaceID.String(), path, lineEnding, info.ModTime().UnixNano(), ""); err != nil {
		log.Printf("scriptumd: track %s: %v", path, err)
		return uuid.UUID{}, uuid.UUID{}, false
	}
	return r.workspaceID, newID, true
}

var _ watcher.PathResolver = (*pathResolver)(nil)
