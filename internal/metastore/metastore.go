// Package metastore is the daemon's local metadata database: per-document
// tracking state (content hash, sync cursor, parse errors), agent session
// bookkeeping, git sync jobs, and the outbox of updates awaiting relay
// delivery. Backed by SQLite via the cgo-free ncruces/go-sqlite3 driver,
// with a version-numbered YAML migration manifest.
package metastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// DB wraps the meta database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating and migrating if necessary) the meta database at
// path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("create meta db directory %q", dir))
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("open meta db %q", path))
	}

	if _, err := conn.Exec(`PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;`); err != nil {
		conn.Close()
		return nil, coreerr.Wrap(coreerr.Durability, err, "configure meta db pragmas")
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the underlying *sql.DB for callers that need queries beyond
// this package's convenience methods (git sync jobs, outbox, leases).
func (db *DB) Conn() *sql.DB { return db.conn }

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int64, error) {
	return currentSchemaVersion(db.conn)
}

func (db *DB) migrate() error {
	if err := ensureMigrationTable(db.conn); err != nil {
		return err
	}
	manifests, err := loadEmbeddedMigrations()
	if err != nil {
		return coreerr.Wrap(coreerr.Integrity, err, "parse embedded migration manifest")
	}

	current, err := currentSchemaVersion(db.conn)
	if err != nil {
		return err
	}

	for _, m := range manifests {
		if m.Version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return coreerr.Wrap(coreerr.Durability, err, "begin migration transaction")
		}
		if _, err := tx.Exec(m.Statements); err != nil {
			tx.Rollback()
			return coreerr.Wrap(coreerr.Integrity, err, fmt.Sprintf("apply migration v%d", m.Version))
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("record migration v%d", m.Version))
		}
		if err := tx.Commit(); err != nil {
			return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("commit migration v%d", m.Version))
		}
	}
	return nil
}

func ensureMigrationTable(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TEXT NOT NULL
		);
	`)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "ensure schema_migrations table")
	}
	return nil
}

func currentSchemaVersion(conn *sql.DB) (int64, error) {
	var version int64
	row := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&version); err != nil {
		return 0, coreerr.Wrap(coreerr.Durability, err, "read schema version")
	}
	return version, nil
}

// GetHash implements watcher.HashStore: it looks up documents_local's
// last_content_hash for docID.
func (db *DB) GetHash(docID string) (string, bool, error) {
	var hash string
	row := db.conn.QueryRow(`SELECT last_content_hash FROM documents_local WHERE doc_id = ?`, docID)
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, coreerr.Wrap(coreerr.Durability, err, "query stored content hash")
	}
	return hash, true, nil
}

// SetHash implements watcher.HashStore: it updates documents_local's
// last_content_hash for docID. Updating an untracked docID changes no row
// and is not reported as an error.
func (db *DB) SetHash(docID string, hash string) error {
	_, err := db.conn.Exec(`UPDATE documents_local SET last_content_hash = ? WHERE doc_id = ?`, hash, docID)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "update stored content hash")
	}
	return nil
}

// ResolveByPath looks up the (docID, workspaceID) tracked for absPath,
// reporting ok=false if no document is tracked at that path yet.
func (db *DB) ResolveByPath(absPath string) (docID, workspaceID string, ok bool, err error) {
	row := db.conn.QueryRow(`SELECT doc_id, workspace_id FROM documents_local WHERE abs_path = ?`, absPath)
	if scanErr := row.Scan(&docID, &workspaceID); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, coreerr.Wrap(coreerr.Durability, scanErr, "resolve document by path")
	}
	return docID, workspaceID, true, nil
}

// TrackedDocument is one row of documents_local, for startup enumeration.
type TrackedDocument struct {
	DocID       string
	WorkspaceID string
	AbsPath     string
}

// ListTrackedDocuments returns every document tracked for workspaceID, for
// hydrating each one's CRDT replica at daemon startup.
func (db *DB) ListTrackedDocuments(workspaceID string) ([]TrackedDocument, error) {
	rows, err := db.conn.Query(`SELECT doc_id, workspace_id, abs_path FROM documents_local WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "list tracked documents")
	}
	defer rows.Close()

	var docs []TrackedDocument
	for rows.Next() {
		var d TrackedDocument
		if err := rows.Scan(&d.DocID, &d.WorkspaceID, &d.AbsPath); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, "scan tracked document row")
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "iterate tracked documents")
	}
	return docs, nil
}

// TrackDocument inserts (or replaces) a documents_local row for a newly
// discovered document.
func (db *DB) TrackDocument(docID, workspaceID, absPath, lineEndingStyle string, fsMtimeNS int64, contentHash string) error {
	_, err := db.conn.Exec(`
		INSERT INTO documents_local (doc_id, workspace_id, abs_path, line_ending_style, last_fs_mtime_ns, last_content_hash, projection_rev)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(doc_id) DO UPDATE SET
			abs_path = excluded.abs_path,
			line_ending_style = excluded.line_ending_style,
			last_fs_mtime_ns = excluded.last_fs_mtime_ns,
			last_content_hash = excluded.last_content_hash
	`, docID, workspaceID, absPath, lineEndingStyle, fsMtimeNS, contentHash)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "track document")
	}
	return nil
}

// AgentLease is one row of agent_leases: a hold an AI agent takes on a
// section of a document while it edits, so concurrent agents (or an agent
// and a human) editing the same section don't need to be reconciled purely
// through CRDT merge.
type AgentLease struct {
	WorkspaceID string
	DocID       string
	SectionID   string
	AgentID     string
	Mode        string
	Note        string
	ExpiresAt   time.Time
}

// AcquireAgentLease grants agentID an exclusive or shared lease on
// (docID, sectionID) for ttlSec seconds, reporting ok=false without writing
// anything if an unexpired exclusive lease already belongs to a different
// agent, or if an unexpired lease of either mode already exists and a new
// exclusive lease is requested. An agent re-acquiring its own lease refreshes
// expires_at.
func (db *DB) AcquireAgentLease(workspaceID, docID, sectionID, agentID, mode, note string, ttlSec int) (AgentLease, bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSec) * time.Second)

	tx, err := db.conn.Begin()
	if err != nil {
		return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "begin acquire agent lease")
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT agent_id, mode FROM agent_leases
		WHERE workspace_id = ? AND doc_id = ? AND section_id = ? AND expires_at > ? AND agent_id != ?
	`, workspaceID, docID, sectionID, now.Format(time.RFC3339Nano), agentID)
	if err != nil {
		return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "query active agent leases")
	}
	blocked := false
	for rows.Next() {
		var holderID, holderMode string
		if err := rows.Scan(&holderID, &holderMode); err != nil {
			rows.Close()
			return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "scan active agent lease")
		}
		// Any other agent's exclusive lease blocks; any other agent's
		// shared lease blocks only a new exclusive request.
		if holderMode == "exclusive" || mode == "exclusive" {
			blocked = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "iterate active agent leases")
	}
	if blocked {
		return AgentLease{}, false, nil
	}

	_, err = tx.Exec(`
		INSERT INTO agent_leases (workspace_id, doc_id, section_id, agent_id, ttl_sec, mode, note, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, doc_id, section_id, agent_id) DO UPDATE SET
			ttl_sec = excluded.ttl_sec,
			mode = excluded.mode,
			note = excluded.note,
			expires_at = excluded.expires_at
	`, workspaceID, docID, sectionID, agentID, ttlSec, mode, note, expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "insert agent lease")
	}
	if err := tx.Commit(); err != nil {
		return AgentLease{}, false, coreerr.Wrap(coreerr.Durability, err, "commit agent lease acquisition")
	}

	return AgentLease{
		WorkspaceID: workspaceID, DocID: docID, SectionID: sectionID,
		AgentID: agentID, Mode: mode, Note: note, ExpiresAt: expiresAt,
	}, true, nil
}

// RenewAgentLease extends agentID's lease on (docID, sectionID) by ttlSec
// seconds from now, reporting ok=false if no unexpired lease held by
// agentID exists to renew.
func (db *DB) RenewAgentLease(workspaceID, docID, sectionID, agentID string, ttlSec int) (time.Time, bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttlSec) * time.Second)

	result, err := db.conn.Exec(`
		UPDATE agent_leases SET ttl_sec = ?, expires_at = ?
		WHERE workspace_id = ? AND doc_id = ? AND section_id = ? AND agent_id = ? AND expires_at > ?
	`, ttlSec, expiresAt.Format(time.RFC3339Nano), workspaceID, docID, sectionID, agentID, now.Format(time.RFC3339Nano))
	if err != nil {
		return time.Time{}, false, coreerr.Wrap(coreerr.Durability, err, "renew agent lease")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return time.Time{}, false, coreerr.Wrap(coreerr.Durability, err, "read renew agent lease row count")
	}
	if affected == 0 {
		return time.Time{}, false, nil
	}
	return expiresAt, true, nil
}

// ReleaseAgentLease drops agentID's lease on (docID, sectionID), reporting
// whether a row actually existed to delete.
func (db *DB) ReleaseAgentLease(workspaceID, docID, sectionID, agentID string) (bool, error) {
	result, err := db.conn.Exec(`
		DELETE FROM agent_leases
		WHERE workspace_id = ? AND doc_id = ? AND section_id = ? AND agent_id = ?
	`, workspaceID, docID, sectionID, agentID)
	if err != nil {
		return false, coreerr.Wrap(coreerr.Durability, err, "release agent lease")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, coreerr.Wrap(coreerr.Durability, err, "read release agent lease row count")
	}
	return affected > 0, nil
}

// ListActiveAgentLeases returns every unexpired lease held on docID, for
// surfacing which sections are currently off-limits to other agents.
func (db *DB) ListActiveAgentLeases(workspaceID, docID string) ([]AgentLease, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := db.conn.Query(`
		SELECT workspace_id, doc_id, section_id, agent_id, mode, note, expires_at
		FROM agent_leases
		WHERE workspace_id = ? AND doc_id = ? AND expires_at > ?
		ORDER BY section_id
	`, workspaceID, docID, now)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "list active agent leases")
	}
	defer rows.Close()

	var leases []AgentLease
	for rows.Next() {
		var l AgentLease
		var note sql.NullString
		var expiresAt string
		if err := rows.Scan(&l.WorkspaceID, &l.DocID, &l.SectionID, &l.AgentID, &l.Mode, &note, &expiresAt); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, "scan agent lease row")
		}
		l.Note = note.String
		parsed, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Integrity, err, "parse agent lease expires_at")
		}
		l.ExpiresAt = parsed
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "iterate agent lease rows")
	}
	return leases, nil
}

// EvictExpiredAgentLeases deletes every agent_leases row whose expires_at
// is not after now, returning the count removed. Intended to be called
// periodically so a crashed agent's lease doesn't block others forever
// beyond its own ttl_sec.
func (db *DB) EvictExpiredAgentLeases() (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM agent_leases WHERE expires_at <= ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, coreerr.Wrap(coreerr.Durability, err, "evict expired agent leases")
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, coreerr.Wrap(coreerr.Durability, err, "read evict agent leases row count")
	}
	return removed, nil
}
