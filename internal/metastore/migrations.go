package metastore

import "gopkg.in/yaml.v3"

// migrationManifest is the shape of a version-numbered schema migration:
// a monotonically increasing version and the batch of DDL statements it
// applies. Encoded as YAML so schema evolution reads as data, not Go code.
type migrationManifest struct {
	Version    int64  `yaml:"version"`
	Statements string `yaml:"statements"`
}

// embeddedMigrationsYAML is the meta database's migration history, oldest
// first. New migrations are appended, never edited in place.
const embeddedMigrationsYAML = `
- version: 1
  statements: |
    CREATE TABLE documents_local (
        doc_id              TEXT PRIMARY KEY,
        workspace_id        TEXT NOT NULL,
        abs_path            TEXT NOT NULL,
        line_ending_style   TEXT NOT NULL,
        last_fs_mtime_ns    INTEGER NOT NULL,
        last_content_hash   TEXT NOT NULL,
        projection_rev      INTEGER NOT NULL,
        last_server_seq     INTEGER NOT NULL DEFAULT 0,
        last_ack_seq        INTEGER NOT NULL DEFAULT 0,
        parse_error         TEXT NULL
    );

    CREATE TABLE agent_sessions (
        session_id      TEXT PRIMARY KEY,
        agent_id        TEXT NOT NULL,
        workspace_id    TEXT NOT NULL,
        started_at      TEXT NOT NULL,
        last_seen_at    TEXT NOT NULL,
        status          TEXT NOT NULL
    );

    CREATE TABLE agent_recent_edits (
        id                  INTEGER PRIMARY KEY AUTOINCREMENT,
        doc_id              TEXT NOT NULL,
        agent_id            TEXT NOT NULL,
        start_offset_utf16  INTEGER NOT NULL,
        end_offset_utf16    INTEGER NOT NULL,
        ts                  TEXT NOT NULL
    );

    CREATE TABLE git_sync_config (
        workspace_id        TEXT PRIMARY KEY,
        mode                TEXT NOT NULL,
        remote_name         TEXT NOT NULL DEFAULT 'origin',
        branch              TEXT NOT NULL DEFAULT 'main',
        commit_interval_sec INTEGER NOT NULL DEFAULT 30,
        push_policy         TEXT NOT NULL DEFAULT 'disabled',
        ai_enabled          INTEGER NOT NULL DEFAULT 1,
        redaction_policy    TEXT NOT NULL DEFAULT 'redacted'
    );

    CREATE TABLE git_sync_jobs (
        job_id              TEXT PRIMARY KEY,
        workspace_id        TEXT NOT NULL,
        state               TEXT NOT NULL,
        attempt_count       INTEGER NOT NULL DEFAULT 0,
        next_attempt_at     TEXT NULL,
        last_error_code     TEXT NULL,
        last_error_message  TEXT NULL,
        created_at          TEXT NOT NULL,
        updated_at          TEXT NOT NULL
    );

    CREATE TABLE outbox_updates (
        id                  INTEGER PRIMARY KEY AUTOINCREMENT,
        workspace_id        TEXT NOT NULL,
        doc_id              TEXT NOT NULL,
        client_update_id    TEXT NOT NULL,
        payload             BLOB NOT NULL,
        retry_count         INTEGER NOT NULL DEFAULT 0,
        next_retry_at       TEXT NULL,
        state               TEXT NOT NULL DEFAULT 'pending',
        created_at          TEXT NOT NULL
    );
- version: 2
  statements: |
    CREATE TABLE agent_leases (
        workspace_id    TEXT NOT NULL,
        doc_id          TEXT NOT NULL,
        section_id      TEXT NOT NULL,
        agent_id        TEXT NOT NULL,
        ttl_sec         INTEGER NOT NULL,
        mode            TEXT NOT NULL CHECK (mode IN ('exclusive', 'shared')),
        note            TEXT NULL,
        expires_at      TEXT NOT NULL,
        PRIMARY KEY (workspace_id, doc_id, section_id, agent_id)
    );

    CREATE INDEX agent_leases_expires_idx
        ON agent_leases (expires_at);

    CREATE INDEX agent_leases_lookup_idx
        ON agent_leases (workspace_id, doc_id, section_id);
`

func loadEmbeddedMigrations() ([]migrationManifest, error) {
	var manifests []migrationManifest
	if err := yaml.Unmarshal([]byte(embeddedMigrationsYAML), &manifests); err != nil {
		return nil, err
	}
	return manifests, nil
}
