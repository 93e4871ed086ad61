package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// Store is the relay's durable record: the per-document update log and
// snapshot table, backed by Postgres via lib/pq. No pack
// example ships a Postgres driver, so the schema and queries below are
// this module's own, grounded on the metastore package's sql.Open /
// migration-on-open shape rather than copied from any example.
type Store struct {
	db *sql.DB
}

// OpenStore opens a Postgres connection pool at dsn and ensures the
// relay's tables exist.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "open relay postgres pool")
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (st *Store) Close() error { return st.db.Close() }

// Healthy reports whether the database connection is usable, for the
// relay's /ready contract.
func (st *Store) Healthy(ctx context.Context) error {
	if err := st.db.PingContext(ctx); err != nil {
		return coreerr.Wrap(coreerr.Transport, err, "ping relay database")
	}
	return nil
}

func (st *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_update_log (
			workspace_id     UUID NOT NULL,
			doc_id           UUID NOT NULL,
			server_seq       BIGINT NOT NULL,
			client_id        TEXT NOT NULL,
			client_update_id TEXT NOT NULL,
			payload          BYTEA NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workspace_id, doc_id, client_id, client_update_id)
		)`,
		`CREATE INDEX IF NOT EXISTS relay_update_log_seq_idx
			ON relay_update_log (workspace_id, doc_id, server_seq)`,
		`CREATE TABLE IF NOT EXISTS relay_snapshots (
			workspace_id  UUID NOT NULL,
			doc_id        UUID NOT NULL,
			snapshot_seq  BIGINT NOT NULL,
			payload       BYTEA NULL,
			object_key    TEXT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workspace_id, doc_id, snapshot_seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := st.db.ExecContext(ctx, stmt); err != nil {
			return coreerr.Wrap(coreerr.Durability, err, "apply relay schema")
		}
	}
	return nil
}

// FlushBatch inserts every sequenced update in one statement-per-row
// transaction; the (workspace, doc, client_id, client_update_id) primary
// key makes a client-retried delivery idempotent (a duplicate insert is
// silently ignored rather than erroring).
func (st *Store) FlushBatch(ctx context.Context, batch []SequencedUpdate) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "begin flush transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relay_update_log (workspace_id, doc_id, server_seq, client_id, client_update_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, doc_id, client_id, client_update_id) DO NOTHING
	`)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "prepare flush statement")
	}
	defer stmt.Close()

	for _, u := range batch {
		if _, err := stmt.ExecContext(ctx, u.WorkspaceID, u.DocID, u.ServerSeq, u.ClientID, u.ClientUpdateID, u.Payload); err != nil {
			return coreerr.Wrap(coreerr.Durability, err, fmt.Sprintf("insert update server_seq=%d", u.ServerSeq))
		}
	}

	if err := tx.Commit(); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "commit flush transaction")
	}
	return nil
}

// MaxServerSeqPerDoc returns, for every (workspace, doc) present in either
// the update log or the snapshot table, the maximum server_seq /
// snapshot_seq recorded for it. Implements maxSeqSource for
// Sequencer.RecoverFromMaxServerSeq.
func (st *Store) MaxServerSeqPerDoc(ctx context.Context) (map[docKey]int64, error) {
	result := make(map[docKey]int64)

	rows, err := st.db.QueryContext(ctx, `
		SELECT workspace_id, doc_id, MAX(server_seq) FROM relay_update_log GROUP BY workspace_id, doc_id
		UNION ALL
		SELECT workspace_id, doc_id, MAX(snapshot_seq) FROM relay_snapshots GROUP BY workspace_id, doc_id
	`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "query max server_seq")
	}
	defer rows.Close()

	for rows.Next() {
		var ws, doc uuid.UUID
		var maxSeq int64
		if err := rows.Scan(&ws, &doc, &maxSeq); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, "scan max server_seq row")
		}
		key := docKey{Workspace: ws, Doc: doc}
		if maxSeq > result[key] {
			result[key] = maxSeq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "iterate max server_seq rows")
	}
	return result, nil
}

// LatestSnapshotMeta returns the newest snapshot row for (ws, doc): its
// sequence number, an inline payload (nil if offloaded), and the object
// key (empty if stored inline). found is false if no snapshot exists yet.
func (st *Store) LatestSnapshotMeta(ctx context.Context, ws, doc uuid.UUID) (seq int64, inlinePayload []byte, objectKey string, found bool, err error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT snapshot_seq, payload, object_key FROM relay_snapshots
		WHERE workspace_id = $1 AND doc_id = $2
		ORDER BY snapshot_seq DESC
		LIMIT 1
	`, ws, doc)

	var payload []byte
	var key sql.NullString
	if scanErr := row.Scan(&seq, &payload, &key); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, nil, "", false, nil
		}
		return 0, nil, "", false, coreerr.Wrap(coreerr.Durability, scanErr, "query latest snapshot")
	}
	return seq, payload, key.String, true, nil
}

// UpdatesSince returns every update payload recorded for (ws, doc) with
// server_seq > sinceSeq, in server_seq order, along with the maximum
// server_seq among them (sinceSeq itself if none).
func (st *Store) UpdatesSince(ctx context.Context, ws, doc uuid.UUID, sinceSeq int64) (payloads [][]byte, maxSeq int64, err error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT server_seq, payload FROM relay_update_log
		WHERE workspace_id = $1 AND doc_id = $2 AND server_seq > $3
		ORDER BY server_seq ASC
	`, ws, doc, sinceSeq)
	if err != nil {
		return nil, sinceSeq, coreerr.Wrap(coreerr.Durability, err, "query updates since snapshot")
	}
	defer rows.Close()

	maxSeq = sinceSeq
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, sinceSeq, coreerr.Wrap(coreerr.Durability, err, "scan update row")
		}
		payloads = append(payloads, payload)
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return payloads, maxSeq, rows.Err()
}

// CandidateDocs lists every (workspace, doc) pair known to the update log,
// the compactor's iteration source for its periodic sweep.
func (st *Store) CandidateDocs(ctx context.Context) ([]docKey, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT DISTINCT workspace_id, doc_id FROM relay_update_log`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "query candidate documents")
	}
	defer rows.Close()

	var keys []docKey
	for rows.Next() {
		var ws, doc uuid.UUID
		if err := rows.Scan(&ws, &doc); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, "scan candidate document row")
		}
		keys = append(keys, docKey{Workspace: ws, Doc: doc})
	}
	return keys, rows.Err()
}

// latestSnapshotSeq returns the newest snapshot_seq recorded for (ws,
// doc), or 0 if none exists.
func (st *Store) latestSnapshotSeq(ctx context.Context, ws, doc uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	row := st.db.QueryRowContext(ctx, `
		SELECT MAX(snapshot_seq) FROM relay_snapshots WHERE workspace_id = $1 AND doc_id = $2
	`, ws, doc)
	if err := row.Scan(&seq); err != nil {
		return 0, coreerr.Wrap(coreerr.Durability, err, "query latest snapshot seq")
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// snapshotSeqsDesc returns every existing snapshot_seq for (ws, doc),
// newest first.
func (st *Store) snapshotSeqsDesc(ctx context.Context, ws, doc uuid.UUID) ([]int64, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT snapshot_seq FROM relay_snapshots
		WHERE workspace_id = $1 AND doc_id = $2
		ORDER BY snapshot_seq DESC
	`, ws, doc)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Durability, err, "query existing snapshots")
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, coreerr.Wrap(coreerr.Durability, err, "scan snapshot row")
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// compactTx runs the snapshot insert plus the two compaction deletes in
// one transaction: one snapshot row (carrying either the inline payload or
// the object key), a prune of every update-log row at or below
// oldestRetainedSeq, and a delete of each snapshot row listed in dropBeyond.
func (st *Store) compactTx(ctx context.Context, ws, doc uuid.UUID, snapshotSeq int64, inlinePayload []byte, objectKey string, oldestRetainedSeq int64, dropBeyond []int64) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "begin compaction transaction")
	}
	defer tx.Rollback()

	var payload interface{}
	if inlinePayload != nil {
		payload = inlinePayload
	}
	var key interface{}
	if objectKey != "" {
		key = objectKey
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relay_snapshots (workspace_id, doc_id, snapshot_seq, payload, object_key)
		VALUES ($1, $2, $3, $4, $5)
	`, ws, doc, snapshotSeq, payload, key); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "insert compacted snapshot")
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relay_update_log WHERE workspace_id = $1 AND doc_id = $2 AND server_seq <= $3
	`, ws, doc, oldestRetainedSeq); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "prune obsoleted update log rows")
	}

	for _, seq := range dropBeyond {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relay_snapshots WHERE workspace_id = $1 AND doc_id = $2 AND snapshot_seq = $3
		`, ws, doc, seq); err != nil {
			return coreerr.Wrap(coreerr.Durability, err, "prune superseded snapshot row")
		}
	}

	if err := tx.Commit(); err != nil {
		return coreerr.Wrap(coreerr.Durability, err, "commit compaction transaction")
	}
	return nil
}
