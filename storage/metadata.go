package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// metaSchema holds the four logical tables of the metadata database plus
// the full-text index over object keys and content types.
const metaSchema = `
CREATE TABLE IF NOT EXISTS objects (
    object_key      TEXT PRIMARY KEY,
    size            INTEGER NOT NULL,
    content_type    TEXT NOT NULL DEFAULT '',
    etag            TEXT NOT NULL,
    version_id      TEXT NOT NULL,
    storage_backend TEXT NOT NULL,
    storage_class   TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    last_modified   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_modified ON objects (last_modified DESC);

CREATE TABLE IF NOT EXISTS versions (
    object_key TEXT NOT NULL,
    version_id TEXT NOT NULL,
    size       INTEGER NOT NULL,
    etag       TEXT NOT NULL,
    is_latest  INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    comment    TEXT NOT NULL DEFAULT '',
    tags       TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (object_key, version_id)
);
CREATE INDEX IF NOT EXISTS idx_versions_key ON versions (object_key, created_at DESC);

CREATE TABLE IF NOT EXISTS access_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  INTEGER NOT NULL,
    object_key TEXT NOT NULL,
    operation  TEXT NOT NULL,
    user_id    TEXT NOT NULL DEFAULT '',
    backend    TEXT NOT NULL DEFAULT '',
    success    INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_access_ts ON access_log (timestamp DESC);

CREATE TABLE IF NOT EXISTS hook_executions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    hook_name    TEXT NOT NULL,
    event        TEXT NOT NULL,
    object_key   TEXT NOT NULL DEFAULT '',
    success      INTEGER NOT NULL,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    response     TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    executed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hook_exec ON hook_executions (hook_name, executed_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS objects_fts USING fts5(
    object_key, content_type, meta_values
);
`

// MetaDB indexes every stored object, version, access and hook execution.
// It is the query side of the storage layer: the backend owns the bytes,
// MetaDB owns the rows, and the write path keeps them consistent.
type MetaDB struct {
	db *sql.DB
}

// NewMetaDB applies the schema and returns the handle.
func NewMetaDB(db *sql.DB) (*MetaDB, error) {
	if _, err := db.Exec(metaSchema); err != nil {
		return nil, fmt.Errorf("storage: metadata schema: %w", err)
	}
	return &MetaDB{db: db}, nil
}

// RecordPut upserts the object row, inserts the version row and refreshes
// the full-text index, all in one transaction.
func (m *MetaDB) RecordPut(ctx context.Context, info ObjectInfo, v Version) error {
	metaJSON, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("storage: metadata marshal: %w", err)
	}
	tagsJSON, err := json.Marshal(v.Tags)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: metadata tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (object_key, size, content_type, etag, version_id,
			storage_backend, storage_class, metadata, last_modified)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(object_key) DO UPDATE SET
			size = excluded.size,
			content_type = excluded.content_type,
			etag = excluded.etag,
			version_id = excluded.version_id,
			storage_backend = excluded.storage_backend,
			storage_class = excluded.storage_class,
			metadata = excluded.metadata,
			last_modified = excluded.last_modified`,
		info.Key, info.Size, info.ContentType, info.ETag, info.VersionID,
		info.StorageBackend, info.StorageClass, string(metaJSON), info.LastModified.Unix())
	if err != nil {
		return fmt.Errorf("storage: record object: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET is_latest = 0 WHERE object_key = ?`, info.Key); err != nil {
		return fmt.Errorf("storage: demote versions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO versions (object_key, version_id, size, etag, is_latest,
			created_by, comment, tags, created_at)
		VALUES (?,?,?,?,1,?,?,?,?)
		ON CONFLICT(object_key, version_id) DO UPDATE SET is_latest = 1`,
		v.Key, v.VersionID, v.Size, v.ETag, v.CreatedBy, v.Comment,
		string(tagsJSON), v.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: record version: %w", err)
	}

	// Refresh the full-text row: key and content type carry more weight
	// than metadata values at query time.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM objects_fts WHERE object_key = ?`, info.Key); err != nil {
		return err
	}
	values := make([]string, 0, len(info.Metadata))
	for _, k := range sortedKeys(info.Metadata) {
		values = append(values, info.Metadata[k])
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects_fts (object_key, content_type, meta_values) VALUES (?,?,?)`,
		info.Key, info.ContentType, strings.Join(values, " "))
	if err != nil {
		return fmt.Errorf("storage: fts insert: %w", err)
	}

	return tx.Commit()
}

// RecordDelete removes the object row, its versions (or one version) and
// the full-text row.
func (m *MetaDB) RecordDelete(ctx context.Context, key, versionID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: metadata tx: %w", err)
	}
	defer tx.Rollback()

	if versionID != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM versions WHERE object_key = ? AND version_id = ?`, key, versionID); err != nil {
			return err
		}
		// Re-point the object row at the newest remaining version.
		row := tx.QueryRowContext(ctx, `
			SELECT version_id, size, etag, created_at FROM versions
			WHERE object_key = ? ORDER BY version_id DESC LIMIT 1`, key)
		var vid, etag string
		var size, createdAt int64
		switch err := row.Scan(&vid, &size, &etag, &createdAt); err {
		case nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE versions SET is_latest = 1 WHERE object_key = ? AND version_id = ?`,
				key, vid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE objects SET version_id = ?, size = ?, etag = ?, last_modified = ?
				WHERE object_key = ?`, vid, size, etag, createdAt, key); err != nil {
				return err
			}
		case sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE object_key = ?`, key); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM objects_fts WHERE object_key = ?`, key); err != nil {
				return err
			}
		default:
			return err
		}
		return tx.Commit()
	}

	for _, q := range []string{
		`DELETE FROM versions WHERE object_key = ?`,
		`DELETE FROM objects WHERE object_key = ?`,
		`DELETE FROM objects_fts WHERE object_key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordAccess appends one row to the storage access log. Failures are the
// caller's concern; this method never writes partially.
func (m *MetaDB) RecordAccess(ctx context.Context, key, operation, userID, backend string, success bool) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO access_log (timestamp, object_key, operation, user_id, backend, success)
		VALUES (?,?,?,?,?,?)`,
		time.Now().Unix(), key, operation, userID, backend, boolInt(success))
	return err
}

// HookExecution is one delivery attempt record.
type HookExecution struct {
	HookName   string
	Event      string
	ObjectKey  string
	Success    bool
	Duration   time.Duration
	Response   string
	Error      string
	ExecutedAt time.Time
}

// RecordHookExecution appends a hook delivery record.
func (m *MetaDB) RecordHookExecution(ctx context.Context, e HookExecution) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO hook_executions (hook_name, event, object_key, success, duration_ms, response, error, executed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.HookName, e.Event, e.ObjectKey, boolInt(e.Success),
		e.Duration.Milliseconds(), e.Response, e.Error, e.ExecutedAt.Unix())
	return err
}

// Lookup returns the object row for key.
func (m *MetaDB) Lookup(ctx context.Context, key string) (*ObjectInfo, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT object_key, size, content_type, etag, version_id,
			storage_backend, storage_class, metadata, last_modified
		FROM objects WHERE object_key = ?`, key)
	info, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return info, err
}

// Search runs a ranked full-text query over keys, content types and
// metadata values. Key and content-type matches rank above metadata
// matches (bm25 column weights), with recency as the tiebreak.
func (m *MetaDB) Search(ctx context.Context, query string, limit int) ([]ObjectInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT o.object_key, o.size, o.content_type, o.etag, o.version_id,
			o.storage_backend, o.storage_class, o.metadata, o.last_modified
		FROM objects_fts f
		JOIN objects o ON o.object_key = f.object_key
		WHERE objects_fts MATCH ?
		ORDER BY bm25(objects_fts, 10.0, 10.0, 1.0), o.last_modified DESC
		LIMIT ?`, ftsQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: metadata search: %w", err)
	}
	defer rows.Close()

	var out []ObjectInfo
	for rows.Next() {
		info, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// ListVersions returns the recorded versions of key, latest first.
func (m *MetaDB) ListVersions(ctx context.Context, key string) ([]Version, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT object_key, version_id, size, etag, is_latest, created_by, comment, tags, created_at
		FROM versions WHERE object_key = ? ORDER BY version_id DESC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var isLatest int
		var tagsJSON string
		var createdAt int64
		if err := rows.Scan(&v.Key, &v.VersionID, &v.Size, &v.ETag, &isLatest,
			&v.CreatedBy, &v.Comment, &tagsJSON, &createdAt); err != nil {
			return nil, err
		}
		v.IsLatest = isLatest == 1
		v.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := json.Unmarshal([]byte(tagsJSON), &v.Tags); err != nil {
			v.Tags = nil
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Keys returns all recorded object keys under prefix, ordered.
func (m *MetaDB) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT object_key FROM objects WHERE object_key LIKE ? || '%' ORDER BY object_key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*ObjectInfo, error) {
	var info ObjectInfo
	var metaJSON string
	var lastModified int64
	err := row.Scan(&info.Key, &info.Size, &info.ContentType, &info.ETag,
		&info.VersionID, &info.StorageBackend, &info.StorageClass, &metaJSON, &lastModified)
	if err != nil {
		return nil, err
	}
	info.LastModified = time.Unix(lastModified, 0).UTC()
	if err := json.Unmarshal([]byte(metaJSON), &info.Metadata); err != nil {
		info.Metadata = nil
	}
	return &info, nil
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(fields, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
