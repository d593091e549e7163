package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/arkiv/idgen"
)

// Audit actions form a closed set.
const (
	ActionView     = "view"
	ActionDownload = "download"
	ActionSearch   = "search"
	ActionEdit     = "edit"
	ActionDelete   = "delete"
	ActionUpload   = "upload"
	ActionShare    = "share"
	ActionPrint    = "print"
	ActionExport   = "export"
	ActionCreate   = "create"
)

// AuditEvent is one append-only trail entry.
type AuditEvent struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	UserID       string            `json:"user_id"`
	Username     string            `json:"username"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Allowed      bool              `json:"allowed"`
	IPAddress    string            `json:"ip_address"`
	SessionID    string            `json:"session_id,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    user_id       TEXT NOT NULL DEFAULT '',
    username      TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL DEFAULT '',
    resource_id   TEXT NOT NULL DEFAULT '',
    allowed       INTEGER NOT NULL,
    ip_address    TEXT NOT NULL DEFAULT '',
    session_id    TEXT NOT NULL DEFAULT '',
    user_agent    TEXT NOT NULL DEFAULT '',
    metadata      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events (user_id, timestamp DESC);
`

// AuditLog persists events asynchronously with a batch flush. Inserts are
// append-only; the only delete path is retention cleanup, which preserves
// each user's most recent event so per-user last-activity stays cheap.
type AuditLog struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEvent
	stop  chan struct{}
	done  chan struct{}
}

// NewAuditLog creates an async audit logger. Recommended bufferSize: 1000.
func NewAuditLog(db *sql.DB, bufferSize int) (*AuditLog, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("authz: audit schema: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a := &AuditLog{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *AuditEvent, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Record appends an event synchronously.
func (a *AuditLog) Record(ctx context.Context, e *AuditEvent) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// RecordAsync queues an event for batch persistence, falling back to a
// synchronous insert when the buffer is full.
func (a *AuditLog) RecordAsync(e *AuditEvent) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		slog.Warn("authz: audit buffer full, sync fallback", "action", e.Action)
		if err := a.insert(context.Background(), e); err != nil {
			slog.Error("authz: audit sync fallback failed", "error", err)
		}
	}
}

// QueryFilter narrows Query results.
type QueryFilter struct {
	UserID  string
	Action  string
	Allowed *bool
	Since   *time.Time
	Limit   int
}

// Query returns matching events, newest first.
func (a *AuditLog) Query(ctx context.Context, f QueryFilter) ([]*AuditEvent, error) {
	q := `SELECT event_id, timestamp, user_id, username, action, resource_type,
		resource_id, allowed, ip_address, session_id, user_agent, metadata
		FROM audit_events WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Allowed != nil {
		q += " AND allowed = ?"
		args = append(args, boolInt(*f.Allowed))
	}
	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("authz: audit query: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts int64
		var allowed int
		var metaJSON string
		if err := rows.Scan(&e.EventID, &ts, &e.UserID, &e.Username, &e.Action,
			&e.ResourceType, &e.ResourceID, &allowed, &e.IPAddress,
			&e.SessionID, &e.UserAgent, &metaJSON); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Allowed = allowed == 1
		json.Unmarshal([]byte(metaJSON), &e.Metadata)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than retentionDays, keeping each user's most
// recent event regardless of age.
func (a *AuditLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE timestamp < ?
		AND event_id NOT IN (
			SELECT event_id FROM (
				SELECT event_id, MAX(timestamp) FROM audit_events GROUP BY user_id
			)
		)`, threshold)
	if err != nil {
		return 0, fmt.Errorf("authz: audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLog) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLog) fillDefaults(e *AuditEvent) {
	if e.EventID == "" {
		e.EventID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func (a *AuditLog) insert(ctx context.Context, e *AuditEvent) error {
	metaJSON, _ := json.Marshal(e.Metadata)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, timestamp, user_id, username, action,
			resource_type, resource_id, allowed, ip_address, session_id, user_agent, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.Timestamp.Unix(), e.UserID, e.Username, e.Action,
		e.ResourceType, e.ResourceID, boolInt(e.Allowed), e.IPAddress,
		e.SessionID, e.UserAgent, string(metaJSON))
	return err
}

func (a *AuditLog) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEvent, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("authz: audit begin tx", "error", err)
			return
		}
		for _, e := range batch {
			metaJSON, _ := json.Marshal(e.Metadata)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO audit_events (event_id, timestamp, user_id, username, action,
					resource_type, resource_id, allowed, ip_address, session_id, user_agent, metadata)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
				e.EventID, e.Timestamp.Unix(), e.UserID, e.Username, e.Action,
				e.ResourceType, e.ResourceID, boolInt(e.Allowed), e.IPAddress,
				e.SessionID, e.UserAgent, string(metaJSON)); err != nil {
				slog.Error("authz: audit insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("authz: audit commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
