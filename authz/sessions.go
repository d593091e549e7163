package authz

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionInvalid covers missing, expired and explicitly invalidated
// sessions. The message never distinguishes which.
var ErrSessionInvalid = errors.New("authz: invalid session")

// Session is a minted login token's server-side record. The token itself
// is opaque to clients and stored only here.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    source_ip  TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions (expires_at);
`

// SessionStore mints and validates bearer tokens. Reads hit an in-memory
// map; the sessions table makes tokens survive a restart. Writes hold the
// mutex, validation takes the read lock only.
type SessionStore struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]Session
}

// NewSessionStore applies the schema, loads live sessions into the cache
// and drops already-expired rows.
func NewSessionStore(db *sql.DB, ttl time.Duration) (*SessionStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if _, err := db.Exec(sessionsSchema); err != nil {
		return nil, fmt.Errorf("authz: sessions schema: %w", err)
	}
	s := &SessionStore{db: db, ttl: ttl, cache: make(map[string]Session)}
	if err := s.warm(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) warm() error {
	now := time.Now().Unix()
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("authz: session sweep: %w", err)
	}
	rows, err := s.db.Query(`SELECT session_id, user_id, created_at, expires_at, source_ip, user_agent FROM sessions`)
	if err != nil {
		return fmt.Errorf("authz: session warm: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sess Session
		var created, expires int64
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &created, &expires, &sess.SourceIP, &sess.UserAgent); err != nil {
			return err
		}
		sess.CreatedAt = time.Unix(created, 0).UTC()
		sess.ExpiresAt = time.Unix(expires, 0).UTC()
		s.cache[sess.SessionID] = sess
	}
	return rows.Err()
}

// Mint creates a session for userID with a 256-bit token.
func (s *SessionStore) Mint(ctx context.Context, userID, sourceIP, userAgent string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("authz: session token: %w", err)
	}
	now := time.Now().UTC()
	sess := Session{
		SessionID: base64.RawURLEncoding.EncodeToString(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, created_at, expires_at, source_ip, user_agent)
		VALUES (?,?,?,?,?,?)`,
		sess.SessionID, sess.UserID, sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(),
		sess.SourceIP, sess.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("authz: persist session: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.SessionID] = sess
	s.mu.Unlock()
	return &sess, nil
}

// Validate resolves a token to its session. An expired token is removed as
// a side effect and reported invalid.
func (s *SessionStore) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	s.mu.RLock()
	sess, ok := s.cache[token]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionInvalid
	}
	if time.Now().After(sess.ExpiresAt) {
		// Validation attempts on expired sessions trigger cleanup.
		s.Invalidate(ctx, token)
		return nil, ErrSessionInvalid
	}
	return &sess, nil
}

// Invalidate removes a session (logout or expiry cleanup).
func (s *SessionStore) Invalidate(ctx context.Context, token string) {
	s.mu.Lock()
	delete(s.cache, token)
	s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, token); err != nil {
		slog.Warn("authz: session delete failed", "error", err)
	}
}

// Cleanup removes all expired sessions. Returns the number removed.
func (s *SessionStore) Cleanup(ctx context.Context) (int, error) {
	now := time.Now()
	removed := 0
	s.mu.Lock()
	for token, sess := range s.cache {
		if now.After(sess.ExpiresAt) {
			delete(s.cache, token)
			removed++
		}
	}
	s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix()); err != nil {
		return removed, fmt.Errorf("authz: session cleanup: %w", err)
	}
	return removed, nil
}

// StartJanitor sweeps expired sessions every interval until ctx is done.
func (s *SessionStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Cleanup(ctx); err != nil {
					slog.Warn("authz: session janitor", "error", err)
				} else if n > 0 {
					slog.Debug("authz: sessions swept", "removed", n)
				}
			}
		}
	}()
}
