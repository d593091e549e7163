package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/arkiv/idgen"
)

var newDecisionID = idgen.Prefixed("rtd_", idgen.Default)

const decisionsSchema = `
CREATE TABLE IF NOT EXISTS routing_decisions (
    decision_id TEXT PRIMARY KEY,
    page_id     TEXT NOT NULL,
    doc_type    TEXT NOT NULL,
    severity    TEXT NOT NULL,
    confidence  REAL NOT NULL,
    reasons     TEXT NOT NULL DEFAULT '[]',
    operator    TEXT NOT NULL DEFAULT '',
    decided_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_time ON routing_decisions (decided_at DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON routing_decisions (doc_type, decided_at DESC);
`

// Store persists every routing verdict for the summary, recent, and trends
// queries on the dashboard surface.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(decisionsSchema); err != nil {
		return nil, fmt.Errorf("routing: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists one decision.
func (s *Store) Record(ctx context.Context, d Decision, operator string) error {
	reasons, _ := json.Marshal(d.Reasons)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (decision_id, page_id, doc_type, severity, confidence, reasons, operator, decided_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		newDecisionID(), d.PageID, d.DocType, string(d.Severity), d.Confidence,
		string(reasons), operator, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("routing: record decision: %w", err)
	}
	return nil
}

// SummaryFilter narrows aggregate queries.
type SummaryFilter struct {
	Days     int
	DocType  string
	Severity string
	Operator string
}

// Summary is the aggregate view over a window.
type Summary struct {
	Total         int            `json:"total"`
	BySeverity    map[string]int `json:"by_severity"`
	ByDocType     map[string]int `json:"by_doc_type"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// Summary aggregates decisions over the filter window (default 7 days).
func (s *Store) Summary(ctx context.Context, f SummaryFilter) (*Summary, error) {
	days := f.Days
	if days <= 0 {
		days = 7
	}
	q := `SELECT severity, doc_type, confidence FROM routing_decisions WHERE decided_at >= ?`
	args := []any{time.Now().AddDate(0, 0, -days).Unix()}
	if f.DocType != "" {
		q += " AND doc_type = ?"
		args = append(args, f.DocType)
	}
	if f.Severity != "" {
		q += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.Operator != "" {
		q += " AND operator = ?"
		args = append(args, f.Operator)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("routing: summary: %w", err)
	}
	defer rows.Close()

	sum := &Summary{BySeverity: map[string]int{}, ByDocType: map[string]int{}}
	confTotal := 0.0
	for rows.Next() {
		var severity, docType string
		var conf float64
		if err := rows.Scan(&severity, &docType, &conf); err != nil {
			return nil, err
		}
		sum.Total++
		sum.BySeverity[severity]++
		sum.ByDocType[docType]++
		confTotal += conf
	}
	if sum.Total > 0 {
		sum.AvgConfidence = confTotal / float64(sum.Total)
	}
	return sum, rows.Err()
}

// RecentDecision is one row of the recent-decisions listing.
type RecentDecision struct {
	PageID     string    `json:"page_id"`
	DocType    string    `json:"doc_type"`
	Severity   string    `json:"severity"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons"`
	DecidedAt  time.Time `json:"decided_at"`
}

const maxRecentLimit = 1000

// Recent returns the newest decisions, capped at 1000.
func (s *Store) Recent(ctx context.Context, limit int) ([]RecentDecision, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, doc_type, severity, confidence, reasons, decided_at
		FROM routing_decisions ORDER BY decided_at DESC, decision_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("routing: recent: %w", err)
	}
	defer rows.Close()

	var out []RecentDecision
	for rows.Next() {
		var d RecentDecision
		var reasons string
		var ts int64
		if err := rows.Scan(&d.PageID, &d.DocType, &d.Severity, &d.Confidence, &reasons, &ts); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(reasons), &d.Reasons)
		d.DecidedAt = time.Unix(ts, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// TrendPoint is one day of the routing time series.
type TrendPoint struct {
	Date   string `json:"date"`
	Auto   int    `json:"auto"`
	Manual int    `json:"manual"`
	QC     int    `json:"qc"`
}

// Trends returns a per-day severity breakdown for the last days days,
// oldest first.
func (s *Store) Trends(ctx context.Context, days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(decided_at, 'unixepoch') AS day, severity, COUNT(*)
		FROM routing_decisions
		WHERE decided_at >= ?
		GROUP BY day, severity ORDER BY day ASC`,
		time.Now().AddDate(0, 0, -days).Unix())
	if err != nil {
		return nil, fmt.Errorf("routing: trends: %w", err)
	}
	defer rows.Close()

	byDay := map[string]*TrendPoint{}
	var order []string
	for rows.Next() {
		var day, severity string
		var n int
		if err := rows.Scan(&day, &severity, &n); err != nil {
			return nil, err
		}
		p, ok := byDay[day]
		if !ok {
			p = &TrendPoint{Date: day}
			byDay[day] = p
			order = append(order, day)
		}
		switch Severity(severity) {
		case SeverityAuto:
			p.Auto = n
		case SeverityManual:
			p.Manual = n
		case SeverityQC:
			p.QC = n
		}
	}
	out := make([]TrendPoint, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, rows.Err()
}
