package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPageNotIndexed is returned for lookups of unknown pages.
var ErrPageNotIndexed = errors.New("archive: page not indexed")

const indexSchema = `
CREATE TABLE IF NOT EXISTS pages (
    page_id                  TEXT PRIMARY KEY,
    owner                    TEXT NOT NULL,
    year                     INTEGER NOT NULL,
    doc_type                 TEXT NOT NULL,
    batch_id                 TEXT NOT NULL,
    qc_status                TEXT NOT NULL,
    confidentiality          INTEGER NOT NULL DEFAULT 0,
    original_confidentiality INTEGER NOT NULL DEFAULT 0,
    owner_user_id            TEXT NOT NULL DEFAULT '',
    department               TEXT NOT NULL DEFAULT '',
    image_key                TEXT NOT NULL DEFAULT '',
    fields                   TEXT NOT NULL DEFAULT '{}',
    ocr_length               INTEGER NOT NULL DEFAULT 0,
    archived_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_owner ON pages (owner, year, doc_type, batch_id);
CREATE VIRTUAL TABLE IF NOT EXISTS pages_fts USING fts5(
    page_id UNINDEXED,
    ocr_text,
    fields_text
);
`

// Entry is one indexed page.
type Entry struct {
	PageID                  string            `json:"page_id"`
	Owner                   string            `json:"owner"`
	Year                    int               `json:"year"`
	DocType                 string            `json:"doc_type"`
	BatchID                 string            `json:"batch_id"`
	QCStatus                string            `json:"qc_status"`
	Confidentiality         int               `json:"confidentiality"`
	OriginalConfidentiality int               `json:"original_confidentiality"`
	OwnerUserID             string            `json:"owner_user_id,omitempty"`
	Department              string            `json:"department,omitempty"`
	ImageKey                string            `json:"image_key"`
	Fields                  map[string]string `json:"fields,omitempty"`
	OCRText                 string            `json:"-"`
	OCRLength               int               `json:"ocr_length"`
	ArchivedAt              time.Time         `json:"archived_at"`
}

// Index is the archive's search surface: a structured table for exact
// filters plus an FTS5 shadow table over OCR and field text. Results rank
// by bm25 with a recency tiebreak.
type Index struct {
	db *sql.DB
}

func NewIndex(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(indexSchema); err != nil {
		return nil, fmt.Errorf("archive: index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert replaces the page's structured row and FTS document in one
// transaction, so a reader never sees half an index patch.
func (ix *Index) Upsert(ctx context.Context, e *Entry) error {
	fieldsJSON, _ := json.Marshal(e.Fields)
	fieldsText := ""
	for k, v := range e.Fields {
		fieldsText += k + " " + v + " "
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: index tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (page_id, owner, year, doc_type, batch_id, qc_status,
			confidentiality, original_confidentiality, owner_user_id, department,
			image_key, fields, ocr_length, archived_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(page_id) DO UPDATE SET
			owner=excluded.owner, year=excluded.year, doc_type=excluded.doc_type,
			batch_id=excluded.batch_id, qc_status=excluded.qc_status,
			confidentiality=excluded.confidentiality,
			original_confidentiality=excluded.original_confidentiality,
			owner_user_id=excluded.owner_user_id, department=excluded.department,
			image_key=excluded.image_key, fields=excluded.fields,
			ocr_length=excluded.ocr_length, archived_at=excluded.archived_at`,
		e.PageID, e.Owner, e.Year, e.DocType, e.BatchID, e.QCStatus,
		e.Confidentiality, e.OriginalConfidentiality, e.OwnerUserID, e.Department,
		e.ImageKey, string(fieldsJSON), e.OCRLength, e.ArchivedAt.Unix()); err != nil {
		return fmt.Errorf("archive: index upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages_fts WHERE page_id = ?`, e.PageID); err != nil {
		return fmt.Errorf("archive: fts delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages_fts (page_id, ocr_text, fields_text) VALUES (?,?,?)`,
		e.PageID, e.OCRText, fieldsText); err != nil {
		return fmt.Errorf("archive: fts insert: %w", err)
	}
	return tx.Commit()
}

// Get returns one entry by page id.
func (ix *Index) Get(ctx context.Context, pageID string) (*Entry, error) {
	row := ix.db.QueryRowContext(ctx, `
		SELECT page_id, owner, year, doc_type, batch_id, qc_status,
			confidentiality, original_confidentiality, owner_user_id, department,
			image_key, fields, ocr_length, archived_at
		FROM pages WHERE page_id = ?`, pageID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPageNotIndexed
	}
	return e, err
}

// Query selects pages. Filters combine by AND; Text adds FTS ranking.
type Query struct {
	Text     string
	Owner    string
	Year     int
	DocType  string
	BatchID  string
	QCStatus string
	Limit    int
	Offset   int
}

// Result is one ranked hit.
type Result struct {
	Entry
	Rank float64 `json:"rank"`
}

// Search runs the query. With text, ranking is -bm25 (ocr weighted over
// fields) normalised to (0,1]; without, pages order by recency.
func (ix *Index) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var (
		sqlq string
		args []any
	)
	if q.Text != "" {
		sqlq = `SELECT p.page_id, p.owner, p.year, p.doc_type, p.batch_id, p.qc_status,
			p.confidentiality, p.original_confidentiality, p.owner_user_id, p.department,
			p.image_key, p.fields, p.ocr_length, p.archived_at,
			bm25(pages_fts, 0, 10.0, 4.0) AS score
			FROM pages_fts f JOIN pages p ON p.page_id = f.page_id
			WHERE pages_fts MATCH ?`
		args = append(args, ftsQuery(q.Text))
	} else {
		sqlq = `SELECT page_id, owner, year, doc_type, batch_id, qc_status,
			confidentiality, original_confidentiality, owner_user_id, department,
			image_key, fields, ocr_length, archived_at, 0.0 AS score
			FROM pages WHERE 1=1`
	}

	filters := []struct {
		col string
		val any
		on  bool
	}{
		{"owner", q.Owner, q.Owner != ""},
		{"year", q.Year, q.Year != 0},
		{"doc_type", q.DocType, q.DocType != ""},
		{"batch_id", q.BatchID, q.BatchID != ""},
		{"qc_status", q.QCStatus, q.QCStatus != ""},
	}
	prefix := ""
	if q.Text != "" {
		prefix = "p."
	}
	for _, f := range filters {
		if f.on {
			sqlq += " AND " + prefix + f.col + " = ?"
			args = append(args, f.val)
		}
	}

	if q.Text != "" {
		sqlq += " ORDER BY score ASC, p.archived_at DESC"
	} else {
		sqlq += " ORDER BY archived_at DESC, page_id ASC"
	}
	sqlq += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := ix.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var e Entry
		var fieldsJSON string
		var ts int64
		var score float64
		if err := rows.Scan(&e.PageID, &e.Owner, &e.Year, &e.DocType, &e.BatchID,
			&e.QCStatus, &e.Confidentiality, &e.OriginalConfidentiality,
			&e.OwnerUserID, &e.Department, &e.ImageKey, &fieldsJSON,
			&e.OCRLength, &ts, &score); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(fieldsJSON), &e.Fields)
		e.ArchivedAt = time.Unix(ts, 0).UTC()
		// bm25 scores are negative, more negative is better; map
		// monotonically to [0,1).
		rank := 0.0
		if q.Text != "" {
			rank = -score / (1.0 - score)
		}
		out = append(out, Result{Entry: e, Rank: rank})
	}
	return out, rows.Err()
}

// Facets lists the distinct values of one dimension, sorted.
func (ix *Index) Facets(ctx context.Context, dimension string) ([]string, error) {
	var col string
	switch dimension {
	case "owner":
		col = "owner"
	case "doc_type":
		col = "doc_type"
	case "year":
		col = "year"
	default:
		return nil, fmt.Errorf("archive: unknown facet %q", dimension)
	}
	rows, err := ix.db.QueryContext(ctx,
		"SELECT DISTINCT "+col+" FROM pages ORDER BY "+col)
	if err != nil {
		return nil, fmt.Errorf("archive: facets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Stats is the archive totals view.
type Stats struct {
	TotalPages int            `json:"total_pages"`
	ByDocType  map[string]int `json:"by_doc_type"`
	ByOwner    map[string]int `json:"by_owner"`
	ByStatus   map[string]int `json:"by_status"`
}

// StatsFilter narrows the totals.
type StatsFilter struct {
	Owner   string
	Year    int
	DocType string
}

func (ix *Index) Stats(ctx context.Context, f StatsFilter) (*Stats, error) {
	q := `SELECT doc_type, owner, qc_status FROM pages WHERE 1=1`
	var args []any
	if f.Owner != "" {
		q += " AND owner = ?"
		args = append(args, f.Owner)
	}
	if f.Year != 0 {
		q += " AND year = ?"
		args = append(args, f.Year)
	}
	if f.DocType != "" {
		q += " AND doc_type = ?"
		args = append(args, f.DocType)
	}
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: stats: %w", err)
	}
	defer rows.Close()

	s := &Stats{ByDocType: map[string]int{}, ByOwner: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var docType, owner, status string
		if err := rows.Scan(&docType, &owner, &status); err != nil {
			return nil, err
		}
		s.TotalPages++
		s.ByDocType[docType]++
		s.ByOwner[owner]++
		s.ByStatus[status]++
	}
	return s, rows.Err()
}

// BatchPages returns every indexed page of one batch, page_id ascending.
func (ix *Index) BatchPages(ctx context.Context, owner string, year int, docType, batchID string) ([]Entry, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT page_id, owner, year, doc_type, batch_id, qc_status,
			confidentiality, original_confidentiality, owner_user_id, department,
			image_key, fields, ocr_length, archived_at
		FROM pages WHERE owner = ? AND year = ? AND doc_type = ? AND batch_id = ?
		ORDER BY page_id ASC`, owner, year, docType, batchID)
	if err != nil {
		return nil, fmt.Errorf("archive: batch pages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var fieldsJSON string
	var ts int64
	if err := row.Scan(&e.PageID, &e.Owner, &e.Year, &e.DocType, &e.BatchID,
		&e.QCStatus, &e.Confidentiality, &e.OriginalConfidentiality,
		&e.OwnerUserID, &e.Department, &e.ImageKey, &fieldsJSON,
		&e.OCRLength, &ts); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(fieldsJSON), &e.Fields)
	e.ArchivedAt = time.Unix(ts, 0).UTC()
	return &e, nil
}

// ftsQuery quotes each term so user input never hits FTS5 query syntax.
func ftsQuery(q string) string {
	terms := ""
	word := ""
	flush := func() {
		if word == "" {
			return
		}
		if terms != "" {
			terms += " "
		}
		terms += `"` + word + `"`
		word = ""
	}
	for _, r := range q {
		if r == ' ' || r == '\t' || r == '\n' || r == '"' {
			flush()
			continue
		}
		word += string(r)
	}
	flush()
	return terms
}
