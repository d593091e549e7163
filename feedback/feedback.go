// Package feedback captures QC operator corrections as an append-only,
// daily-rotating JSONL stream. Records are the training-data feed for the
// upstream classifier and extractor, so they are never mutated and never
// reordered: a record is written strictly after the QC task it describes
// reached a terminal state.
package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FieldCorrection is one before/after pair from an operator.
type FieldCorrection struct {
	Field              string  `json:"field"`
	Before             string  `json:"before"`
	After              string  `json:"after"`
	OperatorConfidence float64 `json:"operator_confidence"`
	Note               string  `json:"note,omitempty"`
}

// Record is one immutable feedback entry.
type Record struct {
	TaskID             string            `json:"task_id"`
	PageID             string            `json:"page_id"`
	OperatorID         string            `json:"operator_id"`
	OriginalDocType    string            `json:"original_doc_type"`
	CorrectedDocType   string            `json:"corrected_doc_type,omitempty"`
	FieldCorrections   []FieldCorrection `json:"field_corrections,omitempty"`
	IssueCategories    []string          `json:"issue_categories,omitempty"`
	OperatorConfidence float64           `json:"operator_confidence"`
	TimeSpentSeconds   int               `json:"time_spent_seconds"`
	Approved           bool              `json:"approved"`
	Escalated          bool              `json:"escalated"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Log appends records to data/feedback/qc_feedback_YYYY-MM-DD.jsonl,
// rotating by calendar day. Single writer; reads replay the files.
type Log struct {
	dir string
	mu  sync.Mutex

	f       *os.File
	w       *bufio.Writer
	curDate string
}

func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("feedback: mkdir: %w", err)
	}
	return &Log{dir: dir}, nil
}

func fileFor(dir, date string) string {
	return filepath.Join(dir, "qc_feedback_"+date+".jsonl")
}

// Append writes one record and flushes it to disk before returning.
func (l *Log) Append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	date := rec.Timestamp.UTC().Format("2006-01-02")
	if err := l.rotate(date); err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("feedback: append: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("feedback: flush: %w", err)
	}
	return l.f.Sync()
}

// rotate opens the file for date, closing the previous day's file.
func (l *Log) rotate(date string) error {
	if l.f != nil && l.curDate == date {
		return nil
	}
	if l.f != nil {
		l.w.Flush()
		l.f.Close()
	}
	f, err := os.OpenFile(fileFor(l.dir, date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open log: %w", err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.curDate = date
	return nil
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.w.Flush()
	err := l.f.Close()
	l.f = nil
	return err
}

// Replay reads every record from every rotation file, oldest file first.
// Unparseable lines are skipped, not fatal.
func (l *Log) Replay() ([]Record, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("feedback: read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "qc_feedback_") && strings.HasSuffix(name, ".jsonl") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	var out []Record
	for _, name := range files {
		f, err := os.Open(filepath.Join(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("feedback: open %s: %w", name, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var rec Record
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		f.Close()
	}
	return out, nil
}

// Stats is the aggregate view over all feedback.
type Stats struct {
	Total              int            `json:"total"`
	Approved           int            `json:"approved"`
	Rejected           int            `json:"rejected"`
	Escalated          int            `json:"escalated"`
	AvgConfidence      float64        `json:"avg_confidence"`
	AvgTimeSeconds     float64        `json:"avg_time_seconds"`
	CorrectionsByField map[string]int `json:"corrections_by_field"`
	IssueCategories    map[string]int `json:"issue_categories"`
	DocTypeChanges     int            `json:"doc_type_changes"`
}

// Aggregate folds all records into Stats.
func (l *Log) Aggregate() (*Stats, error) {
	recs, err := l.Replay()
	if err != nil {
		return nil, err
	}
	return fold(recs), nil
}

// OperatorStats is the per-operator slice of the aggregates.
type OperatorStats struct {
	OperatorID string `json:"operator_id"`
	Stats
}

// ForOperator folds only the given operator's records.
func (l *Log) ForOperator(operatorID string) (*OperatorStats, error) {
	recs, err := l.Replay()
	if err != nil {
		return nil, err
	}
	var mine []Record
	for _, r := range recs {
		if r.OperatorID == operatorID {
			mine = append(mine, r)
		}
	}
	return &OperatorStats{OperatorID: operatorID, Stats: *fold(mine)}, nil
}

func fold(recs []Record) *Stats {
	s := &Stats{
		CorrectionsByField: map[string]int{},
		IssueCategories:    map[string]int{},
	}
	confSum, timeSum := 0.0, 0
	for _, r := range recs {
		s.Total++
		switch {
		case r.Escalated:
			s.Escalated++
		case r.Approved:
			s.Approved++
		default:
			s.Rejected++
		}
		confSum += r.OperatorConfidence
		timeSum += r.TimeSpentSeconds
		for _, c := range r.FieldCorrections {
			s.CorrectionsByField[c.Field]++
		}
		for _, cat := range r.IssueCategories {
			s.IssueCategories[cat]++
		}
		if r.CorrectedDocType != "" && r.CorrectedDocType != r.OriginalDocType {
			s.DocTypeChanges++
		}
	}
	if s.Total > 0 {
		s.AvgConfidence = confSum / float64(s.Total)
		s.AvgTimeSeconds = float64(timeSum) / float64(s.Total)
	}
	return s
}
