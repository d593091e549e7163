// Package qcqueue holds the human review queue. Task state lives in an
// in-memory projection rebuilt on startup by replaying an append-only JSONL
// transition log; every state change appends one full task snapshot, so the
// last record per task id wins on replay.
package qcqueue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/arkiv/feedback"
	"github.com/hazyhaar/arkiv/idgen"
	"github.com/hazyhaar/arkiv/routing"
)

// Priority orders tasks within the queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical

	// PriorityUnset lets Enqueue derive the priority from severity.
	PriorityUnset Priority = -1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Task statuses. completed, rejected and escalated are terminal; released
// tasks are claimable again.
const (
	StatusPending    = "pending"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
	StatusEscalated  = "escalated"
	StatusReleased   = "released"
)

func terminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected || status == StatusEscalated
}

func claimable(status string) bool {
	return status == StatusPending || status == StatusReleased
}

// PageSnapshot is the page material an operator needs to judge a task,
// plus the archival context required to file the page once it is approved.
type PageSnapshot struct {
	ImageKey string            `json:"image_key,omitempty"`
	OCRText  string            `json:"ocr_text,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`

	Owner           string `json:"owner,omitempty"`
	Year            int    `json:"year,omitempty"`
	BatchID         string `json:"batch_id,omitempty"`
	ImageExt        string `json:"image_ext,omitempty"`
	Confidentiality int    `json:"confidentiality,omitempty"`
	OwnerUserID     string `json:"owner_user_id,omitempty"`
	Department      string `json:"department,omitempty"`
}

// Task is one QC work item.
type Task struct {
	TaskID         string           `json:"task_id"`
	PageID         string           `json:"page_id"`
	DocType        string           `json:"doc_type"`
	Severity       routing.Severity `json:"severity"`
	Priority       Priority         `json:"priority"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	AssignedTo     string           `json:"assigned_to,omitempty"`
	LockHolder     string           `json:"lock_holder,omitempty"`
	LockExpiresAt  *time.Time       `json:"lock_expires_at,omitempty"`
	RoutingReasons []string         `json:"routing_reasons,omitempty"`
	Snapshot       PageSnapshot     `json:"snapshot"`
}

// Verdict is an operator's submission for a task.
type Verdict struct {
	Approved           bool                       `json:"approved"`
	CorrectedDocType   string                     `json:"corrected_doc_type,omitempty"`
	FieldCorrections   []feedback.FieldCorrection `json:"field_corrections,omitempty"`
	IssueCategories    []string                   `json:"issue_categories,omitempty"`
	OperatorConfidence float64                    `json:"operator_confidence"`
	TimeSpentSeconds   int                        `json:"time_spent_seconds"`
	Notes              string                     `json:"notes,omitempty"`
	Action             string                     `json:"action"`
}

// Verdict actions.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionEscalate = "escalate"
	ActionRelease  = "release"
)

var (
	ErrTaskNotFound = errors.New("qcqueue: task not found")
	ErrLockConflict = errors.New("qcqueue: lock conflict")
	ErrTaskTerminal = errors.New("qcqueue: task already terminal")
	ErrBadAction    = errors.New("qcqueue: unknown action")
)

// LockTTL is how long an operator holds a task before it is reassignable.
const LockTTL = 30 * time.Minute

// Queue is the task store. Single log writer under mu; reads serve from
// the projection.
type Queue struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	byPage map[string]string // page id -> non-terminal task id

	path string
	f    *os.File
	w    *bufio.Writer

	fb    *feedback.Log
	newID idgen.Generator
	now   func() time.Time
}

// Open replays the transition log at path and opens it for appending.
// fb may be nil when feedback capture is disabled.
func Open(path string, fb *feedback.Log) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("qcqueue: mkdir: %w", err)
	}
	q := &Queue{
		tasks:  make(map[string]*Task),
		byPage: make(map[string]string),
		path:   path,
		fb:     fb,
		newID:  idgen.Prefixed("task_", idgen.Default),
		now:    time.Now,
	}
	if err := q.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("qcqueue: open log: %w", err)
	}
	q.f = f
	q.w = bufio.NewWriter(f)
	return q, nil
}

func (q *Queue) replay() error {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("qcqueue: open log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var t Task
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil || t.TaskID == "" {
			continue
		}
		q.tasks[t.TaskID] = &t
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("qcqueue: replay: %w", err)
	}
	for id, t := range q.tasks {
		if !terminal(t.Status) {
			q.byPage[t.PageID] = id
		}
	}
	return nil
}

// Close flushes and closes the log.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return nil
	}
	q.w.Flush()
	err := q.f.Close()
	q.f = nil
	return err
}

// writeTransition appends the task's current snapshot. Caller holds mu.
func (q *Queue) writeTransition(t *Task) error {
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("qcqueue: marshal: %w", err)
	}
	if _, err := q.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("qcqueue: append: %w", err)
	}
	if err := q.w.Flush(); err != nil {
		return fmt.Errorf("qcqueue: flush: %w", err)
	}
	return q.f.Sync()
}

// EnqueueInput describes the page a routing verdict sent to QC.
type EnqueueInput struct {
	PageID   string
	DocType  string
	Severity routing.Severity
	Reasons  []string
	Priority Priority // PriorityUnset derives from severity
	Snapshot PageSnapshot
}

// Enqueue creates a task, idempotently: a page with a live task returns the
// existing task id.
func (q *Queue) Enqueue(in EnqueueInput) (string, error) {
	if in.PageID == "" {
		return "", fmt.Errorf("qcqueue: empty page id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byPage[in.PageID]; ok {
		return id, nil
	}

	prio := in.Priority
	if prio == PriorityUnset {
		if in.Severity == routing.SeverityManual {
			prio = PriorityHigh
		} else {
			prio = PriorityMedium
		}
	}

	now := q.now().UTC()
	t := &Task{
		TaskID:         q.newID(),
		PageID:         in.PageID,
		DocType:        in.DocType,
		Severity:       in.Severity,
		Priority:       prio,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		RoutingReasons: in.Reasons,
		Snapshot:       in.Snapshot,
	}
	if err := q.writeTransition(t); err != nil {
		return "", err
	}
	q.tasks[t.TaskID] = t
	q.byPage[t.PageID] = t.TaskID
	return t.TaskID, nil
}

// sweepExpiredLocks releases assignments whose lock has lapsed. Caller
// holds mu.
func (q *Queue) sweepExpiredLocks() {
	now := q.now()
	for _, t := range q.tasks {
		if t.Status != StatusAssigned && t.Status != StatusInProgress {
			continue
		}
		if t.LockExpiresAt != nil && now.After(*t.LockExpiresAt) {
			t.Status = StatusReleased
			t.AssignedTo = ""
			t.LockHolder = ""
			t.LockExpiresAt = nil
			t.UpdatedAt = now.UTC()
			q.writeTransition(t)
		}
	}
}

// NextTask assigns the highest-priority claimable task to operatorID with a
// fresh lock. Returns nil when the queue has nothing to hand out.
func (q *Queue) NextTask(operatorID string) (*Task, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("qcqueue: empty operator id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepExpiredLocks()

	var pick *Task
	for _, t := range q.tasks {
		if !claimable(t.Status) {
			continue
		}
		if pick == nil || t.Priority > pick.Priority ||
			(t.Priority == pick.Priority && t.CreatedAt.Before(pick.CreatedAt)) {
			pick = t
		}
	}
	if pick == nil {
		return nil, nil
	}

	expires := q.now().Add(LockTTL)
	pick.Status = StatusAssigned
	pick.AssignedTo = operatorID
	pick.LockHolder = operatorID
	pick.LockExpiresAt = &expires
	pick.UpdatedAt = q.now().UTC()
	if err := q.writeTransition(pick); err != nil {
		return nil, err
	}
	cp := *pick
	return &cp, nil
}

// Submit applies an operator verdict. The terminal transition is durably
// logged before any feedback record is appended.
func (q *Queue) Submit(taskID, operatorID string, v Verdict) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if terminal(t.Status) {
		return nil, ErrTaskTerminal
	}
	if t.LockHolder != operatorID ||
		(t.LockExpiresAt != nil && q.now().After(*t.LockExpiresAt)) {
		return nil, ErrLockConflict
	}

	now := q.now().UTC()
	emitFeedback := false
	switch v.Action {
	case ActionApprove:
		t.Status = StatusCompleted
		emitFeedback = true
	case ActionReject:
		t.Status = StatusRejected
		emitFeedback = true
	case ActionEscalate:
		t.Status = StatusEscalated
		t.Priority = PriorityCritical
		t.LockHolder = ""
		t.LockExpiresAt = nil
	case ActionRelease:
		t.Status = StatusReleased
		t.AssignedTo = ""
		t.LockHolder = ""
		t.LockExpiresAt = nil
	default:
		return nil, ErrBadAction
	}
	t.UpdatedAt = now
	if err := q.writeTransition(t); err != nil {
		return nil, err
	}
	if terminal(t.Status) {
		delete(q.byPage, t.PageID)
	}

	if emitFeedback && q.fb != nil {
		rec := &feedback.Record{
			TaskID:             t.TaskID,
			PageID:             t.PageID,
			OperatorID:         operatorID,
			OriginalDocType:    t.DocType,
			CorrectedDocType:   v.CorrectedDocType,
			FieldCorrections:   v.FieldCorrections,
			IssueCategories:    v.IssueCategories,
			OperatorConfidence: v.OperatorConfidence,
			TimeSpentSeconds:   v.TimeSpentSeconds,
			Approved:           v.Approved,
			Timestamp:          now,
		}
		if err := q.fb.Append(rec); err != nil {
			return nil, fmt.Errorf("qcqueue: feedback append: %w", err)
		}
	}

	cp := *t
	return &cp, nil
}

// Stats is the queue breakdown by every dimension the dashboard shows.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
	ByDocType  map[string]int `json:"by_doc_type"`
	ByPriority map[string]int `json:"by_priority"`
}

// Stats snapshots the current projection.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByStatus:   map[string]int{},
		BySeverity: map[string]int{},
		ByDocType:  map[string]int{},
		ByPriority: map[string]int{},
	}
	for _, t := range q.tasks {
		s.Total++
		s.ByStatus[t.Status]++
		s.BySeverity[string(t.Severity)]++
		s.ByDocType[t.DocType]++
		s.ByPriority[t.Priority.String()]++
	}
	return s
}

// Pending lists claimable tasks, highest priority first, FIFO within a
// band. severity "" means all severities.
func (q *Queue) Pending(severity string, limit int) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, t := range q.tasks {
		if !claimable(t.Status) {
			continue
		}
		if severity != "" && string(t.Severity) != severity {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Get returns a copy of one task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// StartSweeper expires stale locks every interval until done is closed.
func (q *Queue) StartSweeper(done <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				q.mu.Lock()
				q.sweepExpiredLocks()
				q.mu.Unlock()
			}
		}
	}()
}
