// Package hooks delivers archive-lifecycle events to registered webhooks,
// in-process callbacks, and append-only log files. fire never blocks the
// emitting path beyond the queue hand-off; matched hooks run in parallel to
// each other and strictly FIFO within one registration.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lifecycle events.
const (
	EventDocumentArchived  = "document_archived"
	EventDocumentUpdated   = "document_updated"
	EventDocumentDeleted   = "document_deleted"
	EventDocumentRetrieved = "document_retrieved"
	EventBatchCompleted    = "batch_completed"
	EventQCApproved        = "qc_approved"
	EventQCRejected        = "qc_rejected"
	EventVersionCreated    = "version_created"
	EventVersionRolledBack = "version_rolled_back"
	EventIntegrityFailure  = "integrity_failure"
)

// Hook types.
const (
	TypeWebhook  = "webhook"
	TypeCallback = "callback"
	TypeFileLog  = "file_log"
)

var (
	ErrDuplicateName = errors.New("hooks: duplicate hook name")
	ErrUnknownHook   = errors.New("hooks: unknown hook")
	ErrQueueFull     = errors.New("hooks: queue full")
)

// Event is the payload delivered to every matched hook.
type Event struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]any    `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CallbackFunc is an in-process hook target. A failing or stuck callback is
// logged and abandoned; it never reaches the emitter.
type CallbackFunc func(ctx context.Context, e Event) error

// Registration describes one hook.
type Registration struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Events []string `json:"events"` // empty matches every event

	// Webhook delivery.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Callback delivery.
	Callback CallbackFunc `json:"-"`

	// File log delivery.
	FilePath   string `json:"file_path,omitempty"`
	FileFormat string `json:"file_format,omitempty"` // "json" or "text"

	RetryCount int           `json:"retry_count"`
	Timeout    time.Duration `json:"timeout"`
}

func (r *Registration) matches(event string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (r *Registration) validate() error {
	switch r.Type {
	case TypeWebhook:
		if r.URL == "" {
			return fmt.Errorf("hooks: webhook %q needs a url", r.Name)
		}
	case TypeCallback:
		if r.Callback == nil {
			return fmt.Errorf("hooks: callback %q needs a function", r.Name)
		}
	case TypeFileLog:
		if r.FilePath == "" {
			return fmt.Errorf("hooks: file_log %q needs a path", r.Name)
		}
	default:
		return fmt.Errorf("hooks: unknown hook type %q", r.Type)
	}
	if r.Name == "" {
		return fmt.Errorf("hooks: hook needs a name")
	}
	return nil
}

// Stats is a point-in-time dispatcher snapshot.
type Stats struct {
	EventsFired     int64   `json:"events_fired"`
	EventsDropped   int64   `json:"events_dropped"`
	HooksExecuted   int64   `json:"hooks_executed"`
	HooksFailed     int64   `json:"hooks_failed"`
	AvgExecutionMS  float64 `json:"avg_execution_time_ms"`
	SuccessRate     float64 `json:"success_rate"`
	RegisteredHooks int     `json:"registered_hooks"`
	QueueDepth      int     `json:"queue_depth"`
}
