// Package pipeline glues the archival flow together: a submitted page is
// routed, then either archived directly (auto) or parked as a QC task;
// operator verdicts close the loop by archiving approved pages. Every
// lifecycle transition fires an integration hook.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/hooks"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/routing"
	"github.com/hazyhaar/arkiv/storage"
)

// Pipeline orchestrates routing, QC and archival. hooks may be nil when no
// dispatcher is wired.
type Pipeline struct {
	decisions *routing.Store
	queue     *qcqueue.Queue
	org       *archive.Organizer
	hooks     *hooks.Dispatcher
	log       *slog.Logger
}

func New(decisions *routing.Store, queue *qcqueue.Queue, org *archive.Organizer, hd *hooks.Dispatcher, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{decisions: decisions, queue: queue, org: org, hooks: hd, log: log}
}

// Submission is one processed page arriving from the upstream OCR and
// classification stage.
type Submission struct {
	PageID           string             `json:"page_id"`
	Owner            string             `json:"owner"`
	Year             int                `json:"year"`
	DocType          string             `json:"doc_type"`
	BatchID          string             `json:"batch_id"`
	ImageExt         string             `json:"image_ext,omitempty"` // "png" or "jpg"
	Image            []byte             `json:"image,omitempty"`
	OCRText          string             `json:"ocr_text,omitempty"`
	Fields           map[string]string  `json:"fields,omitempty"`
	FieldConfidences map[string]float64 `json:"field_confidences,omitempty"`
	MissingFields    []string           `json:"missing_fields,omitempty"`
	Classification   float64            `json:"classification_confidence"`
	Confidentiality  int                `json:"confidentiality"`
	OwnerUserID      string             `json:"owner_user_id,omitempty"`
	Department       string             `json:"department,omitempty"`
}

// Result reports where a submission went.
type Result struct {
	Decision routing.Decision      `json:"decision"`
	TaskID   string                `json:"task_id,omitempty"`
	Archived *archive.ArchivedPage `json:"archived,omitempty"`
}

// Ingest routes the page and acts on the verdict: auto archives immediately,
// manual and qc stage the image and enqueue a task. The routing decision is
// persisted either way.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (*Result, error) {
	decision := routing.Decide(routing.PageInput{
		PageID:           sub.PageID,
		DocType:          sub.DocType,
		Classification:   sub.Classification,
		FieldConfidences: sub.FieldConfidences,
		MissingFields:    sub.MissingFields,
	})
	if err := p.decisions.Record(ctx, decision, ""); err != nil {
		return nil, err
	}

	res := &Result{Decision: decision}
	if decision.Severity == routing.SeverityAuto {
		archived, err := p.archivePage(ctx, sub, "approved")
		if err != nil {
			return nil, err
		}
		res.Archived = archived
		return res, nil
	}

	// Stage the image so the operator can view it before the page has an
	// archive home.
	imageKey := ""
	if len(sub.Image) > 0 {
		imageKey = stagingKey(sub.PageID, sub.ImageExt)
		_, err := p.org.Store().Put(ctx, imageKey, sub.Image, storage.PutOptions{
			ContentType: contentTypeFor(sub.ImageExt),
			Metadata:    map[string]string{"page_id": sub.PageID, "stage": "qc"},
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage image: %w", err)
		}
	}

	taskID, err := p.queue.Enqueue(qcqueue.EnqueueInput{
		PageID:   sub.PageID,
		DocType:  sub.DocType,
		Severity: decision.Severity,
		Reasons:  decision.Reasons,
		Priority: qcqueue.PriorityUnset,
		Snapshot: qcqueue.PageSnapshot{
			ImageKey:        imageKey,
			OCRText:         sub.OCRText,
			Fields:          sub.Fields,
			Owner:           sub.Owner,
			Year:            sub.Year,
			BatchID:         sub.BatchID,
			ImageExt:        sub.ImageExt,
			Confidentiality: sub.Confidentiality,
			OwnerUserID:     sub.OwnerUserID,
			Department:      sub.Department,
		},
	})
	if err != nil {
		return nil, err
	}
	res.TaskID = taskID
	return res, nil
}

// Complete submits an operator verdict. Approval archives the page from the
// task snapshot, with the operator's corrections applied.
func (p *Pipeline) Complete(ctx context.Context, taskID, operatorID string, v qcqueue.Verdict) (*qcqueue.Task, *Result, error) {
	task, err := p.queue.Submit(taskID, operatorID, v)
	if err != nil {
		return nil, nil, err
	}

	switch task.Status {
	case qcqueue.StatusCompleted:
		archived, err := p.archiveFromTask(ctx, task, v)
		if err != nil {
			// The verdict is durable; archival retries via reingest.
			p.log.Error("pipeline: archive after approve failed",
				"task_id", task.TaskID, "page_id", task.PageID, "error", err)
			return task, nil, err
		}
		p.fire(hooks.EventQCApproved, task, archived)
		return task, &Result{Archived: archived}, nil
	case qcqueue.StatusRejected:
		p.fire(hooks.EventQCRejected, task, nil)
	}
	return task, nil, nil
}

// archiveFromTask rebuilds the page from the snapshot, applying the
// operator's corrected doc type and field values.
func (p *Pipeline) archiveFromTask(ctx context.Context, task *qcqueue.Task, v qcqueue.Verdict) (*archive.ArchivedPage, error) {
	snap := task.Snapshot
	docType := task.DocType
	if v.CorrectedDocType != "" {
		docType = v.CorrectedDocType
	}
	fields := make(map[string]string, len(snap.Fields))
	for k, val := range snap.Fields {
		fields[k] = val
	}
	for _, c := range v.FieldCorrections {
		fields[c.Field] = c.After
	}

	var image []byte
	if snap.ImageKey != "" {
		data, _, err := p.org.Store().Get(ctx, snap.ImageKey, "")
		if err != nil {
			return nil, fmt.Errorf("pipeline: staged image %s: %w", snap.ImageKey, err)
		}
		image = data
	}

	archived, err := p.org.Archive(ctx, archive.Page{
		PageID:          task.PageID,
		Owner:           snap.Owner,
		Year:            snap.Year,
		DocType:         docType,
		BatchID:         snap.BatchID,
		ImageExt:        snap.ImageExt,
		Image:           image,
		OCRText:         snap.OCRText,
		Fields:          fields,
		QCStatus:        "approved",
		Confidentiality: snap.Confidentiality,
		OwnerUserID:     snap.OwnerUserID,
		Department:      snap.Department,
	})
	if err != nil {
		return nil, err
	}
	p.fireArchived(task.PageID, archived)
	return archived, nil
}

func (p *Pipeline) archivePage(ctx context.Context, sub Submission, qcStatus string) (*archive.ArchivedPage, error) {
	archived, err := p.org.Archive(ctx, archive.Page{
		PageID:          sub.PageID,
		Owner:           sub.Owner,
		Year:            sub.Year,
		DocType:         sub.DocType,
		BatchID:         sub.BatchID,
		ImageExt:        sub.ImageExt,
		Image:           sub.Image,
		OCRText:         sub.OCRText,
		Fields:          sub.Fields,
		QCStatus:        qcStatus,
		Confidentiality: sub.Confidentiality,
		OwnerUserID:     sub.OwnerUserID,
		Department:      sub.Department,
	})
	if err != nil {
		return nil, err
	}
	p.fireArchived(sub.PageID, archived)
	return archived, nil
}

// fireArchived announces an archival: document_archived the first time a
// page lands, version_created when the page was already archived.
func (p *Pipeline) fireArchived(pageID string, archived *archive.ArchivedPage) {
	if p.hooks == nil {
		return
	}
	event := hooks.EventDocumentArchived
	if archived.NewVersion {
		event = hooks.EventVersionCreated
	}
	p.hooks.Fire(event, map[string]any{
		"key":     archived.ImageKey,
		"page_id": pageID,
	}, nil)
}

func (p *Pipeline) fire(event string, task *qcqueue.Task, archived *archive.ArchivedPage) {
	if p.hooks == nil {
		return
	}
	data := map[string]any{
		"task_id": task.TaskID,
		"page_id": task.PageID,
	}
	if archived != nil {
		data["key"] = archived.ImageKey
	}
	p.hooks.Fire(event, data, nil)
}

func stagingKey(pageID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "png"
	}
	return "staging/" + pageID + "." + ext
}

func contentTypeFor(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
