package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/feedback"
	"github.com/hazyhaar/arkiv/hooks"
	"github.com/hazyhaar/arkiv/pipeline"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/routing"
	"github.com/hazyhaar/arkiv/storage"
)

func newPipeline(t *testing.T) (*pipeline.Pipeline, *qcqueue.Queue, *archive.Organizer) {
	t.Helper()
	return newPipelineWithHooks(t, nil)
}

func newPipelineWithHooks(t *testing.T, hd *hooks.Dispatcher) (*pipeline.Pipeline, *qcqueue.Queue, *archive.Organizer) {
	t.Helper()
	dir := t.TempDir()

	backend, err := storage.NewLocal(filepath.Join(dir, "objects"), 3)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewMetaDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewManager(backend, meta, nil, nil)
	index, err := archive.NewIndex(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	org := archive.NewOrganizer(store, index, nil)

	fb, err := feedback.NewLog(filepath.Join(dir, "feedback"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fb.Close() })
	queue, err := qcqueue.Open(filepath.Join(dir, "qc.jsonl"), fb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })

	decisions, err := routing.NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return pipeline.New(decisions, queue, org, hd, nil), queue, org
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIngest_AutoArchives(t *testing.T) {
	p, _, org := newPipeline(t)

	res, err := p.Ingest(context.Background(), pipeline.Submission{
		PageID: "INV_1", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: pngBytes(t), OCRText: "Invoice 99",
		Fields: map[string]string{"invoice_number": "99", "amount": "10", "date": "2024-01-02"},
		FieldConfidences: map[string]float64{
			"invoice_number": 0.95, "amount": 0.9, "date": 0.9,
		},
		Classification: 0.95,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Severity != routing.SeverityAuto || res.Archived == nil {
		t.Fatalf("result: %+v", res)
	}
	if _, err := org.Index().Get(context.Background(), "INV_1"); err != nil {
		t.Fatalf("not indexed: %v", err)
	}
}

func TestIngest_ArchiveEventSequence(t *testing.T) {
	hd := hooks.NewDispatcher(nil, nil, hooks.Options{})
	p, _, _ := newPipelineWithHooks(t, hd)

	var mu sync.Mutex
	var events []string
	hd.Register(hooks.Registration{
		Name: "rec", Type: hooks.TypeCallback,
		Events: []string{hooks.EventDocumentArchived, hooks.EventVersionCreated},
		Callback: func(_ context.Context, e hooks.Event) error {
			mu.Lock()
			events = append(events, e.Event)
			mu.Unlock()
			return nil
		},
	})

	sub := pipeline.Submission{
		PageID: "INV_9", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: pngBytes(t), OCRText: "Invoice 42",
		Fields: map[string]string{"invoice_number": "42", "amount": "10", "date": "2024-01-02"},
		FieldConfidences: map[string]float64{
			"invoice_number": 0.95, "amount": 0.9, "date": 0.9,
		},
		Classification: 0.95,
	}
	if _, err := p.Ingest(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	// A rescan with different bytes supersedes the archived page.
	sub.Image = []byte("rescanned-bytes")
	if _, err := p.Ingest(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	hd.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != hooks.EventDocumentArchived || events[1] != hooks.EventVersionCreated {
		t.Fatalf("events = %v, want [document_archived version_created]", events)
	}
}

func TestIngest_LowConfidenceStagesAndEnqueues(t *testing.T) {
	p, queue, org := newPipeline(t)

	res, err := p.Ingest(context.Background(), pipeline.Submission{
		PageID: "P_1", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: pngBytes(t), OCRText: "unreadable", Classification: 0.3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Severity != routing.SeverityQC || res.TaskID == "" {
		t.Fatalf("result: %+v", res)
	}

	task, err := queue.Get(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Snapshot.ImageKey != "staging/P_1.png" || task.Snapshot.Owner != "Acme" {
		t.Fatalf("snapshot: %+v", task.Snapshot)
	}
	if ok, _ := org.Store().Exists(context.Background(), "staging/P_1.png"); !ok {
		t.Fatal("staged image missing")
	}
}

func TestComplete_ApproveArchivesWithCorrections(t *testing.T) {
	p, queue, org := newPipeline(t)

	res, err := p.Ingest(context.Background(), pipeline.Submission{
		PageID: "P_2", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: pngBytes(t), OCRText: "total 100",
		Fields:         map[string]string{"amount": "100"},
		Classification: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.NextTask("alice"); err != nil {
		t.Fatal(err)
	}

	task, cres, err := p.Complete(context.Background(), res.TaskID, "alice", qcqueue.Verdict{
		Approved:         true,
		Action:           qcqueue.ActionApprove,
		CorrectedDocType: "receipt",
		FieldCorrections: []feedback.FieldCorrection{
			{Field: "amount", Before: "100", After: "100.00", OperatorConfidence: 1},
		},
		OperatorConfidence: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != qcqueue.StatusCompleted {
		t.Fatalf("status %s", task.Status)
	}
	if cres == nil || cres.Archived == nil {
		t.Fatal("no archive result")
	}
	if cres.Archived.ImageKey != "acme/2024/receipt/b1/P_2.png" {
		t.Fatalf("image key %s", cres.Archived.ImageKey)
	}

	entry, err := org.Index().Get(context.Background(), "P_2")
	if err != nil {
		t.Fatal(err)
	}
	if entry.DocType != "receipt" || entry.Fields["amount"] != "100.00" {
		t.Fatalf("entry: %+v", entry)
	}
}

func TestComplete_RejectDoesNotArchive(t *testing.T) {
	p, queue, org := newPipeline(t)

	res, err := p.Ingest(context.Background(), pipeline.Submission{
		PageID: "P_3", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: pngBytes(t), Classification: 0.4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.NextTask("alice"); err != nil {
		t.Fatal(err)
	}
	task, cres, err := p.Complete(context.Background(), res.TaskID, "alice", qcqueue.Verdict{
		Action: qcqueue.ActionReject, OperatorConfidence: 0.8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != qcqueue.StatusRejected || cres != nil {
		t.Fatalf("task %s cres %+v", task.Status, cres)
	}
	if _, err := org.Index().Get(context.Background(), "P_3"); err == nil {
		t.Fatal("rejected page should not be indexed")
	}
}
