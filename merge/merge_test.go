package merge_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/merge"
	"github.com/hazyhaar/arkiv/storage"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func setup(t *testing.T) (*archive.Organizer, *merge.Merger) {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewMetaDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	ix, err := archive.NewIndex(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mgr := storage.NewManager(backend, meta, nil, nil)
	return archive.NewOrganizer(mgr, ix, nil), merge.NewMerger(mgr, ix, nil)
}

func archivePage(t *testing.T, o *archive.Organizer, pageID, status, ocr string, fields map[string]string) {
	t.Helper()
	_, err := o.Archive(context.Background(), archive.Page{
		PageID: pageID, Owner: "Acme", Year: 2024, DocType: "invoice",
		BatchID: "b1", ImageExt: "png", Image: testPNG(t),
		OCRText: ocr, Fields: fields, QCStatus: status,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMerge_BatchNotReady(t *testing.T) {
	o, m := setup(t)
	ctx := context.Background()
	archivePage(t, o, "P_01", "approved", "alpha", nil)
	archivePage(t, o, "P_02", "pending", "bravo", nil)

	_, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if !errors.Is(err, merge.ErrBatchNotReady) {
		t.Fatalf("expected ErrBatchNotReady, got %v", err)
	}
	// No partial artefacts.
	if ok, _ := o.Store().Exists(ctx, "acme/2024/invoice/b1/Invoice_b1.pdf"); ok {
		t.Fatal("partial PDF written on aborted merge")
	}
}

func TestMerge_UnknownBatch(t *testing.T) {
	_, m := setup(t)
	_, err := m.Merge(context.Background(), "Acme", 2024, "invoice", "nope")
	if !errors.Is(err, merge.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestMerge_ArtefactsAndOrdering(t *testing.T) {
	o, m := setup(t)
	ctx := context.Background()
	// Archived out of page_id order on purpose.
	archivePage(t, o, "P_02", "approved", "second page text", map[string]string{"amount": "20"})
	archivePage(t, o, "P_01", "rejected", "first page text", map[string]string{"amount": "10", "date": "2024-01-01"})

	res, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if res.PDFKey != "acme/2024/invoice/b1/Invoice_b1.pdf" {
		t.Fatalf("pdf key = %q", res.PDFKey)
	}
	if res.PageCount != 2 || res.SkippedPages != 0 {
		t.Fatalf("result: %+v", res)
	}

	pdf, _, err := o.Store().Get(ctx, res.PDFKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatal("merged artefact is not a PDF")
	}

	raw, _, err := o.Store().Get(ctx, res.JSONKey, "")
	if err != nil {
		t.Fatal(err)
	}
	var sidecar struct {
		Batch struct {
			PageCount int    `json:"page_count"`
			PDFFile   string `json:"pdf_file"`
		} `json:"batch"`
		Pages []struct {
			PageID   string `json:"page_id"`
			QCStatus string `json:"qc_status"`
			HasOCR   bool   `json:"has_ocr"`
		} `json:"pages"`
		Summary struct {
			Passed int `json:"passed"`
			Failed int `json:"failed"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		t.Fatal(err)
	}
	if sidecar.Batch.PageCount != 2 || sidecar.Batch.PDFFile != "Invoice_b1.pdf" {
		t.Fatalf("batch summary: %+v", sidecar.Batch)
	}
	if sidecar.Pages[0].PageID != "P_01" || sidecar.Pages[1].PageID != "P_02" {
		t.Fatalf("pages must order by page_id: %+v", sidecar.Pages)
	}
	if !sidecar.Pages[0].HasOCR {
		t.Fatal("page with OCR text must report has_ocr")
	}
	if sidecar.Summary.Passed != 1 || sidecar.Summary.Failed != 1 {
		t.Fatalf("summary: %+v", sidecar.Summary)
	}

	rawCSV, _, err := o.Store().Get(ctx, res.CSVKey, "")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(bytes.NewReader(rawCSV)).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows: %d", len(rows))
	}
	wantHeader := []string{"page_id", "image_file", "qc_status", "has_ocr", "ocr_length", "amount", "date"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Fatalf("csv header: %v", rows[0])
		}
	}
	if rows[1][0] != "P_01" || rows[1][6] != "2024-01-01" {
		t.Fatalf("csv first row: %v", rows[1])
	}
	if rows[2][6] != "" {
		t.Fatalf("absent field must be empty, got %q", rows[2][6])
	}
}

func TestMerge_IdempotentSidecars(t *testing.T) {
	o, m := setup(t)
	ctx := context.Background()
	archivePage(t, o, "P_01", "approved", "stable text", map[string]string{"amount": "10"})

	first, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if err != nil {
		t.Fatal(err)
	}
	json1, _, _ := o.Store().Get(ctx, first.JSONKey, "")
	csv1, _, _ := o.Store().Get(ctx, first.CSVKey, "")

	second, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if err != nil {
		t.Fatal(err)
	}
	json2, _, _ := o.Store().Get(ctx, second.JSONKey, "")
	csv2, _, _ := o.Store().Get(ctx, second.CSVKey, "")

	if !bytes.Equal(json1, json2) {
		t.Fatal("JSON sidecar not byte-identical across re-merge")
	}
	if !bytes.Equal(csv1, csv2) {
		t.Fatal("CSV sidecar not byte-identical across re-merge")
	}
	if second.PageCount != first.PageCount {
		t.Fatalf("page counts differ: %d vs %d", first.PageCount, second.PageCount)
	}
}

func TestMerge_UnreadableImageSkipped(t *testing.T) {
	o, m := setup(t)
	ctx := context.Background()
	archivePage(t, o, "P_01", "approved", "good page", nil)

	// Index a page whose image bytes were never stored.
	err := o.Index().Upsert(ctx, &archive.Entry{
		PageID: "P_02", Owner: "acme", Year: 2024, DocType: "invoice",
		BatchID: "b1", QCStatus: "approved",
		ImageKey:  "acme/2024/invoice/b1/P_02.png",
		OCRLength: 9,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if res.SkippedPages != 1 || res.PageCount != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "P_02" {
		t.Fatalf("skipped ids: %v", res.Skipped)
	}

	raw, _, _ := o.Store().Get(ctx, res.JSONKey, "")
	var sidecar struct {
		Pages []struct {
			PageID    string `json:"page_id"`
			HasOCR    bool   `json:"has_ocr"`
			OCRLength int    `json:"ocr_length"`
		} `json:"pages"`
		Summary struct {
			SkippedPages int `json:"skipped_pages"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		t.Fatal(err)
	}
	if len(sidecar.Pages) != 2 {
		t.Fatalf("skipped page must still appear in the sidecar: %+v", sidecar.Pages)
	}
	if sidecar.Pages[1].HasOCR || sidecar.Pages[1].OCRLength != 0 {
		t.Fatalf("skipped page flags: %+v", sidecar.Pages[1])
	}
	if sidecar.Summary.SkippedPages != 1 {
		t.Fatalf("summary skipped = %d", sidecar.Summary.SkippedPages)
	}
}

func TestMerge_AllImagesUnreadable(t *testing.T) {
	o, m := setup(t)
	ctx := context.Background()

	for _, id := range []string{"P_01", "P_02"} {
		err := o.Index().Upsert(ctx, &archive.Entry{
			PageID: id, Owner: "acme", Year: 2024, DocType: "invoice",
			BatchID: "b1", QCStatus: "approved",
			ImageKey: "acme/2024/invoice/b1/" + id + ".png",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	res, err := m.Merge(ctx, "Acme", 2024, "invoice", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if res.PDFKey != "" || res.PageCount != 0 || res.SkippedPages != 2 {
		t.Fatalf("result: %+v", res)
	}

	// The sidecars are still written and record every page.
	if ok, _ := o.Store().Exists(ctx, res.JSONKey); !ok {
		t.Fatal("json sidecar missing")
	}
	if ok, _ := o.Store().Exists(ctx, res.CSVKey); !ok {
		t.Fatal("csv sidecar missing")
	}
	raw, _, _ := o.Store().Get(ctx, res.JSONKey, "")
	var sidecar struct {
		Pages []struct {
			PageID string `json:"page_id"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		t.Fatal(err)
	}
	if len(sidecar.Pages) != 2 {
		t.Fatalf("sidecar pages: %+v", sidecar.Pages)
	}
	if ok, _ := o.Store().Exists(ctx, "acme/2024/invoice/b1/Invoice_b1.pdf"); ok {
		t.Fatal("no PDF may be written for an all-unreadable batch")
	}
}
