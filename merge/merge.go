// Package merge assembles a sealed batch into its three sibling artefacts:
// an archival PDF with an invisible OCR text layer, a JSON metadata sidecar,
// and a CSV page listing. Sidecar output is byte-stable so re-merging an
// unchanged batch is idempotent.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/storage"
)

var (
	ErrBatchNotFound = errors.New("merge: batch not found")
	ErrBatchNotReady = errors.New("merge: batch_not_ready")
)

// Merger reads a batch from the archive index and writes the merged
// artefacts back through storage.
type Merger struct {
	store *storage.Manager
	index *archive.Index
	log   *slog.Logger
}

func NewMerger(store *storage.Manager, index *archive.Index, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{store: store, index: index, log: log}
}

// Result reports the merge outcome.
type Result struct {
	PDFKey       string   `json:"pdf_key"`
	JSONKey      string   `json:"json_key"`
	CSVKey       string   `json:"csv_key"`
	PageCount    int      `json:"page_count"`
	SkippedPages int      `json:"skipped_pages"`
	Skipped      []string `json:"skipped_page_ids,omitempty"`
}

// pageArtefact pairs an index entry with its staged image and OCR text.
type pageArtefact struct {
	entry   archive.Entry
	ocrText string
	imgFile string // empty when the image was unreadable
}

// artefactStem is {DocType}_{BatchID} with the doc type capitalised.
func artefactStem(docType, batchID string) string {
	dt := archive.Slugify(docType)
	if dt != "" {
		dt = strings.ToUpper(dt[:1]) + dt[1:]
	}
	return dt + "_" + batchID
}

// batchCreatedAt is the earliest archival time in the batch: stable across
// re-merges of an unchanged batch.
func batchCreatedAt(pages []archive.Entry) time.Time {
	min := pages[0].ArchivedAt
	for _, p := range pages[1:] {
		if p.ArchivedAt.Before(min) {
			min = p.ArchivedAt
		}
	}
	return min.UTC()
}

// Merge produces the batch PDF plus sidecars. Every page must be in a
// terminal QC state; a pending page aborts before any artefact is written.
func (m *Merger) Merge(ctx context.Context, owner string, year int, docType, batchID string) (*Result, error) {
	owner = archive.Slugify(owner)
	docType = archive.Slugify(docType)

	pages, err := m.index.BatchPages(ctx, owner, year, docType, batchID)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrBatchNotFound
	}
	for _, p := range pages {
		if p.QCStatus != "approved" && p.QCStatus != "rejected" {
			return nil, fmt.Errorf("%w: page %s is %s", ErrBatchNotReady, p.PageID, p.QCStatus)
		}
	}

	dir := archive.BatchDir(owner, year, docType, batchID)
	stem := artefactStem(docType, batchID)
	res := &Result{
		PDFKey:  path.Join(dir, stem+".pdf"),
		JSONKey: path.Join(dir, stem+"_metadata.json"),
		CSVKey:  path.Join(dir, stem+"_pages.csv"),
	}

	tmpDir, err := os.MkdirTemp("", "arkiv-merge-*")
	if err != nil {
		return nil, fmt.Errorf("merge: tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// Pages render in page_id order; BatchPages already sorts ascending.
	arts := make([]pageArtefact, 0, len(pages))
	for _, p := range pages {
		art := pageArtefact{entry: p}
		if p.OCRLength > 0 {
			ocrKey := strings.TrimSuffix(p.ImageKey, path.Ext(p.ImageKey)) + "_ocr.txt"
			if ocr, _, err := m.store.Get(ctx, ocrKey, ""); err == nil {
				art.ocrText = string(ocr)
			}
		}
		img, _, err := m.store.Get(ctx, p.ImageKey, "")
		if err != nil {
			m.log.Warn("merge: unreadable page image, skipped from PDF",
				"page_id", p.PageID, "key", p.ImageKey, "error", err)
			res.SkippedPages++
			res.Skipped = append(res.Skipped, p.PageID)
			arts = append(arts, art)
			continue
		}
		f := filepath.Join(tmpDir, path.Base(p.ImageKey))
		if err := os.WriteFile(f, img, 0o644); err != nil {
			return nil, fmt.Errorf("merge: stage image: %w", err)
		}
		art.imgFile = f
		arts = append(arts, art)
	}

	// A batch with no readable image degrades the same way a partially
	// unreadable one does: the PDF is skipped, the sidecars still record
	// every page.
	var pdfBytes []byte
	pdfName := stem + ".pdf"
	if res.SkippedPages < len(pages) {
		pdfBytes, err = buildPDF(tmpDir, arts, pdfProperties{
			Title:     stem,
			Author:    owner,
			Subject:   docType + " batch " + batchID,
			Keywords:  strings.Join([]string{owner, docType, batchID}, ", "),
			CreatedAt: batchCreatedAt(pages),
		})
		if err != nil {
			return nil, err
		}
	} else {
		res.PDFKey = ""
		pdfName = ""
		m.log.Warn("merge: no readable page images, batch PDF skipped", "batch", dir)
	}
	jsonBytes, err := buildJSONSidecar(owner, year, docType, batchID, pdfName, arts, res.SkippedPages)
	if err != nil {
		return nil, err
	}
	csvBytes, err := buildCSVSidecar(arts)
	if err != nil {
		return nil, err
	}

	if pdfBytes != nil {
		if _, err := m.store.Put(ctx, res.PDFKey, pdfBytes, storage.PutOptions{ContentType: "application/pdf"}); err != nil {
			return nil, fmt.Errorf("merge: put pdf: %w", err)
		}
	}
	if _, err := m.store.Put(ctx, res.JSONKey, jsonBytes, storage.PutOptions{ContentType: "application/json"}); err != nil {
		return nil, fmt.Errorf("merge: put json sidecar: %w", err)
	}
	if _, err := m.store.Put(ctx, res.CSVKey, csvBytes, storage.PutOptions{ContentType: "text/csv"}); err != nil {
		return nil, fmt.Errorf("merge: put csv sidecar: %w", err)
	}

	res.PageCount = len(pages) - res.SkippedPages
	m.log.Info("merge: batch merged", "batch", dir,
		"pages", res.PageCount, "skipped", res.SkippedPages)
	return res, nil
}
