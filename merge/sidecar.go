package merge

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"
)

// Sidecar schema. Field order is fixed and map keys are sorted by the JSON
// encoder, so an unchanged batch serialises to identical bytes.

type batchSummary struct {
	Owner     string `json:"owner"`
	Year      int    `json:"year"`
	DocType   string `json:"doc_type"`
	BatchID   string `json:"batch_id"`
	CreatedAt string `json:"created_at"`
	PageCount int    `json:"page_count"`
	PDFFile   string `json:"pdf_file"`
}

type pageSummary struct {
	PageID    string            `json:"page_id"`
	ImageFile string            `json:"image_file"`
	QCStatus  string            `json:"qc_status"`
	Fields    map[string]string `json:"fields,omitempty"`
	OCRLength int               `json:"ocr_length"`
	HasOCR    bool              `json:"has_ocr"`
}

type aggregateSummary struct {
	Passed       int            `json:"passed"`
	Failed       int            `json:"failed"`
	Pending      int            `json:"pending"`
	SkippedPages int            `json:"skipped_pages"`
	FieldCounts  map[string]int `json:"field_counts"`
}

type jsonSidecar struct {
	Batch   batchSummary     `json:"batch"`
	Pages   []pageSummary    `json:"pages"`
	Summary aggregateSummary `json:"summary"`
}

func buildJSONSidecar(owner string, year int, docType, batchID, pdfFile string, arts []pageArtefact, skipped int) ([]byte, error) {
	doc := jsonSidecar{
		Batch: batchSummary{
			Owner:     owner,
			Year:      year,
			DocType:   docType,
			BatchID:   batchID,
			CreatedAt: batchCreatedAtArts(arts).Format(time.RFC3339),
			PageCount: len(arts),
			PDFFile:   pdfFile,
		},
		Summary: aggregateSummary{
			SkippedPages: skipped,
			FieldCounts:  map[string]int{},
		},
	}
	for _, a := range arts {
		p := a.entry
		hasOCR := a.ocrText != "" && a.imgFile != ""
		doc.Pages = append(doc.Pages, pageSummary{
			PageID:    p.PageID,
			ImageFile: path.Base(p.ImageKey),
			QCStatus:  p.QCStatus,
			Fields:    p.Fields,
			OCRLength: ocrLength(a),
			HasOCR:    hasOCR,
		})
		switch p.QCStatus {
		case "approved":
			doc.Summary.Passed++
		case "rejected":
			doc.Summary.Failed++
		default:
			doc.Summary.Pending++
		}
		for f := range p.Fields {
			doc.Summary.FieldCounts[f]++
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merge: json sidecar: %w", err)
	}
	return append(out, '\n'), nil
}

// ocrLength is zero for pages skipped from the PDF, per the unreadable-image
// contract.
func ocrLength(a pageArtefact) int {
	if a.imgFile == "" {
		return 0
	}
	return len(a.ocrText)
}

func batchCreatedAtArts(arts []pageArtefact) time.Time {
	min := arts[0].entry.ArchivedAt
	for _, a := range arts[1:] {
		if a.entry.ArchivedAt.Before(min) {
			min = a.entry.ArchivedAt
		}
	}
	return min.UTC()
}

// buildCSVSidecar emits one row per page. Columns are the fixed set
// followed by the sorted union of every field name seen in the batch.
func buildCSVSidecar(arts []pageArtefact) ([]byte, error) {
	fieldSet := map[string]bool{}
	for _, a := range arts {
		for f := range a.entry.Fields {
			fieldSet[f] = true
		}
	}
	fieldCols := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fieldCols = append(fieldCols, f)
	}
	sort.Strings(fieldCols)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{"page_id", "image_file", "qc_status", "has_ocr", "ocr_length"}, fieldCols...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("merge: csv header: %w", err)
	}
	for _, a := range arts {
		p := a.entry
		hasOCR := a.ocrText != "" && a.imgFile != ""
		row := []string{
			p.PageID,
			path.Base(p.ImageKey),
			p.QCStatus,
			strconv.FormatBool(hasOCR),
			strconv.Itoa(ocrLength(a)),
		}
		for _, f := range fieldCols {
			row = append(row, p.Fields[f])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("merge: csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("merge: csv flush: %w", err)
	}
	return buf.Bytes(), nil
}
