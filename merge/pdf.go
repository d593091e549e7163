package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

type pdfProperties struct {
	Title     string
	Author    string
	Subject   string
	Keywords  string
	CreatedAt time.Time
}

// buildPDF imports the staged page images at native size, superimposes each
// page's OCR text as an invisible watermark, and stamps the document
// properties. Returns the finished PDF bytes.
func buildPDF(tmpDir string, arts []pageArtefact, props pdfProperties) ([]byte, error) {
	var imgFiles []string
	for _, a := range arts {
		if a.imgFile != "" {
			imgFiles = append(imgFiles, a.imgFile)
		}
	}

	pdfPath := filepath.Join(tmpDir, "out.pdf")
	if len(imgFiles) == 0 {
		return nil, fmt.Errorf("merge: no readable page images")
	}

	imp, err := api.Import("pos:full, sc:1.0 rel", types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("merge: import config: %w", err)
	}
	if err := api.ImportImagesFile(imgFiles, pdfPath, imp, nil); err != nil {
		return nil, fmt.Errorf("merge: import images: %w", err)
	}

	// OCR text rides along as an opacity-0 watermark: invisible in a
	// viewer, still selectable and extractable.
	wms := map[int]*model.Watermark{}
	pageNr := 0
	for _, a := range arts {
		if a.imgFile == "" {
			continue
		}
		pageNr++
		if a.ocrText == "" {
			continue
		}
		wm, err := api.TextWatermark(a.ocrText, "points:9, pos:c, op:0, scalefactor:1.0 abs", true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("merge: ocr watermark page %d: %w", pageNr, err)
		}
		wms[pageNr] = wm
	}
	if len(wms) > 0 {
		if err := api.AddWatermarksMapFile(pdfPath, "", wms, nil); err != nil {
			return nil, fmt.Errorf("merge: add ocr layer: %w", err)
		}
	}

	properties := map[string]string{
		"Title":        props.Title,
		"Author":       props.Author,
		"Subject":      props.Subject,
		"Keywords":     props.Keywords,
		"CreationDate": props.CreatedAt.Format(time.RFC3339),
	}
	if err := api.AddPropertiesFile(pdfPath, "", properties, nil); err != nil {
		return nil, fmt.Errorf("merge: add properties: %w", err)
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("merge: read pdf: %w", err)
	}
	return data, nil
}
