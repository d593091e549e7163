// Package archive files approved pages into the canonical
// {owner}/{year}/{doc_type}/{batch_id} hierarchy and keeps the search index
// in step with the stored bytes. Bytes are strongly consistent; the index is
// eventually consistent via a dirty set and background reindex.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/storage"
)

// Page is the organiser's input: an approved page with its artefacts.
type Page struct {
	PageID          string
	Owner           string
	Year            int
	DocType         string
	BatchID         string
	ImageExt        string // "png" or "jpg"
	Image           []byte
	OCRText         string
	Fields          map[string]string
	QCStatus        string
	Confidentiality int
	OwnerUserID     string
	Department      string
}

// ArchivedPage reports where a page landed.
type ArchivedPage struct {
	PageID                  string   `json:"page_id"`
	ImageKey                string   `json:"image_key"`
	MetaKey                 string   `json:"meta_key"`
	OCRKey                  string   `json:"ocr_key,omitempty"`
	Confidentiality         int      `json:"confidentiality"`
	OriginalConfidentiality int      `json:"original_confidentiality"`
	PIITypes                []string `json:"pii_types,omitempty"`
	// NewVersion is true only when this archival superseded a page that
	// was already archived; a first-time archive reports false.
	NewVersion bool `json:"new_version"`
}

// Organizer owns approved pages: key choice, artefact persistence, PII
// escalation, and index maintenance.
type Organizer struct {
	store *storage.Manager
	index *Index
	log   *slog.Logger

	dirMu sync.Mutex
	dirs  map[string]*sync.Mutex

	dirtyMu sync.Mutex
	dirty   map[string]*Entry
}

func NewOrganizer(store *storage.Manager, index *Index, log *slog.Logger) *Organizer {
	if log == nil {
		log = slog.Default()
	}
	return &Organizer{
		store: store,
		index: index,
		log:   log,
		dirs:  make(map[string]*sync.Mutex),
		dirty: make(map[string]*Entry),
	}
}

// BatchDir is the canonical directory for a batch key. Owner and doc type
// are slugified; batch id is preserved as given.
func BatchDir(owner string, year int, docType, batchID string) string {
	return path.Join(Slugify(owner), strconv.Itoa(year), Slugify(docType), batchID)
}

// lockDir serialises writers per batch directory.
func (o *Organizer) lockDir(dir string) *sync.Mutex {
	o.dirMu.Lock()
	defer o.dirMu.Unlock()
	mu, ok := o.dirs[dir]
	if !ok {
		mu = &sync.Mutex{}
		o.dirs[dir] = mu
	}
	return mu
}

// Archive persists a page's artefacts and indexes it. Two archivals of the
// same page produce the same keys; changed bytes become a new version.
// Index failure does not fail the call: the page is marked dirty and
// reindexed in the background.
func (o *Organizer) Archive(ctx context.Context, p Page) (*ArchivedPage, error) {
	if p.PageID == "" || p.Owner == "" || p.DocType == "" || p.BatchID == "" {
		return nil, fmt.Errorf("archive: incomplete page key")
	}
	if p.Year < 1000 || p.Year > 9999 {
		return nil, fmt.Errorf("archive: year out of range: %d", p.Year)
	}
	ext := p.ImageExt
	if ext == "" {
		ext = "png"
	}

	// PII escalation happens before any byte is written so the stored
	// metadata always carries the effective level.
	matches := authz.ScanPII(p.OCRText)
	original := p.Confidentiality
	escalated := authz.EscalateConfidentiality(original, matches)
	if escalated != original {
		o.log.Info("archive: confidentiality escalated",
			"page_id", p.PageID, "from", original, "to", escalated)
	}

	dir := BatchDir(p.Owner, p.Year, p.DocType, p.BatchID)
	mu := o.lockDir(dir)
	mu.Lock()
	defer mu.Unlock()

	result := &ArchivedPage{
		PageID:                  p.PageID,
		ImageKey:                path.Join(dir, p.PageID+"."+ext),
		MetaKey:                 path.Join(dir, p.PageID+".json"),
		Confidentiality:         escalated,
		OriginalConfidentiality: original,
	}
	for _, m := range matches {
		result.PIITypes = append(result.PIITypes, string(m.Type))
	}

	existed, _ := o.store.Exists(ctx, result.ImageKey)
	imgRes, err := o.store.Put(ctx, result.ImageKey, p.Image, storage.PutOptions{
		ContentType: contentTypeFor(ext),
		Metadata: map[string]string{
			"page_id":  p.PageID,
			"doc_type": p.DocType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: put image: %w", err)
	}
	result.NewVersion = existed && imgRes.NewVersion

	entry := &Entry{
		PageID:                  p.PageID,
		Owner:                   Slugify(p.Owner),
		Year:                    p.Year,
		DocType:                 Slugify(p.DocType),
		BatchID:                 p.BatchID,
		QCStatus:                p.QCStatus,
		Confidentiality:         escalated,
		OriginalConfidentiality: original,
		OwnerUserID:             p.OwnerUserID,
		Department:              p.Department,
		ImageKey:                result.ImageKey,
		Fields:                  p.Fields,
		OCRText:                 p.OCRText,
		OCRLength:               len(p.OCRText),
		ArchivedAt:              time.Now().UTC(),
	}

	metaJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal metadata: %w", err)
	}
	if _, err := o.store.Put(ctx, result.MetaKey, metaJSON, storage.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return nil, fmt.Errorf("archive: put metadata: %w", err)
	}

	if p.OCRText != "" {
		result.OCRKey = path.Join(dir, p.PageID+"_ocr.txt")
		if _, err := o.store.Put(ctx, result.OCRKey, []byte(p.OCRText), storage.PutOptions{
			ContentType: "text/plain; charset=utf-8",
		}); err != nil {
			return nil, fmt.Errorf("archive: put ocr: %w", err)
		}
	}

	if err := o.index.Upsert(ctx, entry); err != nil {
		// Bytes are durable; the index catches up in the background.
		o.log.Warn("archive: index update failed, page marked dirty",
			"page_id", p.PageID, "error", err)
		o.markDirty(entry)
	}
	return result, nil
}

func (o *Organizer) markDirty(e *Entry) {
	o.dirtyMu.Lock()
	o.dirty[e.PageID] = e
	o.dirtyMu.Unlock()
}

// DirtyCount reports how many pages await reindexing.
func (o *Organizer) DirtyCount() int {
	o.dirtyMu.Lock()
	defer o.dirtyMu.Unlock()
	return len(o.dirty)
}

// Reindex retries every dirty page. Pages that fail again stay dirty.
func (o *Organizer) Reindex(ctx context.Context) int {
	o.dirtyMu.Lock()
	pending := make([]*Entry, 0, len(o.dirty))
	for _, e := range o.dirty {
		pending = append(pending, e)
	}
	o.dirtyMu.Unlock()

	fixed := 0
	for _, e := range pending {
		if err := o.index.Upsert(ctx, e); err != nil {
			o.log.Warn("archive: reindex failed", "page_id", e.PageID, "error", err)
			continue
		}
		o.dirtyMu.Lock()
		delete(o.dirty, e.PageID)
		o.dirtyMu.Unlock()
		fixed++
	}
	return fixed
}

// RebuildIndex reindexes every archived page from its stored JSON metadata.
// The result must match what incremental indexing produced.
func (o *Organizer) RebuildIndex(ctx context.Context) (int, error) {
	keys, err := o.store.Meta().Keys(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("archive: list keys: %w", err)
	}
	count := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") || strings.Contains(path.Base(key), "_metadata") {
			continue
		}
		data, _, err := o.store.Get(ctx, key, "")
		if err != nil {
			o.log.Warn("archive: rebuild read failed", "key", key, "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.PageID == "" {
			continue
		}
		// OCR text lives in its sidecar, not the JSON record.
		if ocrKey := strings.TrimSuffix(key, ".json") + "_ocr.txt"; e.OCRLength > 0 {
			if ocr, _, err := o.store.Get(ctx, ocrKey, ""); err == nil {
				e.OCRText = string(ocr)
			}
		}
		if err := o.index.Upsert(ctx, &e); err != nil {
			return count, fmt.Errorf("archive: rebuild upsert %s: %w", e.PageID, err)
		}
		count++
	}
	return count, nil
}

// StartReindexer drains the dirty set every interval until done is closed.
func (o *Organizer) StartReindexer(done <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if o.DirtyCount() == 0 {
					continue
				}
				n := o.Reindex(context.Background())
				if n > 0 {
					o.log.Info("archive: background reindex", "pages", n)
				}
			}
		}
	}()
}

// Index exposes the search surface.
func (o *Organizer) Index() *Index { return o.index }

// Store exposes the storage manager for read paths.
func (o *Organizer) Store() *storage.Manager { return o.store }

func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "pdf":
		return "application/pdf"
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	case "txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
