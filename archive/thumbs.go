package archive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/hazyhaar/arkiv/storage"
)

// Thumbnail sizes, longest edge in pixels.
var thumbSizes = map[string]uint{
	"icon":   64,
	"small":  128,
	"medium": 256,
	"large":  512,
}

// ValidThumbSize reports whether size is one of icon, small, medium, large.
func ValidThumbSize(size string) bool {
	_, ok := thumbSizes[size]
	return ok
}

// Thumbnailer renders and caches JPEG thumbnails of archived page images.
// Rendered thumbnails live under .thumbnails/{size}/{page_id}.jpg so a
// regenerate pass or a cache hit never touches the source image.
type Thumbnailer struct {
	store *storage.Manager
	index *Index
}

func NewThumbnailer(store *storage.Manager, index *Index) *Thumbnailer {
	return &Thumbnailer{store: store, index: index}
}

func thumbKey(pageID, size string) string {
	return ".thumbnails/" + size + "/" + pageID + ".jpg"
}

// Get returns the JPEG thumbnail for a page, rendering and caching it on
// first use.
func (t *Thumbnailer) Get(ctx context.Context, pageID, size string) ([]byte, error) {
	if !ValidThumbSize(size) {
		return nil, fmt.Errorf("archive: unknown thumbnail size %q", size)
	}
	entry, err := t.index.Get(ctx, pageID)
	if err != nil {
		return nil, err
	}

	key := thumbKey(pageID, size)
	if data, _, err := t.store.Get(ctx, key, ""); err == nil {
		return data, nil
	}
	return t.render(ctx, pageID, entry.ImageKey, size)
}

// render decodes the source image, scales it and stores the result.
func (t *Thumbnailer) render(ctx context.Context, pageID, imageKey, size string) ([]byte, error) {
	src, _, err := t.store.Get(ctx, imageKey, "")
	if err != nil {
		return nil, fmt.Errorf("archive: thumbnail source %s: %w", imageKey, err)
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", imageKey, err)
	}

	edge := thumbSizes[size]
	thumb := resize.Thumbnail(edge, edge, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("archive: encode thumbnail: %w", err)
	}

	_, err = t.store.Put(ctx, thumbKey(pageID, size), buf.Bytes(), storage.PutOptions{
		ContentType: "image/jpeg",
		Metadata:    map[string]string{"source_key": imageKey, "size": size},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: cache thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateBatch pre-renders every size for each page of a batch. With force
// set, existing thumbnails are re-rendered. Returns rendered count; pages
// whose source image cannot be decoded are skipped, not fatal.
func (t *Thumbnailer) GenerateBatch(ctx context.Context, owner string, year int, docType, batchID string, force bool) (int, error) {
	pages, err := t.index.BatchPages(ctx, owner, year, docType, batchID)
	if err != nil {
		return 0, err
	}
	rendered := 0
	for _, p := range pages {
		for size := range thumbSizes {
			if !force {
				if ok, _ := t.store.Exists(ctx, thumbKey(p.PageID, size)); ok {
					continue
				}
			}
			if _, err := t.render(ctx, p.PageID, p.ImageKey, size); err != nil {
				continue
			}
			rendered++
		}
	}
	return rendered, nil
}
