package archive_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/archive"
)

func encodedImage(t *testing.T, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpg":
		err = jpeg.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestThumbnailer_CachesUnderPageID(t *testing.T) {
	o := newOrganizer(t)
	ctx := context.Background()

	p := invoicePage()
	p.Image = encodedImage(t, "png")
	if _, err := o.Archive(ctx, p); err != nil {
		t.Fatal(err)
	}

	th := archive.NewThumbnailer(o.Store(), o.Index())
	data, err := th.Get(ctx, "INV_0001", "icon")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("empty thumbnail")
	}

	cached, _, err := o.Store().Get(ctx, ".thumbnails/icon/INV_0001.jpg", "")
	if err != nil {
		t.Fatalf("thumbnail not cached at documented key: %v", err)
	}
	if !bytes.Equal(cached, data) {
		t.Fatal("cached bytes differ from served bytes")
	}

	// Second call serves the cache.
	again, err := th.Get(ctx, "INV_0001", "icon")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, data) {
		t.Fatal("cache miss on second get")
	}
}

func TestThumbnailer_JPEGSourceKey(t *testing.T) {
	o := newOrganizer(t)
	ctx := context.Background()

	p := invoicePage()
	p.PageID = "P_J"
	p.ImageExt = "jpg"
	p.Image = encodedImage(t, "jpg")
	if _, err := o.Archive(ctx, p); err != nil {
		t.Fatal(err)
	}

	th := archive.NewThumbnailer(o.Store(), o.Index())
	if _, err := th.Get(ctx, "P_J", "small"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := o.Store().Exists(ctx, ".thumbnails/small/P_J.jpg"); !ok {
		t.Fatal("jpg source must cache at .thumbnails/small/P_J.jpg")
	}
}

func TestThumbnailer_UnknownSize(t *testing.T) {
	o := newOrganizer(t)
	th := archive.NewThumbnailer(o.Store(), o.Index())
	if _, err := th.Get(context.Background(), "INV_0001", "billboard"); err == nil {
		t.Fatal("unknown size must error")
	}
}
