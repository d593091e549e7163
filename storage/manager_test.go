package storage_test

import (
	"bytes"
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/storage"
)

func newManager(t *testing.T) *storage.Manager {
	t.Helper()
	l, err := storage.NewLocal(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewMetaDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return storage.NewManager(l, meta, nil, nil)
}

func TestManager_PutRecordsMetadata(t *testing.T) {
	mg := newManager(t)
	ctx := context.Background()

	res, err := mg.Put(ctx, "acme/2024/invoice/b1/p.png", []byte("png-bytes"), storage.PutOptions{
		ContentType: "image/png",
	})
	if err != nil {
		t.Fatal(err)
	}

	info, err := mg.Meta().Lookup(ctx, "acme/2024/invoice/b1/p.png")
	if err != nil {
		t.Fatal(err)
	}
	if info.ETag != res.ETag || info.VersionID != res.VersionID {
		t.Fatalf("metadata row out of sync: %+v vs %+v", info, res)
	}
}

func TestManager_ListLatestBytesMatchGet(t *testing.T) {
	mg := newManager(t)
	ctx := context.Background()

	want := []byte("current bytes")
	if _, err := mg.Put(ctx, "k", []byte("old"), storage.PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := mg.Put(ctx, "k", want, storage.PutOptions{}); err != nil {
		t.Fatal(err)
	}

	infos, err := mg.List(ctx, "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d objects", len(infos))
	}
	data, _, err := mg.Get(ctx, infos[0].Key, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("list/get disagree: %q", data)
	}
}

func TestManager_DeleteRemovesRow(t *testing.T) {
	mg := newManager(t)
	ctx := context.Background()

	if _, err := mg.Put(ctx, "k", []byte("x"), storage.PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := mg.Delete(ctx, "k", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := mg.Meta().Lookup(ctx, "k"); err == nil {
		t.Fatal("metadata row survived delete")
	}
}

type xorCipher struct{}

func (xorCipher) Encrypt(p []byte) ([]byte, error) { return xor(p), nil }
func (xorCipher) Decrypt(p []byte) ([]byte, error) { return xor(p), nil }

func xor(p []byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out
}

func TestManager_CipherRoundTrip(t *testing.T) {
	l, err := storage.NewLocal(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewMetaDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mg := storage.NewManager(l, meta, xorCipher{}, nil)
	ctx := context.Background()

	want := []byte("secret payload")
	if _, err := mg.Put(ctx, "k", want, storage.PutOptions{}); err != nil {
		t.Fatal(err)
	}

	// Bytes on the backend must not equal the plaintext.
	raw, _, err := l.Get(ctx, "k", "")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(raw, want) {
		t.Fatal("cipher did not run before the backend")
	}

	got, _, err := mg.Get(ctx, "k", "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("decrypt mismatch: %q", got)
	}
}
