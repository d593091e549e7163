package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Local is the filesystem backend. Layout under base:
//
//	objects/<key>            current version
//	.versions/<key>/<vid>    historical versions
//	.metadata/<key>.json     sidecar with etag, content_type, tags, versions
//
// A successful Put is fsynced before returning. Writes to the same key
// serialise on a per-key lock; the version list in the sidecar is the
// source of truth for pruning.
type Local struct {
	base        string
	maxVersions int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal creates a filesystem backend rooted at base. maxVersions bounds
// retained untagged versions per key (minimum 1).
func NewLocal(base string, maxVersions int) (*Local, error) {
	if maxVersions < 1 {
		maxVersions = 1
	}
	for _, dir := range []string{"objects", ".versions", ".metadata"} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return nil, fmt.Errorf("storage: local init: %w", err)
		}
	}
	return &Local{
		base:        base,
		maxVersions: maxVersions,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Name implements Backend.
func (l *Local) Name() string { return "local" }

func (l *Local) keyLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

func (l *Local) objectPath(key string) string {
	return filepath.Join(l.base, "objects", filepath.FromSlash(key))
}

func (l *Local) versionPath(key, vid string) string {
	return filepath.Join(l.base, ".versions", filepath.FromSlash(key), vid)
}

func (l *Local) sidecarPath(key string) string {
	return filepath.Join(l.base, ".metadata", filepath.FromSlash(key)+".json")
}

// sidecar is the on-disk metadata record for one key.
type sidecar struct {
	Key          string            `json:"key"`
	ContentType  string            `json:"content_type"`
	ETag         string            `json:"etag"`
	StorageClass string            `json:"storage_class,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Versions     []Version         `json:"versions"` // ascending by version id
}

func (l *Local) readSidecar(key string) (*sidecar, error) {
	data, err := os.ReadFile(l.sidecarPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read sidecar %s: %w", key, err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: corrupt sidecar for %s: %v", ErrIntegrity, key, err)
	}
	return &sc, nil
}

func (l *Local) writeSidecar(key string, sc *sidecar) error {
	path := l.sidecarPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: sidecar mkdir: %w", err)
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(path, data)
}

// writeFileSync writes data to path via a temp file, fsyncs, then renames.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Put implements Backend.
func (l *Local) Put(ctx context.Context, key string, data []byte, opts PutOptions) (PutResult, error) {
	if !validKey(key) {
		return PutResult{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}

	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	etag := contentETag(data)

	sc, err := l.readSidecar(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PutResult{}, err
	}
	if sc == nil {
		sc = &sidecar{Key: key}
	}

	// Idempotent put: identical bytes at the same key create no new version.
	if len(sc.Versions) > 0 && sc.ETag == etag {
		latest := sc.Versions[len(sc.Versions)-1]
		return PutResult{VersionID: latest.VersionID, ETag: etag, Size: int64(len(data)), NewVersion: false}, nil
	}

	vid := NewVersionID()
	vpath := l.versionPath(key, vid)
	if err := os.MkdirAll(filepath.Dir(vpath), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := writeFileSync(vpath, data); err != nil {
		return PutResult{}, fmt.Errorf("storage: put %s: %w", key, err)
	}

	opath := l.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(opath), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := writeFileSync(opath, data); err != nil {
		return PutResult{}, fmt.Errorf("storage: put %s: %w", key, err)
	}

	now := time.Now().UTC()
	for i := range sc.Versions {
		sc.Versions[i].IsLatest = false
	}
	sc.Versions = append(sc.Versions, Version{
		Key:       key,
		VersionID: vid,
		Size:      int64(len(data)),
		ETag:      etag,
		IsLatest:  true,
		CreatedBy: opts.CreatedBy,
		Comment:   opts.Comment,
		Tags:      opts.Tags,
		CreatedAt: now,
	})
	sc.ETag = etag
	if opts.ContentType != "" {
		sc.ContentType = opts.ContentType
	}
	if opts.StorageClass != "" {
		sc.StorageClass = opts.StorageClass
	}
	if opts.Metadata != nil {
		sc.Metadata = opts.Metadata
	}

	l.prune(sc)

	if err := l.writeSidecar(key, sc); err != nil {
		return PutResult{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	return PutResult{VersionID: vid, ETag: etag, Size: int64(len(data)), NewVersion: true}, nil
}

// prune drops the oldest untagged versions beyond maxVersions. Tagged
// versions are retained regardless of age; the latest version is never
// pruned.
func (l *Local) prune(sc *sidecar) {
	untagged := 0
	for _, v := range sc.Versions {
		if !v.Tagged() {
			untagged++
		}
	}
	if untagged <= l.maxVersions {
		return
	}
	drop := untagged - l.maxVersions

	kept := sc.Versions[:0]
	for i, v := range sc.Versions {
		isLatest := i == len(sc.Versions)-1
		if drop > 0 && !v.Tagged() && !isLatest {
			os.Remove(l.versionPath(sc.Key, v.VersionID))
			drop--
			continue
		}
		kept = append(kept, v)
	}
	sc.Versions = kept
}

// Get implements Backend.
func (l *Local) Get(ctx context.Context, key, versionID string) ([]byte, map[string]string, error) {
	if !validKey(key) {
		return nil, nil, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sc, err := l.readSidecar(key)
	if err != nil {
		return nil, nil, err
	}

	path := l.objectPath(key)
	if versionID != "" {
		found := false
		for _, v := range sc.Versions {
			if v.VersionID == versionID {
				found = true
				break
			}
		}
		if !found {
			return nil, nil, ErrNotFound
		}
		path = l.versionPath(key, versionID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar says the object exists but the blob is gone.
			return nil, nil, fmt.Errorf("%w: missing blob for %s", ErrIntegrity, key)
		}
		return nil, nil, fmt.Errorf("storage: get %s: %w", key, err)
	}

	if versionID == "" {
		if contentETag(data) != sc.ETag {
			return nil, nil, fmt.Errorf("%w: etag mismatch for %s", ErrIntegrity, key)
		}
	}
	return data, sc.Metadata, nil
}

// Delete implements Backend.
func (l *Local) Delete(ctx context.Context, key, versionID string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	sc, err := l.readSidecar(key)
	if err != nil {
		return err
	}

	if versionID == "" {
		for _, v := range sc.Versions {
			os.Remove(l.versionPath(key, v.VersionID))
		}
		os.RemoveAll(filepath.Join(l.base, ".versions", filepath.FromSlash(key)))
		os.Remove(l.objectPath(key))
		if err := os.Remove(l.sidecarPath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: delete %s: %w", key, err)
		}
		return nil
	}

	idx := -1
	for i, v := range sc.Versions {
		if v.VersionID == versionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	wasLatest := idx == len(sc.Versions)-1
	os.Remove(l.versionPath(key, versionID))
	sc.Versions = append(sc.Versions[:idx], sc.Versions[idx+1:]...)

	if len(sc.Versions) == 0 {
		os.Remove(l.objectPath(key))
		os.Remove(l.sidecarPath(key))
		return nil
	}
	if wasLatest {
		// Promote the previous version to current.
		newLatest := &sc.Versions[len(sc.Versions)-1]
		newLatest.IsLatest = true
		data, err := os.ReadFile(l.versionPath(key, newLatest.VersionID))
		if err != nil {
			return fmt.Errorf("%w: missing version blob %s@%s", ErrIntegrity, key, newLatest.VersionID)
		}
		if err := writeFileSync(l.objectPath(key), data); err != nil {
			return fmt.Errorf("storage: delete %s: %w", key, err)
		}
		sc.ETag = newLatest.ETag
	}
	return l.writeSidecar(key, sc)
}

// List implements Backend.
func (l *Local) List(ctx context.Context, prefix string, limit, offset int) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metaRoot := filepath.Join(l.base, ".metadata")

	var keys []string
	err := filepath.WalkDir(metaRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		rel, err := filepath.Rel(metaRoot, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	sort.Strings(keys)

	if offset > len(keys) {
		offset = len(keys)
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	infos := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		sc, err := l.readSidecar(key)
		if err != nil {
			continue
		}
		if len(sc.Versions) == 0 {
			continue
		}
		latest := sc.Versions[len(sc.Versions)-1]
		infos = append(infos, ObjectInfo{
			Key:            key,
			Size:           latest.Size,
			ContentType:    sc.ContentType,
			ETag:           sc.ETag,
			VersionID:      latest.VersionID,
			StorageBackend: "local",
			StorageClass:   sc.StorageClass,
			Metadata:       sc.Metadata,
			LastModified:   latest.CreatedAt,
		})
	}
	return infos, nil
}

// Exists implements Backend.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if !validKey(key) {
		return false, ErrInvalidKey
	}
	_, err := os.Stat(l.objectPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("storage: exists %s: %w", key, err)
}

// Copy implements Backend.
func (l *Local) Copy(ctx context.Context, src, dst string) error {
	data, meta, err := l.Get(ctx, src, "")
	if err != nil {
		return err
	}
	sc, err := l.readSidecar(src)
	if err != nil {
		return err
	}
	_, err = l.Put(ctx, dst, data, PutOptions{
		ContentType:  sc.ContentType,
		Metadata:     meta,
		StorageClass: sc.StorageClass,
		Comment:      "copy of " + src,
	})
	return err
}

// ListVersions implements Backend. Latest first.
func (l *Local) ListVersions(ctx context.Context, key string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := l.readSidecar(key)
	if err != nil {
		return nil, err
	}
	out := make([]Version, len(sc.Versions))
	for i, v := range sc.Versions {
		out[len(sc.Versions)-1-i] = v
	}
	return out, nil
}

// URL implements Backend. Local objects get a file:// URL; expiresIn is
// ignored because filesystem access is not time-bound.
func (l *Local) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	abs, err := filepath.Abs(l.objectPath(key))
	if err != nil {
		return "", fmt.Errorf("storage: url %s: %w", key, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
