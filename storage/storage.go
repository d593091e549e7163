// Package storage provides a uniform object interface over a local
// filesystem backend (with versioning) and an S3-compatible backend, plus a
// metadata database indexing every stored object, version, access and hook
// execution.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"
)

// Typed error kinds. Callers map these to HTTP status at the edge.
var (
	// ErrNotFound is returned when a key or version does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrBackendUnavailable is returned when the backend is unreachable
	// after internal retries are exhausted.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
	// ErrIntegrity is returned when on-disk bytes disagree with recorded
	// metadata (missing blob, etag mismatch). Never silently hidden.
	ErrIntegrity = errors.New("storage: integrity violation")
	// ErrInvalidKey is returned for empty or traversal-escaping keys.
	ErrInvalidKey = errors.New("storage: invalid object key")
)

// ObjectInfo describes the current state of a stored object.
type ObjectInfo struct {
	Key            string            `json:"object_key"`
	Size           int64             `json:"size"`
	ContentType    string            `json:"content_type"`
	ETag           string            `json:"etag"`
	VersionID      string            `json:"version_id"`
	StorageBackend string            `json:"storage_backend"`
	StorageClass   string            `json:"storage_class"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LastModified   time.Time         `json:"last_modified"`
}

// Version is a historical snapshot of an object.
type Version struct {
	Key       string    `json:"object_key"`
	VersionID string    `json:"version_id"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	IsLatest  bool      `json:"is_latest"`
	CreatedBy string    `json:"created_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Tagged reports whether the version carries any tag. Tagged versions are
// never pruned.
func (v Version) Tagged() bool { return len(v.Tags) > 0 }

// PutOptions carries optional attributes for a Put.
type PutOptions struct {
	ContentType  string
	Metadata     map[string]string
	StorageClass string
	CreatedBy    string
	Comment      string
	Tags         []string
}

// PutResult reports the outcome of a Put.
type PutResult struct {
	VersionID string
	ETag      string
	Size      int64
	// NewVersion is false when the bytes matched the latest version's etag
	// and no new version was created (idempotent put).
	NewVersion bool
}

// Backend is the uniform object interface served by the filesystem and S3
// implementations. All operations respect ctx deadlines.
type Backend interface {
	// Name identifies the backend: "local" or "s3".
	Name() string
	// Put stores bytes at key. Storing identical bytes at the same key is
	// idempotent: a new version is created only if the etag differs from
	// the latest.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (PutResult, error)
	// Get returns the bytes and metadata for a key. An empty versionID
	// selects the latest version.
	Get(ctx context.Context, key, versionID string) ([]byte, map[string]string, error)
	// Delete removes one version, or the object and all versions when
	// versionID is empty.
	Delete(ctx context.Context, key, versionID string) error
	// List returns descriptors for objects under prefix, ordered by key.
	List(ctx context.Context, prefix string, limit, offset int) ([]ObjectInfo, error)
	// Exists reports whether key has a current version.
	Exists(ctx context.Context, key string) (bool, error)
	// Copy duplicates the latest version of src to dst.
	Copy(ctx context.Context, src, dst string) error
	// ListVersions returns all versions of key, latest first.
	ListVersions(ctx context.Context, key string) ([]Version, error)
	// URL returns a presigned URL (S3) or a file:// URL (local).
	URL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

func validKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	for _, part := range splitKey(key) {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func splitKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}

// contentETag computes the strong content hash used as etag: hex MD5, the
// same form S3 reports for single-part uploads, so local and remote etags
// compare equal for identical bytes.
func contentETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
