package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Cipher encrypts payloads before they reach the backend and decrypts them
// on the way out. Implemented by authz.Cipher; nil disables encryption.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// retryBudget bounds internal retries against a flaky backend before the
// error surfaces as ErrBackendUnavailable.
const retryBudget = 3

// Manager is the storage write path: it keeps the backend bytes and the
// metadata rows consistent. A put is durable in the backend before the
// metadata row is written; a failed metadata write after a successful store
// is a partial failure — logged, repaired by the next Reconcile, and not
// surfaced to the caller.
type Manager struct {
	backend Backend
	meta    *MetaDB
	cipher  Cipher
	log     *slog.Logger
}

// NewManager wires a backend to its metadata database. cipher may be nil.
func NewManager(backend Backend, meta *MetaDB, cipher Cipher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{backend: backend, meta: meta, cipher: cipher, log: log}
}

// Backend exposes the underlying backend name.
func (mg *Manager) Backend() string { return mg.backend.Name() }

// Put stores bytes and records the metadata row. Encryption, when
// configured, happens before the backend sees the payload.
func (mg *Manager) Put(ctx context.Context, key string, data []byte, opts PutOptions) (PutResult, error) {
	payload := data
	if mg.cipher != nil {
		enc, err := mg.cipher.Encrypt(data)
		if err != nil {
			return PutResult{}, err
		}
		payload = enc
	}

	var res PutResult
	err := withRetry(ctx, func() error {
		var err error
		res, err = mg.backend.Put(ctx, key, payload, opts)
		return err
	})
	if err != nil {
		return PutResult{}, err
	}

	if !res.NewVersion {
		return res, nil
	}

	now := time.Now().UTC()
	info := ObjectInfo{
		Key:            key,
		Size:           res.Size,
		ContentType:    opts.ContentType,
		ETag:           res.ETag,
		VersionID:      res.VersionID,
		StorageBackend: mg.backend.Name(),
		StorageClass:   opts.StorageClass,
		Metadata:       opts.Metadata,
		LastModified:   now,
	}
	v := Version{
		Key:       key,
		VersionID: res.VersionID,
		Size:      res.Size,
		ETag:      res.ETag,
		IsLatest:  true,
		CreatedBy: opts.CreatedBy,
		Comment:   opts.Comment,
		Tags:      opts.Tags,
		CreatedAt: now,
	}
	if err := mg.meta.RecordPut(ctx, info, v); err != nil {
		// Partial failure: bytes are durable, row is not. The next
		// Reconcile pass repairs the index from the backend.
		mg.log.Warn("storage: metadata write failed after put, scheduling repair",
			"key", key, "error", err)
	}
	return res, nil
}

// Get returns object bytes, decrypted when a cipher is configured.
func (mg *Manager) Get(ctx context.Context, key, versionID string) ([]byte, map[string]string, error) {
	var data []byte
	var meta map[string]string
	err := withRetry(ctx, func() error {
		var err error
		data, meta, err = mg.backend.Get(ctx, key, versionID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if mg.cipher != nil {
		dec, err := mg.cipher.Decrypt(data)
		if err != nil {
			return nil, nil, err
		}
		data = dec
	}
	return data, meta, nil
}

// Delete removes the object (or one version) and its metadata row. When the
// backend delete succeeds but the metadata delete fails the caller observes
// the failure; the system is inconsistent for at most one repair cycle.
func (mg *Manager) Delete(ctx context.Context, key, versionID string) error {
	if err := mg.backend.Delete(ctx, key, versionID); err != nil {
		return err
	}
	return mg.meta.RecordDelete(ctx, key, versionID)
}

// List returns object descriptors under prefix from the backend (source of
// truth), reconciling any metadata rows that went missing in a partial
// failure.
func (mg *Manager) List(ctx context.Context, prefix string, limit, offset int) ([]ObjectInfo, error) {
	infos, err := mg.backend.List(ctx, prefix, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if _, err := mg.meta.Lookup(ctx, info.Key); errors.Is(err, ErrNotFound) {
			mg.repairRow(ctx, info)
		}
	}
	return infos, nil
}

// repairRow rebuilds a missing metadata row from backend state.
func (mg *Manager) repairRow(ctx context.Context, info ObjectInfo) {
	versions, err := mg.backend.ListVersions(ctx, info.Key)
	if err != nil || len(versions) == 0 {
		return
	}
	latest := versions[0]
	if err := mg.meta.RecordPut(ctx, info, latest); err != nil {
		mg.log.Warn("storage: reconcile failed", "key", info.Key, "error", err)
		return
	}
	mg.log.Info("storage: reconciled metadata row", "key", info.Key)
}

// Exists reports whether the key has a current version.
func (mg *Manager) Exists(ctx context.Context, key string) (bool, error) {
	return mg.backend.Exists(ctx, key)
}

// Copy duplicates src to dst and records the new row.
func (mg *Manager) Copy(ctx context.Context, src, dst string) error {
	if err := mg.backend.Copy(ctx, src, dst); err != nil {
		return err
	}
	infos, err := mg.backend.List(ctx, dst, 1, 0)
	if err != nil || len(infos) == 0 {
		return err
	}
	versions, err := mg.backend.ListVersions(ctx, dst)
	if err != nil || len(versions) == 0 {
		return err
	}
	return mg.meta.RecordPut(ctx, infos[0], versions[0])
}

// ListVersions returns the backend's version history, latest first.
func (mg *Manager) ListVersions(ctx context.Context, key string) ([]Version, error) {
	return mg.backend.ListVersions(ctx, key)
}

// URL returns a presigned or file:// URL for key.
func (mg *Manager) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	return mg.backend.URL(ctx, key, expiresIn)
}

// Meta exposes the metadata database for read-side queries (search, hook
// execution records, access log).
func (mg *Manager) Meta() *MetaDB { return mg.meta }

// withRetry retries transient backend failures with exponential backoff.
// Not-found, invalid-key and integrity errors return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < retryBudget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrIntegrity) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
