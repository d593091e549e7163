package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxPresignTTL is the S3 ceiling for presigned URL lifetimes (7 days).
const maxPresignTTL = 7 * 24 * time.Hour

// S3Options configures the S3-compatible backend.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string // non-empty for MinIO and friends
	AccessKey string
	SecretKey string
	// PathStyle forces path-style addressing; required for MinIO.
	PathStyle bool
}

// S3 is the S3-compatible backend. Versioning relies on the bucket's native
// version IDs; enable bucket versioning for full history support.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

// NewS3 builds a backend from explicit credentials and endpoint. With an
// empty AccessKey the ambient AWS credential chain is used.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   opts.Bucket,
	}, nil
}

// Name implements Backend.
func (s *S3) Name() string { return "s3" }

// Put implements Backend. Idempotence is checked against the latest
// version's etag before uploading.
func (s *S3) Put(ctx context.Context, key string, data []byte, opts PutOptions) (PutResult, error) {
	if !validKey(key) {
		return PutResult{}, ErrInvalidKey
	}

	etag := contentETag(data)
	if head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		if stripQuotes(aws.ToString(head.ETag)) == etag {
			return PutResult{
				VersionID:  aws.ToString(head.VersionId),
				ETag:       etag,
				Size:       int64(len(data)),
				NewVersion: false,
			}, nil
		}
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.StorageClass != "" {
		input.StorageClass = types.StorageClass(opts.StorageClass)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: s3 put %s: %v", ErrBackendUnavailable, key, err)
	}
	return PutResult{
		VersionID:  aws.ToString(out.VersionID),
		ETag:       stripQuotes(aws.ToString(out.ETag)),
		Size:       int64(len(data)),
		NewVersion: true,
	}, nil
}

// Get implements Backend.
func (s *S3) Get(ctx context.Context, key, versionID string) ([]byte, map[string]string, error) {
	if !validKey(key) {
		return nil, nil, ErrInvalidKey
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("%w: s3 get %s: %v", ErrBackendUnavailable, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: s3 read %s: %v", ErrBackendUnavailable, key, err)
	}
	return data, out.Metadata, nil
}

// Delete implements Backend. With an empty versionID every version of the
// key is removed.
func (s *S3) Delete(ctx context.Context, key, versionID string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if versionID != "" {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:    aws.String(s.bucket),
			Key:       aws.String(key),
			VersionId: aws.String(versionID),
		})
		if err != nil {
			return fmt.Errorf("%w: s3 delete %s@%s: %v", ErrBackendUnavailable, key, versionID, err)
		}
		return nil
	}

	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return ErrNotFound
	}
	for _, v := range versions {
		input := &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		if v.VersionID != "" {
			input.VersionId = aws.String(v.VersionID)
		}
		if _, err := s.client.DeleteObject(ctx, input); err != nil {
			return fmt.Errorf("%w: s3 delete %s: %v", ErrBackendUnavailable, key, err)
		}
	}
	return nil
}

// List implements Backend.
func (s *S3) List(ctx context.Context, prefix string, limit, offset int) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: s3 list %q: %v", ErrBackendUnavailable, prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:            aws.ToString(obj.Key),
				Size:           aws.ToInt64(obj.Size),
				ETag:           stripQuotes(aws.ToString(obj.ETag)),
				StorageBackend: "s3",
				StorageClass:   string(obj.StorageClass),
				LastModified:   aws.ToTime(obj.LastModified),
			})
		}
		if limit > 0 && len(infos) >= offset+limit {
			break
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	if offset > len(infos) {
		offset = len(infos)
	}
	infos = infos[offset:]
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// Exists implements Backend.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("%w: s3 head %s: %v", ErrBackendUnavailable, key, err)
}

// Copy implements Backend.
func (s *S3) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 copy %s -> %s: %v", ErrBackendUnavailable, src, dst, err)
	}
	return nil
}

// ListVersions implements Backend. Latest first, per the remote's ordering.
func (s *S3) ListVersions(ctx context.Context, key string) ([]Version, error) {
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: s3 versions %s: %v", ErrBackendUnavailable, key, err)
	}
	var versions []Version
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != key {
			continue
		}
		vid := aws.ToString(v.VersionId)
		if vid == "null" {
			vid = ""
		}
		versions = append(versions, Version{
			Key:       key,
			VersionID: vid,
			Size:      aws.ToInt64(v.Size),
			ETag:      stripQuotes(aws.ToString(v.ETag)),
			IsLatest:  aws.ToBool(v.IsLatest),
			CreatedAt: aws.ToTime(v.LastModified),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// URL implements Backend: a presigned GET URL capped at the S3 maximum.
func (s *S3) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 || expiresIn > maxPresignTTL {
		expiresIn = maxPresignTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("%w: s3 presign %s: %v", ErrBackendUnavailable, key, err)
	}
	return req.URL, nil
}

func stripQuotes(s string) string {
	return strings.Trim(s, `"`)
}
