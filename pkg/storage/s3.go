package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/attic-go/attic/pkg/s3"
)

const s3NoSuchKey = "NoSuchKey"

// S3Backend stores blobs flat, UUID-keyed, within a single configured
// bucket.
type S3Backend struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Backend returns a Backend backed by an S3-compatible bucket.
func NewS3Backend(ctx context.Context, cfg s3.Config) (*S3Backend, error) {
	if err := s3.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid S3 endpoint: %w", err)
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: error creating MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: error checking bucket existence: %w", err)
	}

	if !exists {
		return nil, fmt.Errorf("storage: %w: %s", ErrNotFound, cfg.Bucket)
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (b *S3Backend) MakeRef(name string) RemoteRef {
	if name == "" {
		name = uuid.NewString()
	}

	return RemoteRef{Kind: KindS3, Key: name, Bucket: b.bucket, Region: b.region}
}

// Upload buffers up to MultipartPartSize bytes; if the stream ends within
// that buffer, it issues a single PutObject. Otherwise it switches to a
// multipart upload with MultipartPartSize parts, aborting on any part
// failure.
func (b *S3Backend) Upload(ctx context.Context, ref RemoteRef, r io.Reader) (int64, error) {
	buf := make([]byte, MultipartPartSize)

	n, err := io.ReadFull(r, buf)

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Whole blob fit in one buffer: single PutObject.
		info, err := b.client.PutObject(ctx, b.bucket, ref.Key, bytes.NewReader(buf[:n]), int64(n),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return 0, fmt.Errorf("storage: error putting object: %w", err)
		}

		return info.Size, nil
	case err != nil:
		return 0, fmt.Errorf("storage: error reading upload stream: %w", err)
	default:
		return b.uploadMultipart(ctx, ref, io.MultiReader(bytes.NewReader(buf[:n]), r))
	}
}

func (b *S3Backend) uploadMultipart(ctx context.Context, ref RemoteRef, r io.Reader) (int64, error) {
	core := minio.Core{Client: b.client}

	uploadID, err := core.NewMultipartUpload(ctx, b.bucket, ref.Key, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("storage: error starting multipart upload: %w", err)
	}

	var (
		parts []minio.CompletePart
		total int64
		seq   int
	)

	abort := func() {
		_ = core.AbortMultipartUpload(ctx, b.bucket, ref.Key, uploadID)
	}

	buf := make([]byte, MultipartPartSize)

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			seq++

			part, err := core.PutObjectPart(ctx, b.bucket, ref.Key, uploadID, seq,
				bytes.NewReader(buf[:n]), int64(n), minio.PutObjectPartOptions{})
			if err != nil {
				abort()

				return 0, fmt.Errorf("storage: error uploading part %d: %w", seq, err)
			}

			parts = append(parts, minio.CompletePart{
				PartNumber: part.PartNumber,
				ETag:       part.ETag,
			})
			total += int64(n)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}

		if readErr != nil {
			abort()

			return 0, fmt.Errorf("storage: error reading upload stream: %w", readErr)
		}
	}

	if _, err := core.CompleteMultipartUpload(ctx, b.bucket, ref.Key, uploadID, parts, minio.PutObjectOptions{}); err != nil {
		abort()

		return 0, fmt.Errorf("storage: error completing multipart upload: %w", err)
	}

	return total, nil
}

// Download streams the blob, unless preferStream is false, in which case
// a presigned GET URL valid for PresignTTL is returned instead.
func (b *S3Backend) Download(ctx context.Context, ref RemoteRef, preferStream bool) (*Download, error) {
	if !preferStream {
		u, err := b.client.PresignedGetObject(ctx, b.bucket, ref.Key, PresignTTL, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: error presigning download: %w", err)
		}

		return &Download{RedirectURL: u.String()}, nil
	}

	obj, err := b.client.GetObject(ctx, b.bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: error getting object: %w", err)
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close() //nolint:errcheck

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("storage: error statting object: %w", err)
	}

	return &Download{Stream: obj}, nil
}

func (b *S3Backend) Delete(ctx context.Context, ref RemoteRef) error {
	err := b.client.RemoveObject(ctx, b.bucket, ref.Key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != s3NoSuchKey {
		return fmt.Errorf("storage: error deleting object: %w", err)
	}

	return nil
}

var _ Backend = (*S3Backend)(nil)
