package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrUploadNotFound is returned when the multipart upload no longer exists,
// typically because it was already completed or aborted.
var ErrUploadNotFound = errors.New("multipart upload not found")

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

// S3API is the subset of *s3.Client the destination store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// DestinationStorage is the primary origin the CDN serves from.
type DestinationStorage interface {
	// PutObject streams body without buffering; size must be exact.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)
	// UploadPart returns the part etag.
	UploadPart(ctx context.Context, bucket, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

type S3DestinationStorageImpl struct {
	client S3API

	logger logging.Logger
}

func NewS3DestinationStorageImpl(client S3API, l logging.Logger) *S3DestinationStorageImpl {
	return &S3DestinationStorageImpl{
		client: client,
		logger: l,
	}
}

func (s *S3DestinationStorageImpl) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.logger.Debug("streaming object", "bucket", bucket, "key", key, "size", size)

	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" && contentType != models.UnknownContentType {
		in.ContentType = aws.String(contentType)
	}

	// the body is a network stream and cannot be rewound for signing
	_, err := s.client.PutObject(ctx, in, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		s.logger.Error("failed to put object", "bucket", bucket, "key", key, "error", err)
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.Info("successfully put object", "bucket", bucket, "key", key, "size", size)
	return nil
}

func (s *S3DestinationStorageImpl) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}

	s.logger.Error("failed to check object existence", "bucket", bucket, "key", key, "error", err)
	return false, fmt.Errorf("failed to check object existence: %w", err)
}

func (s *S3DestinationStorageImpl) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" && contentType != models.UnknownContentType {
		in.ContentType = aws.String(contentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		s.logger.Error("failed to create multipart upload", "bucket", bucket, "key", key, "error", err)
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", fmt.Errorf("create multipart upload for %s returned no upload id", key)
	}

	s.logger.Debug("created multipart upload", "key", key, "upload_id", *out.UploadId)
	return *out.UploadId, nil
}

func (s *S3DestinationStorageImpl) UploadPart(ctx context.Context, bucket, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(part),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if isNoSuchUpload(err) {
		return "", fmt.Errorf("upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err != nil {
		s.logger.Error("failed to upload part", "upload_id", uploadID, "part", part, "error", err)
		return "", fmt.Errorf("failed to upload part %d: %w", part, err)
	}
	if out.ETag == nil || *out.ETag == "" {
		return "", fmt.Errorf("upload of part %d returned no etag", part)
	}

	return *out.ETag, nil
}

func (s *S3DestinationStorageImpl) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("no parts to complete for upload %s", uploadID)
	}

	sorted := make([]models.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Part < sorted[j].Part })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Part),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if isNoSuchUpload(err) {
		return fmt.Errorf("upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "upload_id", uploadID, "key", key, "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("successfully completed multipart upload", "upload_id", uploadID, "key", key, "parts", len(completed))
	return nil
}

func (s *S3DestinationStorageImpl) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "key", key, "error", err)
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	s.logger.Warn("aborted multipart upload", "upload_id", uploadID, "key", key)
	return nil
}
