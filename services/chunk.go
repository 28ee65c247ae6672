package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/metrics"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/Yulian302/lfusys-services-migrator/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ChunkService moves one byte range of a chunked upload and triggers
// assembly when it completes the last part.
type ChunkService interface {
	Run(ctx context.Context, job models.ChunkJob) error
}

type ChunkServiceImpl struct {
	source      store.SourceStorage
	destination store.DestinationStorage
	sessions    store.SessionStore
	parts       store.PartStore
	assembler   AssemblyService
	tempDir     string

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewChunkServiceImpl(
	source store.SourceStorage,
	destination store.DestinationStorage,
	sessions store.SessionStore,
	parts store.PartStore,
	assembler AssemblyService,
	tempDir string,
	l logging.Logger,
	m *metrics.Metrics,
) *ChunkServiceImpl {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &ChunkServiceImpl{
		source:      source,
		destination: destination,
		sessions:    sessions,
		parts:       parts,
		assembler:   assembler,
		tempDir:     tempDir,
		now:         time.Now,
		logger:      l,
		metrics:     m,
	}
}

func (svc *ChunkServiceImpl) Run(ctx context.Context, job models.ChunkJob) (err error) {
	ctx, span := tracing.StartSpan(ctx, "chunk.part")
	span.SetAttributes(
		attribute.String("upload_id", job.UploadID),
		attribute.Int("part", int(job.Part)),
	)
	defer func() { tracing.End(span, err) }()

	log := svc.logger.With("upload_id", job.UploadID, "part", job.Part)

	session, err := svc.sessions.GetSession(ctx, job.UploadID)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		log.Info("chunk session not found, dropping part")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read session: %w", apperror.ErrStateWrite, err)
	}
	if session.Complete.Done() {
		log.Info("chunk session already complete, dropping part")
		return nil
	}

	started := svc.now()
	part := models.ChunkPart{
		UploadID:     job.UploadID,
		Part:         job.Part,
		StartByte:    job.StartByte,
		EndByte:      job.EndByte,
		SrcBucket:    job.SrcBucket,
		DstBucket:    job.DstBucket,
		Key:          job.Key,
		ContentType:  job.ContentType,
		PartComplete: models.FlagNo,
		StartTime:    models.Millis(started),
	}
	if err := svc.parts.PutPart(ctx, part); err != nil {
		log.Error("failed to write chunk part", "error", err)
		return fmt.Errorf("%w: chunk part: %w", apperror.ErrStateWrite, err)
	}

	etag, err := svc.transfer(ctx, job)
	if err != nil {
		svc.metrics.Part("failed")
		log.Error("chunk part transfer failed", "error", err)
		return fmt.Errorf("%w: part %d: %w", apperror.ErrTransientIO, job.Part, err)
	}

	finished := svc.now()
	svc.metrics.Part("uploaded")
	svc.metrics.Transferred(models.StrategyChunked.String(), job.Range().Len(), finished.Sub(started).Seconds())

	err = svc.parts.CompletePart(ctx, job.UploadID, job.Part, etag, finished)
	if errors.Is(err, apperror.ErrConditionFailed) {
		log.Info("chunk part row already cleaned up, session finished")
		return nil
	}
	if err != nil {
		log.Error("failed to mark chunk part complete", "error", err)
		return fmt.Errorf("%w: complete part: %w", apperror.ErrStateWrite, err)
	}

	count, err := svc.parts.CountComplete(ctx, job.UploadID)
	if err != nil {
		log.Error("failed to count completed parts", "error", err)
		return fmt.Errorf("%w: count parts: %w", apperror.ErrStateWrite, err)
	}

	session, err = svc.sessions.UpdatePartCount(ctx, job.UploadID, count, finished)
	if errors.Is(err, apperror.ErrConditionFailed) {
		// closed, or a worker that saw more parts already wrote its count
		log.Debug("part count not advanced", "count", count)
		return nil
	}
	if err != nil {
		log.Error("failed to update part count", "count", count, "error", err)
		return fmt.Errorf("%w: part count: %w", apperror.ErrStateWrite, err)
	}

	log.Info("chunk part completed", "part_count", session.PartCount, "part_qty", session.PartQty)

	if session.PartCount != session.PartQty {
		return nil
	}
	return svc.assembler.Assemble(ctx, *session)
}

// transfer stages the range in a temp file, then uploads it as one part.
func (svc *ChunkServiceImpl) transfer(ctx context.Context, job models.ChunkJob) (string, error) {
	want := job.Range().Len()

	path := filepath.Join(svc.tempDir, "migrator-"+uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			svc.logger.Warn("failed to remove temp file", "path", path, "error", err)
		}
	}()

	r, err := svc.source.NewRangeReader(ctx, job.SrcBucket, job.Key, job.StartByte, want)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, r)
	r.Close()
	if err != nil {
		return "", fmt.Errorf("download range: %w", err)
	}
	if n != want {
		return "", fmt.Errorf("short download: got %d of %d bytes", n, want)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind temp file: %w", err)
	}

	return svc.destination.UploadPart(ctx, job.DstBucket, job.Key, job.UploadID, job.Part, f, want)
}
