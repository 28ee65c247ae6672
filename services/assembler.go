package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/metrics"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/Yulian302/lfusys-services-migrator/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// AssemblyService finalizes a chunked upload whose parts are all in.
// Only the caller that wins the session's N->Y claim talks to the
// destination; everyone else returns nil.
type AssemblyService interface {
	Assemble(ctx context.Context, session models.ChunkSession) error
	// Resume finishes a session that is already claimed but still has part
	// rows: its claimant died before completing the upload, or completed it
	// and failed to remove the rows.
	Resume(ctx context.Context, session models.ChunkSession) error
}

type AssemblyServiceImpl struct {
	sessions    store.SessionStore
	parts       store.PartStore
	destination store.DestinationStorage

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewAssemblyServiceImpl(
	sessions store.SessionStore,
	parts store.PartStore,
	destination store.DestinationStorage,
	l logging.Logger,
	m *metrics.Metrics,
) *AssemblyServiceImpl {
	return &AssemblyServiceImpl{
		sessions:    sessions,
		parts:       parts,
		destination: destination,
		now:         time.Now,
		logger:      l,
		metrics:     m,
	}
}

func (svc *AssemblyServiceImpl) Assemble(ctx context.Context, session models.ChunkSession) (err error) {
	ctx, span := tracing.StartSpan(ctx, "chunk.assemble")
	span.SetAttributes(
		attribute.String("upload_id", session.UploadID),
		attribute.Int("part_qty", int(session.PartQty)),
	)
	defer func() { tracing.End(span, err) }()

	uploadID := session.UploadID

	won, err := svc.sessions.ClaimCompletion(ctx, uploadID, svc.now())
	if err != nil {
		svc.logger.Error("failed to claim session completion", "upload_id", uploadID, "error", err)
		return fmt.Errorf("%w: claim completion: %w", apperror.ErrStateWrite, err)
	}
	if !won {
		svc.metrics.Finalized("lost_claim")
		svc.logger.Info("session completion claimed elsewhere", "upload_id", uploadID)
		return nil
	}

	svc.logger.Info("upload finalization started", "upload_id", uploadID, "key", session.Key, "part_qty", session.PartQty)

	parts, err := svc.finalize(ctx, session)
	if err != nil {
		svc.metrics.Finalized("failed")
		svc.logger.Error("upload finalization failed", "upload_id", uploadID, "error", err)

		// reopen so the monitor can try again
		if relErr := svc.sessions.ReleaseCompletion(ctx, uploadID, svc.now()); relErr != nil {
			svc.logger.Error("failed to reopen session", "upload_id", uploadID, "error", relErr)
		}
		return err
	}

	svc.metrics.Finalized("completed")
	// leftover rows are picked up by the monitor through Resume
	svc.deleteParts(ctx, uploadID, parts)

	svc.logger.Info("upload completed successfully", "upload_id", uploadID, "key", session.Key)
	return nil
}

func (svc *AssemblyServiceImpl) Resume(ctx context.Context, session models.ChunkSession) (err error) {
	ctx, span := tracing.StartSpan(ctx, "chunk.resume")
	span.SetAttributes(attribute.String("upload_id", session.UploadID))
	defer func() { tracing.End(span, err) }()

	uploadID := session.UploadID
	if !session.Complete.Done() {
		return nil
	}

	svc.logger.Warn("resuming claimed session", "upload_id", uploadID, "key", session.Key)

	parts, err := svc.finalize(ctx, session)
	if err != nil {
		svc.metrics.Finalized("failed")
		svc.logger.Error("resumed finalization failed", "upload_id", uploadID, "error", err)

		if relErr := svc.sessions.ReleaseCompletion(ctx, uploadID, svc.now()); relErr != nil {
			svc.logger.Error("failed to reopen session", "upload_id", uploadID, "error", relErr)
		}
		return err
	}

	svc.metrics.Finalized("resumed")
	if failed := svc.deleteParts(ctx, uploadID, parts); failed > 0 {
		return fmt.Errorf("%w: %d part rows of %s left", apperror.ErrStateWrite, failed, uploadID)
	}
	return nil
}

// deleteParts returns how many rows could not be removed.
func (svc *AssemblyServiceImpl) deleteParts(ctx context.Context, uploadID string, parts []models.ChunkPart) int {
	failed := 0
	for _, p := range parts {
		if err := svc.parts.DeletePart(ctx, uploadID, p.Part); err != nil {
			svc.logger.Error("failed to delete chunk part", "upload_id", uploadID, "part", p.Part, "error", err)
			failed++
		}
	}
	return failed
}

// alreadyCompleted reports whether the destination object exists.
func (svc *AssemblyServiceImpl) alreadyCompleted(ctx context.Context, session models.ChunkSession) bool {
	exists, err := svc.destination.ObjectExists(ctx, session.DstBucket, session.Key)
	return err == nil && exists
}

func (svc *AssemblyServiceImpl) finalize(ctx context.Context, session models.ChunkSession) ([]models.ChunkPart, error) {
	parts, err := svc.parts.ListParts(ctx, session.UploadID)
	if err != nil {
		return nil, fmt.Errorf("%w: list parts: %w", apperror.ErrStateWrite, err)
	}

	completed, err := completedParts(parts, session.PartQty)
	if err != nil {
		// rows are only removed once the upload completed
		if int32(len(parts)) < session.PartQty && svc.alreadyCompleted(ctx, session) {
			svc.logger.Warn("multipart upload already completed", "upload_id", session.UploadID, "key", session.Key)
			return parts, nil
		}
		return nil, err
	}

	err = svc.destination.CompleteMultipartUpload(ctx, session.DstBucket, session.Key, session.UploadID, completed)
	if errors.Is(err, store.ErrUploadNotFound) && svc.alreadyCompleted(ctx, session) {
		// an earlier attempt completed it without recording so
		svc.logger.Warn("multipart upload already completed", "upload_id", session.UploadID, "key", session.Key)
		return parts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperror.ErrTransientIO, err)
	}

	return parts, nil
}

// completedParts requires exactly parts 1..qty, each with an etag.
func completedParts(parts []models.ChunkPart, qty int32) ([]models.CompletedPart, error) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Part < parts[j].Part })

	if int32(len(parts)) != qty {
		return nil, fmt.Errorf("%w: have %d of %d parts", apperror.ErrIncompleteParts, len(parts), qty)
	}

	out := make([]models.CompletedPart, 0, len(parts))
	for i, p := range parts {
		if p.Part != int32(i+1) {
			return nil, fmt.Errorf("%w: part %d missing", apperror.ErrIncompleteParts, i+1)
		}
		if !p.PartComplete.Done() || p.ETag == "" {
			return nil, fmt.Errorf("%w: part %d not uploaded", apperror.ErrIncompleteParts, p.Part)
		}
		out = append(out, models.CompletedPart{Part: p.Part, ETag: p.ETag})
	}
	return out, nil
}
