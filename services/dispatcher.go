package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/metrics"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/queues"
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/Yulian302/lfusys-services-migrator/tracing"
	"go.opentelemetry.io/otel/attribute"
)

type DispatchService interface {
	// Dispatch claims req.Key and emits the jobs for the chosen strategy.
	// A key that was already claimed yields apperror.ErrAlreadyDispatched.
	Dispatch(ctx context.Context, req models.TransferRequest) (*models.Plan, error)
}

type DispatchConfig struct {
	SrcBucket string
	DstBucket string
	Limits    models.Limits
	// GuardTTL of zero makes the latch permanent.
	GuardTTL time.Duration
}

type DispatchServiceImpl struct {
	resolver    SizeResolver
	guards      store.GuardStore
	results     store.DirectResultStore
	sessions    store.SessionStore
	destination store.DestinationStorage
	publisher   queues.Publisher
	cfg         DispatchConfig

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewDispatchServiceImpl(
	resolver SizeResolver,
	guards store.GuardStore,
	results store.DirectResultStore,
	sessions store.SessionStore,
	destination store.DestinationStorage,
	publisher queues.Publisher,
	cfg DispatchConfig,
	l logging.Logger,
	m *metrics.Metrics,
) *DispatchServiceImpl {
	return &DispatchServiceImpl{
		resolver:    resolver,
		guards:      guards,
		results:     results,
		sessions:    sessions,
		destination: destination,
		publisher:   publisher,
		cfg:         cfg,
		now:         time.Now,
		logger:      l,
		metrics:     m,
	}
}

func (svc *DispatchServiceImpl) Dispatch(ctx context.Context, req models.TransferRequest) (plan *models.Plan, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch")
	span.SetAttributes(attribute.String("uri", req.URI))
	defer func() {
		if errors.Is(err, apperror.ErrAlreadyDispatched) {
			tracing.End(span, nil)
			return
		}
		tracing.End(span, err)
	}()

	req, err = svc.resolver.Resolve(ctx, req)
	if err != nil {
		svc.metrics.Dispatched("lookup_failed")
		return nil, err
	}

	now := svc.now()
	// keyed on the object key so every spelling of a path shares one latch
	guard := models.DispatchGuard{
		URI:           req.Key,
		ContentLength: req.ContentLength,
		ContentType:   req.ContentType,
		DispatchedAt:  models.Millis(now),
	}
	if svc.cfg.GuardTTL > 0 {
		guard.ExpiresAt = models.Millis(now.Add(svc.cfg.GuardTTL))
	}

	err = svc.guards.Acquire(ctx, guard)
	if errors.Is(err, apperror.ErrAlreadyDispatched) {
		svc.metrics.Dispatched("duplicate")
		svc.logger.Debug("uri already dispatched", "uri", req.URI, "key", req.Key)
		return nil, err
	}
	if err != nil {
		svc.metrics.Dispatched("error")
		return nil, fmt.Errorf("%w: dispatch guard for %s: %w", apperror.ErrStateWrite, req.URI, err)
	}

	strategy := models.Classify(req.ContentLength, svc.cfg.Limits)
	span.SetAttributes(
		attribute.String("strategy", strategy.String()),
		attribute.Int64("size", req.ContentLength),
	)

	switch strategy {
	case models.StrategyReject:
		svc.metrics.Dispatched("reject")
		svc.logger.Warn("object exceeds cacheable size, dropping",
			"uri", req.URI, "size", req.ContentLength, "reject_limit", svc.cfg.Limits.RejectLimit)
		return &models.Plan{Strategy: strategy, Key: req.Key, Size: req.ContentLength, ContentType: req.ContentType},
			fmt.Errorf("%w: %s is %d bytes", apperror.ErrSizeExceeded, req.URI, req.ContentLength)

	case models.StrategyDirect:
		plan, err = svc.dispatchDirect(ctx, req, now)
	default:
		plan, err = svc.dispatchChunked(ctx, req, now)
	}
	if err != nil {
		svc.metrics.Dispatched("error")
		return plan, err
	}

	svc.metrics.Dispatched(strategy.String())
	return plan, nil
}

func (svc *DispatchServiceImpl) dispatchDirect(ctx context.Context, req models.TransferRequest, now time.Time) (*models.Plan, error) {
	result := models.DirectStreamResult{
		ID:            models.DirectJobID(req.Key),
		Key:           req.Key,
		ContentLength: req.ContentLength,
		ContentType:   req.ContentType,
		SrcBucket:     svc.cfg.SrcBucket,
		DstBucket:     svc.cfg.DstBucket,
		Complete:      models.FlagNo,
		DispatchedAt:  models.Millis(now),
	}

	if err := svc.results.CreateResult(ctx, result); err != nil {
		svc.logger.Error("failed to create direct stream result", "uri", req.URI, "error", err)
		svc.releaseGuard(ctx, req.Key)
		return nil, fmt.Errorf("%w: direct stream result: %w", apperror.ErrStateWrite, err)
	}

	plan := &models.Plan{
		Strategy:    models.StrategyDirect,
		Key:         req.Key,
		Size:        req.ContentLength,
		ContentType: req.ContentType,
		JobID:       result.ID,
	}

	// the result row is durable now, a lost enqueue is picked up by the monitor
	if err := svc.publisher.PublishDirectJob(ctx, result.Job()); err != nil {
		svc.logger.Error("failed to enqueue direct stream job", "uri", req.URI, "id", result.ID, "error", err)
		return plan, fmt.Errorf("%w: enqueue direct job: %w", apperror.ErrTransientIO, err)
	}

	svc.logger.Info("dispatched direct stream", "uri", req.URI, "id", result.ID, "size", req.ContentLength)
	return plan, nil
}

func (svc *DispatchServiceImpl) dispatchChunked(ctx context.Context, req models.TransferRequest, now time.Time) (*models.Plan, error) {
	uploadID, err := svc.destination.CreateMultipartUpload(ctx, svc.cfg.DstBucket, req.Key, req.ContentType)
	if err != nil {
		svc.releaseGuard(ctx, req.Key)
		return nil, fmt.Errorf("%w: open chunked upload: %w", apperror.ErrTransientIO, err)
	}

	session := models.ChunkSession{
		UploadID:      uploadID,
		SrcBucket:     svc.cfg.SrcBucket,
		DstBucket:     svc.cfg.DstBucket,
		Key:           req.Key,
		ContentType:   req.ContentType,
		ContentLength: req.ContentLength,
		PartSize:      svc.cfg.Limits.PartSize,
		PartQty:       models.PartQty(req.ContentLength, svc.cfg.Limits.PartSize),
		PartCount:     0,
		Complete:      models.FlagNo,
		CreatedAt:     models.Millis(now),
		UpdatedAt:     models.Millis(now),
	}

	if err := svc.sessions.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create chunk session", "uri", req.URI, "upload_id", uploadID, "error", err)
		if abortErr := svc.destination.AbortMultipartUpload(ctx, svc.cfg.DstBucket, req.Key, uploadID); abortErr != nil {
			svc.logger.Error("failed to abort orphaned upload", "upload_id", uploadID, "error", abortErr)
		}
		// a write that failed in transit may still have landed
		if !errors.Is(err, apperror.ErrConditionFailed) {
			if delErr := svc.sessions.Delete(ctx, uploadID); delErr != nil && !errors.Is(delErr, apperror.ErrSessionNotFound) {
				svc.logger.Error("failed to remove abandoned session", "upload_id", uploadID, "error", delErr)
			}
		}
		svc.releaseGuard(ctx, req.Key)
		return nil, fmt.Errorf("%w: chunk session: %w", apperror.ErrStateWrite, err)
	}

	ranges := session.Ranges()
	plan := &models.Plan{
		Strategy:    models.StrategyChunked,
		Key:         req.Key,
		Size:        req.ContentLength,
		ContentType: req.ContentType,
		UploadID:    uploadID,
		Ranges:      ranges,
	}

	// parts that never get enqueued are found by the monitor's session sweep
	for _, r := range ranges {
		if err := svc.publisher.PublishChunkJob(ctx, session.JobFor(r)); err != nil {
			svc.logger.Error("failed to enqueue chunk job",
				"uri", req.URI, "upload_id", uploadID, "part", r.Part, "error", err)
			return plan, fmt.Errorf("%w: enqueue part %d: %w", apperror.ErrTransientIO, r.Part, err)
		}
	}

	svc.logger.Info("dispatched chunked upload",
		"uri", req.URI, "upload_id", uploadID, "size", req.ContentLength, "part_qty", session.PartQty)
	return plan, nil
}

// releaseGuard lets a later cache miss retry a URI whose dispatch failed
// before any job state was written.
func (svc *DispatchServiceImpl) releaseGuard(ctx context.Context, key string) {
	if err := svc.guards.Release(ctx, key); err != nil {
		svc.logger.Error("failed to release dispatch guard", "key", key, "error", err)
		return
	}
	svc.logger.Info("released dispatch guard", "key", key)
}
