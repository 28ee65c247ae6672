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
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/Yulian302/lfusys-services-migrator/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// DirectStreamService copies one object in a single pass. It never retries;
// a failed copy leaves its task row behind for the recovery monitor.
type DirectStreamService interface {
	Run(ctx context.Context, job models.DirectStreamJob) error
}

type DirectStreamServiceImpl struct {
	source      store.SourceStorage
	destination store.DestinationStorage
	results     store.DirectResultStore
	tasks       store.DirectTaskStore

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewDirectStreamServiceImpl(
	source store.SourceStorage,
	destination store.DestinationStorage,
	results store.DirectResultStore,
	tasks store.DirectTaskStore,
	l logging.Logger,
	m *metrics.Metrics,
) *DirectStreamServiceImpl {
	return &DirectStreamServiceImpl{
		source:      source,
		destination: destination,
		results:     results,
		tasks:       tasks,
		now:         time.Now,
		logger:      l,
		metrics:     m,
	}
}

func (svc *DirectStreamServiceImpl) Run(ctx context.Context, job models.DirectStreamJob) (err error) {
	ctx, span := tracing.StartSpan(ctx, "direct.copy")
	span.SetAttributes(
		attribute.String("id", job.ID),
		attribute.String("key", job.Key),
		attribute.Int64("size", job.ContentLength),
	)
	defer func() { tracing.End(span, err) }()

	started := svc.now()
	task := models.DirectStreamTask{
		ID:            job.ID,
		Key:           job.Key,
		ContentLength: job.ContentLength,
		ContentType:   job.ContentType,
		SrcBucket:     job.SrcBucket,
		DstBucket:     job.DstBucket,
		Complete:      models.FlagNo,
		StartTime:     models.Millis(started),
	}
	if err := svc.tasks.PutTask(ctx, task); err != nil {
		svc.logger.Error("failed to write direct stream task", "id", job.ID, "key", job.Key, "error", err)
		return fmt.Errorf("%w: direct stream task: %w", apperror.ErrStateWrite, err)
	}

	svc.logger.Info("direct stream started", "id", job.ID, "key", job.Key, "size", job.ContentLength)

	if err := svc.copy(ctx, job); err != nil {
		svc.logger.Error("direct stream failed", "id", job.ID, "key", job.Key, "error", err)
		return fmt.Errorf("%w: %w", apperror.ErrTransientIO, err)
	}

	finished := svc.now()
	svc.metrics.Transferred(models.StrategyDirect.String(), job.ContentLength, finished.Sub(started).Seconds())

	err = svc.results.MarkComplete(ctx, job.ID, finished)
	if errors.Is(err, apperror.ErrTaskNotFound) {
		// object landed; the result row was never written or already cleaned up
		svc.logger.Warn("direct stream result missing", "id", job.ID, "key", job.Key)
	} else if err != nil {
		svc.logger.Error("failed to mark direct stream complete", "id", job.ID, "error", err)
		return fmt.Errorf("%w: mark complete: %w", apperror.ErrStateWrite, err)
	}

	if err := svc.tasks.DeleteTask(ctx, job.ID); err != nil {
		svc.logger.Error("failed to delete direct stream task", "id", job.ID, "error", err)
		return fmt.Errorf("%w: delete task: %w", apperror.ErrStateWrite, err)
	}

	svc.logger.Info("direct stream completed", "id", job.ID, "key", job.Key, "duration", finished.Sub(started))
	return nil
}

// copy pipes the source reader straight into the destination upload.
func (svc *DirectStreamServiceImpl) copy(ctx context.Context, job models.DirectStreamJob) error {
	r, err := svc.source.NewReader(ctx, job.SrcBucket, job.Key)
	if err != nil {
		return err
	}
	defer r.Close()

	return svc.destination.PutObject(ctx, job.DstBucket, job.Key, r, job.ContentLength, job.ContentType)
}
