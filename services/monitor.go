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
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	PartsRequeued     int
	PartsDeleted      int
	MissingRequeued   int
	SessionsFinalized int
	SessionsResumed   int
	DirectRequeued    int
	Errors            int
}

func (r SweepReport) Actions() int {
	return r.PartsRequeued + r.PartsDeleted + r.MissingRequeued + r.SessionsFinalized + r.SessionsResumed + r.DirectRequeued
}

// RecoveryService is the only retry mechanism: it finds work that went
// stale and puts it back on the queues.
type RecoveryService interface {
	Sweep(ctx context.Context) (SweepReport, error)
	Run(ctx context.Context) error
}

type RecoveryServiceImpl struct {
	sessions  store.SessionStore
	parts     store.PartStore
	results   store.DirectResultStore
	tasks     store.DirectTaskStore
	publisher queues.Publisher
	assembler AssemblyService

	staleTimeout time.Duration
	interval     time.Duration

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewRecoveryServiceImpl(
	sessions store.SessionStore,
	parts store.PartStore,
	results store.DirectResultStore,
	tasks store.DirectTaskStore,
	publisher queues.Publisher,
	assembler AssemblyService,
	staleTimeout time.Duration,
	interval time.Duration,
	l logging.Logger,
	m *metrics.Metrics,
) *RecoveryServiceImpl {
	return &RecoveryServiceImpl{
		sessions:     sessions,
		parts:        parts,
		results:      results,
		tasks:        tasks,
		publisher:    publisher,
		assembler:    assembler,
		staleTimeout: staleTimeout,
		interval:     interval,
		now:          time.Now,
		logger:       l,
		metrics:      m,
	}
}

// Run sweeps once immediately, then on every interval until ctx is done.
func (svc *RecoveryServiceImpl) Run(ctx context.Context) error {
	ticker := time.NewTicker(svc.interval)
	defer ticker.Stop()

	svc.logger.Info("recovery monitor started", "interval", svc.interval, "stale_timeout", svc.staleTimeout)

	for {
		if _, err := svc.Sweep(ctx); err != nil && ctx.Err() == nil {
			svc.logger.Error("recovery sweep finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			svc.logger.Info("recovery monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (svc *RecoveryServiceImpl) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.sweep")
	defer func() { tracing.End(span, err) }()

	cutoff := svc.now().Add(-svc.staleTimeout)
	var errs []error

	live, err := svc.sessions.ListIncomplete(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list live sessions: %w", err))
	} else {
		errs = append(errs, svc.sweepParts(ctx, cutoff, live, &report)...)
		errs = append(errs, svc.sweepSessions(ctx, cutoff, live, &report)...)
	}

	errs = append(errs, svc.sweepDirectTasks(ctx, cutoff, &report)...)
	errs = append(errs, svc.sweepDirectResults(ctx, cutoff, &report)...)

	report.Errors = len(errs)

	svc.metrics.Swept("part_requeued", report.PartsRequeued)
	svc.metrics.Swept("part_deleted", report.PartsDeleted)
	svc.metrics.Swept("missing_part_requeued", report.MissingRequeued)
	svc.metrics.Swept("session_finalized", report.SessionsFinalized)
	svc.metrics.Swept("session_resumed", report.SessionsResumed)
	svc.metrics.Swept("direct_requeued", report.DirectRequeued)
	svc.metrics.Swept("error", report.Errors)

	if report.Actions() > 0 || report.Errors > 0 {
		svc.logger.Info("recovery sweep done",
			"parts_requeued", report.PartsRequeued,
			"parts_deleted", report.PartsDeleted,
			"missing_requeued", report.MissingRequeued,
			"sessions_finalized", report.SessionsFinalized,
			"sessions_resumed", report.SessionsResumed,
			"direct_requeued", report.DirectRequeued,
			"errors", report.Errors,
		)
	}

	return report, errors.Join(errs...)
}

// sweepParts retries stale parts of live sessions. Rows of claimed sessions
// stay with their claimant until the claim itself is stale, then the session
// is resumed. Rows without a session are dropped.
func (svc *RecoveryServiceImpl) sweepParts(ctx context.Context, cutoff time.Time, live []models.ChunkSession, report *SweepReport) []error {
	liveIDs := make(map[string]struct{}, len(live))
	for _, s := range live {
		liveIDs[s.UploadID] = struct{}{}
	}

	rows, err := svc.parts.ListStartedBefore(ctx, cutoff)
	if err != nil {
		return []error{fmt.Errorf("list stale parts: %w", err)}
	}

	var errs []error
	closed := make(map[string][]models.ChunkPart)
	for _, p := range rows {
		if _, ok := liveIDs[p.UploadID]; !ok {
			closed[p.UploadID] = append(closed[p.UploadID], p)
			continue
		}
		if p.PartComplete.Done() {
			continue
		}

		if err := svc.publisher.PublishChunkJob(ctx, p.Job()); err != nil {
			errs = append(errs, fmt.Errorf("requeue part %s/%d: %w", p.UploadID, p.Part, err))
			continue
		}
		svc.logger.Info("requeued stale chunk part", "upload_id", p.UploadID, "part", p.Part)
		report.PartsRequeued++
	}

	for uploadID, parts := range closed {
		session, err := svc.sessions.GetSession(ctx, uploadID)
		switch {
		case errors.Is(err, apperror.ErrSessionNotFound):
			for _, p := range parts {
				if err := svc.parts.DeletePart(ctx, p.UploadID, p.Part); err != nil {
					errs = append(errs, fmt.Errorf("delete orphan part %s/%d: %w", p.UploadID, p.Part, err))
					continue
				}
				svc.logger.Info("deleted orphaned chunk part", "upload_id", p.UploadID, "part", p.Part)
				report.PartsDeleted++
			}
		case err != nil:
			errs = append(errs, fmt.Errorf("read session %s: %w", uploadID, err))
		case session.Complete.Done() && session.CompleteTime < models.Millis(cutoff):
			if err := svc.assembler.Resume(ctx, *session); err != nil {
				errs = append(errs, fmt.Errorf("resume %s: %w", uploadID, err))
				continue
			}
			report.SessionsResumed++
		}
	}
	return errs
}

// sweepSessions handles idle sessions: parts whose job never started are
// enqueued again, and sessions with every part uploaded are assembled.
func (svc *RecoveryServiceImpl) sweepSessions(ctx context.Context, cutoff time.Time, live []models.ChunkSession, report *SweepReport) []error {
	var errs []error

	for _, session := range live {
		if session.UpdatedAt >= models.Millis(cutoff) {
			continue
		}

		parts, err := svc.parts.ListParts(ctx, session.UploadID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list parts of %s: %w", session.UploadID, err))
			continue
		}

		seen := make(map[int32]bool, len(parts))
		var done int32
		for _, p := range parts {
			seen[p.Part] = true
			if p.PartComplete.Done() && p.ETag != "" {
				done++
			}
		}

		if done == session.PartQty {
			if err := svc.finishSession(ctx, session); err != nil {
				errs = append(errs, err)
				continue
			}
			report.SessionsFinalized++
			continue
		}

		for _, r := range session.Ranges() {
			if seen[r.Part] {
				continue
			}
			if err := svc.publisher.PublishChunkJob(ctx, session.JobFor(r)); err != nil {
				errs = append(errs, fmt.Errorf("requeue missing part %s/%d: %w", session.UploadID, r.Part, err))
				continue
			}
			svc.logger.Info("requeued missing chunk part", "upload_id", session.UploadID, "part", r.Part)
			report.MissingRequeued++
		}
	}
	return errs
}

func (svc *RecoveryServiceImpl) finishSession(ctx context.Context, session models.ChunkSession) error {
	if session.PartCount != session.PartQty {
		updated, err := svc.sessions.UpdatePartCount(ctx, session.UploadID, session.PartQty, svc.now())
		if err != nil {
			return fmt.Errorf("advance part count of %s: %w", session.UploadID, err)
		}
		session = *updated
	}

	svc.logger.Info("assembling idle session", "upload_id", session.UploadID)
	if err := svc.assembler.Assemble(ctx, session); err != nil {
		return fmt.Errorf("assemble %s: %w", session.UploadID, err)
	}
	return nil
}

// sweepDirectTasks re-enqueues copies that started but never finished.
func (svc *RecoveryServiceImpl) sweepDirectTasks(ctx context.Context, cutoff time.Time, report *SweepReport) []error {
	stale, err := svc.tasks.ListStale(ctx, cutoff)
	if err != nil {
		return []error{fmt.Errorf("list stale direct tasks: %w", err)}
	}

	var errs []error
	for _, t := range stale {
		if err := svc.publisher.PublishDirectJob(ctx, t.Job()); err != nil {
			errs = append(errs, fmt.Errorf("requeue direct %s: %w", t.ID, err))
			continue
		}
		svc.logger.Info("requeued stale direct stream", "id", t.ID, "key", t.Key)
		report.DirectRequeued++
	}
	return errs
}

// sweepDirectResults re-enqueues dispatched copies that never started.
func (svc *RecoveryServiceImpl) sweepDirectResults(ctx context.Context, cutoff time.Time, report *SweepReport) []error {
	pending, err := svc.results.ListIncomplete(ctx, cutoff)
	if err != nil {
		return []error{fmt.Errorf("list incomplete direct results: %w", err)}
	}

	var errs []error
	for _, r := range pending {
		_, err := svc.tasks.GetTask(ctx, r.ID)
		if err == nil {
			// in flight, sweepDirectTasks owns it
			continue
		}
		if !errors.Is(err, apperror.ErrTaskNotFound) {
			errs = append(errs, fmt.Errorf("read direct task %s: %w", r.ID, err))
			continue
		}

		if err := svc.publisher.PublishDirectJob(ctx, r.Job()); err != nil {
			errs = append(errs, fmt.Errorf("requeue direct %s: %w", r.ID, err))
			continue
		}
		svc.logger.Info("requeued unstarted direct stream", "id", r.ID, "key", r.Key)
		report.DirectRequeued++
	}
	return errs
}
