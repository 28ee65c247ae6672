package handlers

import (
	"context"
	"errors"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/services"
)

// QueueHandler turns queue message bodies into service calls. Expected
// outcomes (duplicates, oversized objects, unknown sources) are logged here
// and reported as success; only real failures reach the consumer.
type QueueHandler struct {
	dispatcher services.DispatchService
	direct     services.DirectStreamService
	chunks     services.ChunkService

	logger logging.Logger
}

func NewQueueHandler(
	dispatcher services.DispatchService,
	direct services.DirectStreamService,
	chunks services.ChunkService,
	l logging.Logger,
) *QueueHandler {
	return &QueueHandler{
		dispatcher: dispatcher,
		direct:     direct,
		chunks:     chunks,
		logger:     l,
	}
}

func (h *QueueHandler) HandleTransferRequest(ctx context.Context, body []byte) error {
	req, err := models.DecodeTransferRequest(body)
	if err != nil {
		// poison message
		h.logger.Warn("dropping malformed transfer request", "error", err)
		return nil
	}

	_, err = h.dispatcher.Dispatch(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperror.ErrAlreadyDispatched):
		return nil
	case errors.Is(err, apperror.ErrSizeExceeded):
		h.logger.Warn("transfer request dropped", "uri", req.URI, "reason", err)
		return nil
	case errors.Is(err, apperror.ErrMetadataLookup):
		h.logger.Warn("transfer request dropped", "uri", req.URI, "reason", err)
		return nil
	default:
		return err
	}
}

func (h *QueueHandler) HandleDirectJob(ctx context.Context, body []byte) error {
	job, err := models.DecodeDirectJob(body)
	if err != nil {
		h.logger.Warn("dropping malformed direct stream job", "error", err)
		return nil
	}
	return h.direct.Run(ctx, job)
}

func (h *QueueHandler) HandleChunkJob(ctx context.Context, body []byte) error {
	job, err := models.DecodeChunkJob(body)
	if err != nil {
		h.logger.Warn("dropping malformed chunk job", "error", err)
		return nil
	}
	return h.chunks.Run(ctx, job)
}
