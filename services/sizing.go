package services

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/store"
)

// SizeResolver fills in size and content type for requests the edge could
// not describe.
type SizeResolver interface {
	Resolve(ctx context.Context, req models.TransferRequest) (models.TransferRequest, error)
}

type SizeResolverImpl struct {
	source    store.SourceStorage
	srcBucket string

	logger logging.Logger
}

func NewSizeResolverImpl(source store.SourceStorage, srcBucket string, l logging.Logger) *SizeResolverImpl {
	return &SizeResolverImpl{
		source:    source,
		srcBucket: srcBucket,
		logger:    l,
	}
}

func (svc *SizeResolverImpl) Resolve(ctx context.Context, req models.TransferRequest) (models.TransferRequest, error) {
	if !req.NeedsLookup() {
		return req, nil
	}

	info, err := svc.source.Stat(ctx, svc.srcBucket, req.Key)
	if err != nil {
		svc.logger.Warn("source metadata lookup failed", "key", req.Key, "error", err)
		return req, fmt.Errorf("%w: %s: %w", apperror.ErrMetadataLookup, req.Key, err)
	}

	svc.logger.Debug("resolved object metadata", "key", req.Key, "size", info.Size, "content_type", info.ContentType)

	req.ContentLength = info.Size
	req.ContentType = info.ContentType
	if req.ContentType == "" {
		req.ContentType = models.UnknownContentType
	}
	return req, nil
}
