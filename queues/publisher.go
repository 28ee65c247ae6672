package queues

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Publisher sends the three message kinds to their queues.
type Publisher interface {
	PublishTransferRequest(ctx context.Context, req models.TransferRequest) error
	PublishDirectJob(ctx context.Context, job models.DirectStreamJob) error
	PublishChunkJob(ctx context.Context, job models.ChunkJob) error
}

type QueueURLs struct {
	TransferRequests string
	DirectJobs       string
	ChunkJobs        string
}

type SQSPublisherImpl struct {
	client SQSAPI
	urls   QueueURLs
}

func NewSQSPublisherImpl(client SQSAPI, urls QueueURLs) *SQSPublisherImpl {
	return &SQSPublisherImpl{
		client: client,
		urls:   urls,
	}
}

func (p *SQSPublisherImpl) PublishTransferRequest(ctx context.Context, req models.TransferRequest) error {
	body, err := models.EncodeTransferRequest(req)
	if err != nil {
		return err
	}
	return p.send(ctx, p.urls.TransferRequests, body)
}

func (p *SQSPublisherImpl) PublishDirectJob(ctx context.Context, job models.DirectStreamJob) error {
	body, err := models.EncodeDirectJob(job)
	if err != nil {
		return err
	}
	return p.send(ctx, p.urls.DirectJobs, body)
}

func (p *SQSPublisherImpl) PublishChunkJob(ctx context.Context, job models.ChunkJob) error {
	body, err := models.EncodeChunkJob(job)
	if err != nil {
		return err
	}
	return p.send(ctx, p.urls.ChunkJobs, body)
}

func (p *SQSPublisherImpl) send(ctx context.Context, queueURL string, body []byte) error {
	if queueURL == "" {
		return fmt.Errorf("queue url cannot be empty")
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	}
	if IsFIFO(queueURL) {
		id := ContentID(body)
		in.MessageGroupId = aws.String(id)
		in.MessageDeduplicationId = aws.String(id)
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := p.client.SendMessage(ctx, in)
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", queueURL, err)
	}
	return nil
}

// ContentID is the group and deduplication id of a FIFO message. It depends
// on the body only, so byte-identical enqueues inside the dedup window
// collapse into one delivery.
func ContentID(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
