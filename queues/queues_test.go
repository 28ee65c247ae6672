package queues

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	batches  [][]types.Message
	received int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.received += len(batch)
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func TestPublisher_FIFOIdsFromContent(t *testing.T) {
	client := &fakeSQS{}
	p := NewSQSPublisherImpl(client, QueueURLs{
		TransferRequests: "http://localhost:4566/000000000000/UriList",
		DirectJobs:       "http://localhost:4566/000000000000/DirectTasks.fifo",
		ChunkJobs:        "http://localhost:4566/000000000000/ChunkTasks.fifo",
	})
	job := models.ChunkJob{SrcBucket: "origin", Key: "big.bin", DstBucket: "cdn", UploadID: "up-1", Part: 1, StartByte: 0, EndByte: 9}
	ctx := context.Background()

	require.NoError(t, p.PublishChunkJob(ctx, job))
	require.NoError(t, p.PublishChunkJob(ctx, job))
	require.NoError(t, p.PublishTransferRequest(ctx, models.TransferRequest{URI: "/a.js", ContentLength: 1, ContentType: "text/javascript"}))

	require.Len(t, client.sent, 3)
	first, second, plain := client.sent[0], client.sent[1], client.sent[2]

	body, err := models.EncodeChunkJob(job)
	require.NoError(t, err)
	assert.Equal(t, ContentID(body), aws.ToString(first.MessageDeduplicationId))
	assert.Equal(t, aws.ToString(first.MessageGroupId), aws.ToString(second.MessageGroupId))
	assert.Equal(t, aws.ToString(first.MessageDeduplicationId), aws.ToString(second.MessageDeduplicationId))

	assert.Nil(t, plain.MessageGroupId)
	assert.Nil(t, plain.MessageDeduplicationId)
}

func TestPublisher_DistinctJobsGetDistinctIds(t *testing.T) {
	a := ContentID([]byte(`{"part":"1"}`))
	b := ContentID([]byte(`{"part":"2"}`))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestPublisher_MissingURL(t *testing.T) {
	p := NewSQSPublisherImpl(&fakeSQS{}, QueueURLs{})
	require.Error(t, p.PublishDirectJob(context.Background(), models.DirectStreamJob{ID: "x"}))
}

func TestConsumer_DeletesAfterHandlingEvenOnError(t *testing.T) {
	client := &fakeSQS{batches: [][]types.Message{{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("r1"), Body: aws.String("ok")},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("r2"), Body: aws.String("fail")},
		{MessageId: aws.String("3"), ReceiptHandle: aws.String("r3")},
	}}}

	var handled atomic.Int32
	handler := HandlerFunc(func(_ context.Context, body []byte) error {
		handled.Add(1)
		if string(body) == "fail" {
			return errors.New("boom")
		}
		return nil
	})

	c := NewConsumer(context.Background(), client, ConsumerConfig{Name: "test", QueueURL: "q", Concurrency: 2}, handler, logging.NewNopLogger(), nil)
	c.Start()

	require.Eventually(t, func() bool { return client.deletedCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, handled.Load(), "empty bodies never reach the handler")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestConsumer_LeavesInterruptedMessages(t *testing.T) {
	client := &fakeSQS{batches: [][]types.Message{{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("r1"), Body: aws.String("slow")},
	}}}

	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	c := NewConsumer(context.Background(), client, ConsumerConfig{Name: "test", QueueURL: "q"}, handler, logging.NewNopLogger(), nil)
	c.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Zero(t, client.deletedCount())
}

func TestQueueCheck(t *testing.T) {
	check := NewQueueCheck(&fakeSQS{}, "chunk", "q")
	assert.Equal(t, "Queue[chunk]", check.Name())
	assert.NoError(t, check.IsReady(context.Background()))
}
