package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/handlers"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/queues"
	"github.com/Yulian302/lfusys-services-migrator/services"
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

const (
	awsEndpoint = "http://localhost:4566"
	srcBucket   = "origin"
	dstBucket   = "cdn-origin"
	mib         = 1 << 20
)

// memorySource stands in for the GCS origin; LocalStack has no GCS.
type memorySource struct {
	objects map[string][]byte
}

func (m *memorySource) Stat(_ context.Context, _, key string) (store.ObjectInfo, error) {
	b, ok := m.objects[key]
	if !ok {
		return store.ObjectInfo{}, store.ErrObjectNotFound
	}
	return store.ObjectInfo{Size: int64(len(b)), ContentType: "application/octet-stream"}, nil
}

func (m *memorySource) NewReader(_ context.Context, _, key string) (io.ReadCloser, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memorySource) NewRangeReader(_ context.Context, _, key string, offset, length int64) (io.ReadCloser, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, store.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b[offset : offset+length])), nil
}

type TestEnv struct {
	Dynamo *dynamodb.Client
	Sqs    *sqs.Client
	S3     *s3.Client
	URLs   queues.QueueURLs
}

func setupTestEnv(t *testing.T) *TestEnv {
	if os.Getenv("MIGRATOR_INTEGRATION") != "1" {
		t.Skip("set MIGRATOR_INTEGRATION=1 to run against LocalStack")
	}

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.UsePathStyle = true
	})

	createTable := func(name string, keys ...types.KeySchemaElement) {
		attrs := make([]types.AttributeDefinition, 0, len(keys))
		for _, k := range keys {
			typ := types.ScalarAttributeTypeS
			if aws.ToString(k.AttributeName) == "part" {
				typ = types.ScalarAttributeTypeN
			}
			attrs = append(attrs, types.AttributeDefinition{AttributeName: k.AttributeName, AttributeType: typ})
		}

		_, err := db.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(name),
			AttributeDefinitions: attrs,
			KeySchema:            keys,
			BillingMode:          types.BillingModePayPerRequest,
		})

		var exists *types.ResourceInUseException
		if err != nil && !errors.As(err, &exists) {
			require.NoError(t, err)
		}
	}
	hash := func(name string) types.KeySchemaElement {
		return types.KeySchemaElement{AttributeName: aws.String(name), KeyType: types.KeyTypeHash}
	}

	createTable("UriList", hash("uri"))
	createTable("DirectResults", hash("id"))
	createTable("DirectTasks", hash("id"))
	createTable("ChunkSessions", hash("upload_id"))
	createTable("ChunkParts", hash("upload_id"), types.KeySchemaElement{AttributeName: aws.String("part"), KeyType: types.KeyTypeRange})

	createQueue := func(name string) string {
		in := &sqs.CreateQueueInput{QueueName: aws.String(name)}
		if queues.IsFIFO(name) {
			in.Attributes = map[string]string{string(sqstypes.QueueAttributeNameFifoQueue): "true"}
		}
		q, err := sqsClient.CreateQueue(ctx, in)
		require.NoError(t, err)
		return aws.ToString(q.QueueUrl)
	}

	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(dstBucket)})
	if err != nil {
		t.Logf("create bucket: %v", err)
	}

	return &TestEnv{
		Dynamo: db,
		Sqs:    sqsClient,
		S3:     s3Client,
		URLs: queues.QueueURLs{
			TransferRequests: createQueue("UriList"),
			DirectJobs:       createQueue("DirectTasks.fifo"),
			ChunkJobs:        createQueue("ChunkTasks.fifo"),
		},
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestMigratesOnCacheMiss(t *testing.T) {
	env := setupTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := logging.NewNopLogger()
	run := fmt.Sprintf("%d", time.Now().UnixNano())
	small := "assets/" + run + "/app.js"
	large := "video/" + run + "/clip.mp4"

	source := &memorySource{objects: map[string][]byte{
		small: randomBytes(2 * mib),
		large: randomBytes(11 * mib),
	}}

	destination := store.NewS3DestinationStorageImpl(env.S3, l)
	guards := store.NewDynamoDbGuardStoreImpl(env.Dynamo, "UriList")
	results := store.NewDynamoDbDirectResultStoreImpl(env.Dynamo, "DirectResults")
	tasks := store.NewDynamoDbDirectTaskStoreImpl(env.Dynamo, "DirectTasks")
	sessions := store.NewSessionStoreImpl(env.Dynamo, "ChunkSessions")
	parts := store.NewDynamoDbPartStoreImpl(env.Dynamo, "ChunkParts")
	publisher := queues.NewSQSPublisherImpl(env.Sqs, env.URLs)

	dispatcher := services.NewDispatchServiceImpl(
		services.NewSizeResolverImpl(source, srcBucket, l),
		guards, results, sessions, destination, publisher,
		services.DispatchConfig{
			SrcBucket: srcBucket,
			DstBucket: dstBucket,
			Limits:    models.Limits{RejectLimit: 64 * mib, DirectLimit: 5 * mib, PartSize: 5 * mib},
		},
		l, nil,
	)
	direct := services.NewDirectStreamServiceImpl(source, destination, results, tasks, l, nil)
	assembler := services.NewAssemblyServiceImpl(sessions, parts, destination, l, nil)
	chunks := services.NewChunkServiceImpl(source, destination, sessions, parts, assembler, t.TempDir(), l, nil)

	h := handlers.NewQueueHandler(dispatcher, direct, chunks, l)
	for name, c := range map[string]struct {
		url string
		fn  queues.HandlerFunc
	}{
		"transfer_requests": {env.URLs.TransferRequests, h.HandleTransferRequest},
		"direct_jobs":       {env.URLs.DirectJobs, h.HandleDirectJob},
		"chunk_jobs":        {env.URLs.ChunkJobs, h.HandleChunkJob},
	} {
		consumer := queues.NewConsumer(ctx, env.Sqs, queues.ConsumerConfig{
			Name:            name,
			QueueURL:        c.url,
			Concurrency:     4,
			WaitTimeSeconds: 1,
		}, c.fn, l, nil)
		consumer.Start()
		t.Cleanup(func() { _ = consumer.Shutdown(context.Background()) })
	}

	for _, key := range []string{small, large} {
		require.NoError(t, publisher.PublishTransferRequest(ctx, models.TransferRequest{
			URI:         "/" + key,
			Key:         key,
			ContentType: models.UnknownContentType,
		}))
	}

	for _, key := range []string{small, large} {
		want := source.objects[key]
		require.Eventually(t, func() bool {
			out, err := env.S3.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(dstBucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return false
			}
			defer out.Body.Close()

			got, err := io.ReadAll(out.Body)
			return err == nil && bytes.Equal(want, got)
		}, 60*time.Second, 500*time.Millisecond, key)
	}

	// a second miss for the same uri is swallowed by the guard
	_, err := dispatcher.Dispatch(ctx, models.TransferRequest{URI: "/" + small, Key: small, ContentLength: 2 * mib, ContentType: "text/javascript"})
	require.ErrorIs(t, err, apperror.ErrAlreadyDispatched)
}
