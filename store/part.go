package store

import (
	"context"
	"errors"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/health"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type PartStore interface {
	// PutPart writes (or overwrites) the record of a starting part job.
	PutPart(ctx context.Context, part models.ChunkPart) error
	// CompletePart never recreates a row that was cleaned up; a missing row
	// yields apperror.ErrConditionFailed.
	CompletePart(ctx context.Context, uploadID string, part int32, etag string, at time.Time) error
	CountComplete(ctx context.Context, uploadID string) (int32, error)
	ListParts(ctx context.Context, uploadID string) ([]models.ChunkPart, error)
	// ListStartedBefore returns every part row, finished or not, whose job
	// started before the cutoff.
	ListStartedBefore(ctx context.Context, startedBefore time.Time) ([]models.ChunkPart, error)
	DeletePart(ctx context.Context, uploadID string, part int32) error

	health.ReadinessCheck
}

type DynamoDbPartStoreImpl struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDbPartStoreImpl(client DynamoDBAPI, tableName string) *DynamoDbPartStoreImpl {
	return &DynamoDbPartStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbPartStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbPartStoreImpl) Name() string {
	return "PartStore[" + s.tableName + "]"
}

func (s *DynamoDbPartStoreImpl) key(uploadID string, part int32) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"upload_id": strAttr(uploadID),
		"part":      numAttr(int64(part)),
	}
}

func (s *DynamoDbPartStoreImpl) PutPart(ctx context.Context, part models.ChunkPart) error {
	item, err := attributevalue.MarshalMap(part)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbPartStoreImpl) CompletePart(ctx context.Context, uploadID string, part int32, etag string, at time.Time) error {
	if etag == "" {
		return errors.New("etag cannot be empty")
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(uploadID, part),
				UpdateExpression:    aws.String("SET part_complete = :y, finish_time = :t, etag = :e"),
				ConditionExpression: aws.String("attribute_exists(upload_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":y": strAttr(string(models.FlagYes)),
					":t": msAttr(at),
					":e": strAttr(etag),
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		return apperror.ErrConditionFailed
	}
	return err
}

func (s *DynamoDbPartStoreImpl) CountComplete(ctx context.Context, uploadID string) (int32, error) {
	var count int32

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			count = 0
			p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
				TableName:              aws.String(s.tableName),
				KeyConditionExpression: aws.String("upload_id = :id"),
				FilterExpression:       aws.String("part_complete = :y"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": strAttr(uploadID),
					":y":  strAttr(string(models.FlagYes)),
				},
				Select:         types.SelectCount,
				ConsistentRead: aws.Bool(true),
			})
			for p.HasMorePages() {
				page, err := p.NextPage(ctx)
				if err != nil {
					return err
				}
				count += page.Count
			}
			return nil
		},
		retries.IsRetriableDbError,
	)

	return count, err
}

func (s *DynamoDbPartStoreImpl) ListParts(ctx context.Context, uploadID string) ([]models.ChunkPart, error) {
	return queryAll[models.ChunkPart](ctx, s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("upload_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": strAttr(uploadID),
		},
		ConsistentRead: aws.Bool(true),
	})
}

func (s *DynamoDbPartStoreImpl) ListStartedBefore(ctx context.Context, startedBefore time.Time) ([]models.ChunkPart, error) {
	return scanAll[models.ChunkPart](ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("start_time < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": msAttr(startedBefore),
		},
	})
}

func (s *DynamoDbPartStoreImpl) DeletePart(ctx context.Context, uploadID string, part int32) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       s.key(uploadID, part),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}
