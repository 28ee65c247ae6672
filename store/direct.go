package store

import (
	"context"
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

type DirectResultStore interface {
	CreateResult(ctx context.Context, result models.DirectStreamResult) error
	MarkComplete(ctx context.Context, id string, at time.Time) error
	// ListIncomplete returns results still at complete=N that were
	// dispatched before the cutoff.
	ListIncomplete(ctx context.Context, dispatchedBefore time.Time) ([]models.DirectStreamResult, error)

	health.ReadinessCheck
}

type DirectTaskStore interface {
	PutTask(ctx context.Context, task models.DirectStreamTask) error
	GetTask(ctx context.Context, id string) (*models.DirectStreamTask, error)
	DeleteTask(ctx context.Context, id string) error
	// ListStale returns in-flight tasks started before the cutoff.
	ListStale(ctx context.Context, startedBefore time.Time) ([]models.DirectStreamTask, error)

	health.ReadinessCheck
}

type DynamoDbDirectResultStoreImpl struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDbDirectResultStoreImpl(client DynamoDBAPI, tableName string) *DynamoDbDirectResultStoreImpl {
	return &DynamoDbDirectResultStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbDirectResultStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbDirectResultStoreImpl) Name() string {
	return "DirectResultStore[" + s.tableName + "]"
}

func (s *DynamoDbDirectResultStoreImpl) CreateResult(ctx context.Context, result models.DirectStreamResult) error {
	item, err := attributevalue.MarshalMap(result)
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

func (s *DynamoDbDirectResultStoreImpl) MarkComplete(ctx context.Context, id string, at time.Time) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"id": strAttr(id),
				},
				UpdateExpression:    aws.String("SET complete = :y, complete_time = :t"),
				ConditionExpression: aws.String("attribute_exists(id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":y": strAttr(string(models.FlagYes)),
					":t": msAttr(at),
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		return apperror.ErrTaskNotFound
	}
	return err
}

func (s *DynamoDbDirectResultStoreImpl) ListIncomplete(ctx context.Context, dispatchedBefore time.Time) ([]models.DirectStreamResult, error) {
	return scanAll[models.DirectStreamResult](ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("complete = :n AND dispatched_at < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n":      strAttr(string(models.FlagNo)),
			":cutoff": msAttr(dispatchedBefore),
		},
	})
}

type DynamoDbDirectTaskStoreImpl struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDbDirectTaskStoreImpl(client DynamoDBAPI, tableName string) *DynamoDbDirectTaskStoreImpl {
	return &DynamoDbDirectTaskStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbDirectTaskStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbDirectTaskStoreImpl) Name() string {
	return "DirectTaskStore[" + s.tableName + "]"
}

// PutTask overwrites any previous attempt, refreshing start_time.
func (s *DynamoDbDirectTaskStoreImpl) PutTask(ctx context.Context, task models.DirectStreamTask) error {
	item, err := attributevalue.MarshalMap(task)
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

func (s *DynamoDbDirectTaskStoreImpl) GetTask(ctx context.Context, id string) (*models.DirectStreamTask, error) {
	var task models.DirectStreamTask

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"id": strAttr(id),
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrTaskNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &task)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (s *DynamoDbDirectTaskStoreImpl) DeleteTask(ctx context.Context, id string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"id": strAttr(id),
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbDirectTaskStoreImpl) ListStale(ctx context.Context, startedBefore time.Time) ([]models.DirectStreamTask, error) {
	return scanAll[models.DirectStreamTask](ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("complete = :n AND start_time < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n":      strAttr(string(models.FlagNo)),
			":cutoff": msAttr(startedBefore),
		},
	})
}
