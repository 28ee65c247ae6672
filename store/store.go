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
	"github.com/google/uuid"
)

// GuardStore is the once-only latch per object key.
type GuardStore interface {
	// Acquire returns apperror.ErrAlreadyDispatched when the key is held by
	// another dispatch.
	Acquire(ctx context.Context, guard models.DispatchGuard) error
	Release(ctx context.Context, uri string) error

	health.ReadinessCheck
}

type DynamoDbGuardStoreImpl struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

func NewDynamoDbGuardStoreImpl(client DynamoDBAPI, tableName string) *DynamoDbGuardStoreImpl {
	return &DynamoDbGuardStoreImpl{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *DynamoDbGuardStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbGuardStoreImpl) Name() string {
	return "GuardStore[" + s.tableName + "]"
}

func (s *DynamoDbGuardStoreImpl) Acquire(ctx context.Context, guard models.DispatchGuard) error {
	if guard.Token == "" {
		guard.Token = uuid.NewString()
	}

	item, err := attributevalue.MarshalMap(guard)
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{
		TableName:                           aws.String(s.tableName),
		Item:                                item,
		ConditionExpression:                 aws.String("attribute_not_exists(uri)"),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	// an expired latch can be taken over
	if guard.ExpiresAt > 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(uri) OR (attribute_exists(expires_at) AND expires_at < :now)")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":now": msAttr(s.now()),
		}
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, in)
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		key := map[string]types.AttributeValue{"uri": strAttr(guard.URI)}
		ours, readErr := writtenBy(ctx, s.client, s.tableName, key, "token", guard.Token, err)
		if readErr != nil {
			return readErr
		}
		if ours {
			return nil
		}
		return apperror.ErrAlreadyDispatched
	}
	return err
}

func (s *DynamoDbGuardStoreImpl) Release(ctx context.Context, uri string) error {
	if uri == "" {
		return errors.New("uri cannot be empty")
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"uri": strAttr(uri),
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}
