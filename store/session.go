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

type SessionStore interface {
	// CreateSession fails with apperror.ErrConditionFailed when another
	// dispatch already wrote the upload id.
	CreateSession(ctx context.Context, session models.ChunkSession) error
	GetSession(ctx context.Context, uploadID string) (*models.ChunkSession, error)
	// UpdatePartCount stores count while the session is open and the stored
	// count is not ahead of it, then returns the updated session. Otherwise
	// it yields apperror.ErrConditionFailed.
	UpdatePartCount(ctx context.Context, uploadID string, count int32, at time.Time) (*models.ChunkSession, error)
	// ClaimCompletion flips complete N->Y once every part is counted.
	// Exactly one caller gets true.
	ClaimCompletion(ctx context.Context, uploadID string, at time.Time) (bool, error)
	// ReleaseCompletion reopens a claimed session after a failed assembly.
	ReleaseCompletion(ctx context.Context, uploadID string, at time.Time) error
	ListIncomplete(ctx context.Context) ([]models.ChunkSession, error)
	// Delete removes a session whose upload was abandoned at dispatch.
	Delete(ctx context.Context, uploadID string) error

	health.ReadinessCheck
}

type SessionStoreImpl struct {
	client    DynamoDBAPI
	tableName string
}

func NewSessionStoreImpl(client DynamoDBAPI, tableName string) *SessionStoreImpl {
	return &SessionStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[" + s.tableName + "]"
}

func (s *SessionStoreImpl) key(uploadID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"upload_id": strAttr(uploadID),
	}
}

func (s *SessionStoreImpl) CreateSession(ctx context.Context, session models.ChunkSession) error {
	if session.Token == "" {
		session.Token = uuid.NewString()
	}

	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                           aws.String(s.tableName),
				Item:                                item,
				ConditionExpression:                 aws.String("attribute_not_exists(upload_id)"),
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		ours, readErr := writtenBy(ctx, s.client, s.tableName, s.key(session.UploadID), "token", session.Token, err)
		if readErr != nil {
			return readErr
		}
		if ours {
			return nil
		}
		return apperror.ErrConditionFailed
	}
	return err
}

func (s *SessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.ChunkSession, error) {
	var session models.ChunkSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            s.key(uploadID),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *SessionStoreImpl) UpdatePartCount(ctx context.Context, uploadID string, count int32, at time.Time) (*models.ChunkSession, error) {
	var session models.ChunkSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(uploadID),
				UpdateExpression:    aws.String("SET part_count = :c, updated_at = :t"),
				ConditionExpression: aws.String("complete = :n AND part_qty >= :c AND part_count <= :c"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":c": numAttr(int64(count)),
					":t": msAttr(at),
					":n": strAttr(string(models.FlagNo)),
				},
				ReturnValues: types.ReturnValueAllNew,
			})
			if err != nil {
				return err
			}

			return attributevalue.UnmarshalMap(out.Attributes, &session)
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		return nil, apperror.ErrConditionFailed
	}
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *SessionStoreImpl) ClaimCompletion(ctx context.Context, uploadID string, at time.Time) (bool, error) {
	token := uuid.NewString()

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(uploadID),
				UpdateExpression:    aws.String("SET complete = :y, complete_time = :t, claim_token = :k"),
				ConditionExpression: aws.String("complete = :n AND part_count = part_qty"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":y": strAttr(string(models.FlagYes)),
					":n": strAttr(string(models.FlagNo)),
					":t": msAttr(at),
					":k": strAttr(token),
				},
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		// an earlier attempt of this call may have won
		return writtenBy(ctx, s.client, s.tableName, s.key(uploadID), "claim_token", token, err)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SessionStoreImpl) ReleaseCompletion(ctx context.Context, uploadID string, at time.Time) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(uploadID),
				UpdateExpression:    aws.String("SET complete = :n, updated_at = :t REMOVE complete_time, claim_token"),
				ConditionExpression: aws.String("complete = :y"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":y": strAttr(string(models.FlagYes)),
					":n": strAttr(string(models.FlagNo)),
					":t": msAttr(at),
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

func (s *SessionStoreImpl) ListIncomplete(ctx context.Context) ([]models.ChunkSession, error) {
	return scanAll[models.ChunkSession](ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("complete = :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": strAttr(string(models.FlagNo)),
		},
	})
}

func (s *SessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return errors.New("uploadID cannot be empty")
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(uploadID),
				ConditionExpression: aws.String("attribute_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionFailed(err) {
		return apperror.ErrSessionNotFound
	}
	return err
}
