package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of *dynamodb.Client the stores use.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// writtenBy reports whether the item behind a failed conditional write
// carries token in attr. A retried write whose first attempt landed fails
// its own condition; the token tells it apart from a competing writer.
func writtenBy(ctx context.Context, client DynamoDBAPI, table string, key map[string]types.AttributeValue, attr, token string, condErr error) (bool, error) {
	var ccf *types.ConditionalCheckFailedException
	var item map[string]types.AttributeValue
	if errors.As(condErr, &ccf) {
		item = ccf.Item
	}

	if item == nil {
		err := retries.Retry(
			ctx,
			retries.DefaultAttempts,
			retries.DefaultBaseDelay,
			func() error {
				out, err := client.GetItem(ctx, &dynamodb.GetItemInput{
					TableName:      aws.String(table),
					Key:            key,
					ConsistentRead: aws.Bool(true),
				})
				if err != nil {
					return err
				}
				item = out.Item
				return nil
			},
			retries.IsRetriableDbError,
		)
		if err != nil {
			return false, err
		}
	}

	v, ok := item[attr].(*types.AttributeValueMemberS)
	return ok && token != "" && v.Value == token, nil
}

func strAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func msAttr(t time.Time) types.AttributeValue { return numAttr(t.UnixMilli()) }

func describeTable(ctx context.Context, client DynamoDBAPI, table string) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(table),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

// scanAll walks every page of a filtered scan.
func scanAll[T any](ctx context.Context, client DynamoDBAPI, in *dynamodb.ScanInput) ([]T, error) {
	var out []T

	p := dynamodb.NewScanPaginator(client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func queryAll[T any](ctx context.Context, client DynamoDBAPI, in *dynamodb.QueryInput) ([]T, error) {
	var out []T

	p := dynamodb.NewQueryPaginator(client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}
