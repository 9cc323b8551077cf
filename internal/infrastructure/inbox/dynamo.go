package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of the DynamoDB client the inbox uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoInbox records processed event keys in a DynamoDB table keyed by event_key.
// Items carry an expires_at epoch so a table TTL can reap them.
type DynamoInbox struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type processedItem struct {
	EventKey    string `dynamodbav:"event_key"`
	ProcessedAt string `dynamodbav:"processed_at"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

func NewDynamoInbox(client DynamoAPI, tableName string, ttl time.Duration) *DynamoInbox {
	return &DynamoInbox{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (i *DynamoInbox) Processed(ctx context.Context, key string) (bool, error) {
	out, err := i.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(i.tableName),
		Key: map[string]types.AttributeValue{
			"event_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("dynamo inbox lookup %s: %w", key, err)
	}
	return len(out.Item) > 0, nil
}

func (i *DynamoInbox) MarkProcessed(ctx context.Context, key string) error {
	now := i.now().UTC()
	av, err := attributevalue.MarshalMap(processedItem{
		EventKey:    key,
		ProcessedAt: now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(i.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal inbox item: %w", err)
	}

	_, err = i.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(i.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(event_key)"),
	})
	var exists *types.ConditionalCheckFailedException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dynamo inbox mark %s: %w", key, err)
	}
	return nil
}
