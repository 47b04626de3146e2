package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/buddhike/shardherd/aws"
)

const (
	dynamoValueAttribute   = "Value"
	dynamoVersionAttribute = "Version"
)

// DynamoTable stores records in a DynamoDB table with a string hash key.
// Records carry a numeric Version attribute that conditional writes compare.
type DynamoTable struct {
	client  aws.DynamoDB
	name    string
	hashKey string
}

type dynamoItem struct {
	Value   []byte `dynamodbav:"Value"`
	Version int64  `dynamodbav:"Version"`
}

func NewDynamoTable(client aws.DynamoDB, name, hashKey string) *DynamoTable {
	if hashKey == "" {
		hashKey = "Key"
	}
	return &DynamoTable{
		client:  client,
		name:    name,
		hashKey: hashKey,
	}
}

// EnsureTable creates the table with on-demand billing when it does not
// exist. It does not wait for the table to become active.
func (t *DynamoTable) EnsureTable(ctx context.Context) error {
	_, err := t.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &t.name,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: &t.hashKey, AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: &t.hashKey, KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("failed to create table %s: %w", t.name, err)
	}
	return nil
}

func (t *DynamoTable) Get(ctx context.Context, key string) (Record, error) {
	consistent := true
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &t.name,
		Key:            t.key(key),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s from %s: %w", key, t.name, err)
	}
	if len(out.Item) == 0 {
		return Record{}, ErrNotFound
	}
	return t.decode(out.Item)
}

func (t *DynamoTable) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	update := "SET #value = :value ADD #version :one"
	input := &dynamodb.UpdateItemInput{
		TableName:        &t.name,
		Key:              t.key(key),
		UpdateExpression: &update,
		ExpressionAttributeNames: map[string]string{
			"#value":   dynamoValueAttribute,
			"#version": dynamoVersionAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value": &types.AttributeValueMemberB{Value: value},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	t.condition(expected, &input.ConditionExpression, input.ExpressionAttributeValues)

	out, err := t.client.UpdateItem(ctx, input)
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("failed to put %s into %s: %w", key, t.name, err)
	}

	var version int64
	if err := attributevalue.Unmarshal(out.Attributes[dynamoVersionAttribute], &version); err != nil {
		return 0, fmt.Errorf("failed to decode version of %s: %w", key, err)
	}
	return version, nil
}

func (t *DynamoTable) Delete(ctx context.Context, key string, expected int64) error {
	input := &dynamodb.DeleteItemInput{
		TableName:                 &t.name,
		Key:                       t.key(key),
		ExpressionAttributeValues: map[string]types.AttributeValue{},
	}
	t.condition(expected, &input.ConditionExpression, input.ExpressionAttributeValues)
	if input.ConditionExpression != nil {
		input.ExpressionAttributeNames = map[string]string{"#version": dynamoVersionAttribute}
	}
	if len(input.ExpressionAttributeValues) == 0 {
		input.ExpressionAttributeValues = nil
	}

	_, err := t.client.DeleteItem(ctx, input)
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return ErrConflict
		}
		return fmt.Errorf("failed to delete %s from %s: %w", key, t.name, err)
	}
	return nil
}

func (t *DynamoTable) Scan(ctx context.Context) ([]Record, error) {
	consistent := true
	paginator := dynamodb.NewScanPaginator(t.client, &dynamodb.ScanInput{
		TableName:      &t.name,
		ConsistentRead: &consistent,
	})
	var records []Record
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		for _, item := range page.Items {
			r, err := t.decode(item)
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
	}
	return records, nil
}

func (t *DynamoTable) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		t.hashKey: &types.AttributeValueMemberS{Value: key},
	}
}

func (t *DynamoTable) condition(expected int64, expr **string, values map[string]types.AttributeValue) {
	var c string
	switch {
	case expected == AnyVersion:
		return
	case expected == 0:
		c = "attribute_not_exists(#version)"
	default:
		c = "#version = :expected"
		values[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)}
	}
	*expr = &c
}

func (t *DynamoTable) decode(item map[string]types.AttributeValue) (Record, error) {
	var key string
	if err := attributevalue.Unmarshal(item[t.hashKey], &key); err != nil {
		return Record{}, fmt.Errorf("failed to decode key attribute %s: %w", t.hashKey, err)
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return Record{}, fmt.Errorf("failed to decode item %s: %w", key, err)
	}
	return Record{Key: key, Value: it.Value, Version: it.Version}, nil
}
