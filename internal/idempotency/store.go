package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-payment-ledger/internal/aws"
)

// Condition expressions, shared with the test mock.
const (
	condBegin   = "attribute_not_exists(idempotency_key) OR #s = :failed OR (#s = :inprogress AND lease_until < :now)"
	condAcquire = "attribute_not_exists(idempotency_key) OR lease_until < :now"
	condExists  = "attribute_exists(idempotency_key)"
	condOwner   = "#o = :owner"

	leasePrefix = "lease#"
)

// DynamoStore implements Store and Guard against one DynamoDB table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long records are kept before DynamoDB TTL removes them
	lease     time.Duration // how long an in-progress command blocks redeliveries
	nowFunc   func() time.Time
}

// NewDynamoStore returns a configured DynamoStore.
// ttlWindow: retention of records (e.g. 48*time.Hour).
// lease: how long an IN_PROGRESS command is honoured before it may be retaken.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string, ttlWindow, lease time.Duration, opts ...Option) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     lease,
		nowFunc:   applyOptions(opts).nowFunc,
	}
}

var (
	_ Store = (*DynamoStore)(nil)
	_ Guard = (*DynamoStore)(nil)
)

// Begin puts an IN_PROGRESS record unless a live or finished one exists.
func (s *DynamoStore) Begin(ctx context.Context, key, kind string) (Record, bool, error) {
	now := s.nowFunc()
	rec := Record{
		Key:        key,
		Status:     StatusInProgress,
		Kind:       kind,
		CreatedAt:  now,
		UpdatedAt:  now,
		LeaseUntil: now.Add(s.lease).UnixMilli(),
		ExpiresAt:  now.Add(s.ttlWindow).Unix(),
	}
	created, err := s.conditionalPut(ctx, rec, condBegin, map[string]types.AttributeValue{
		":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
		":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
		":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
	}, map[string]string{"#s": "status"})
	if err != nil || created {
		return rec, created, err
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		// expired by TTL between the put and the read; let the caller retry
		return Record{}, false, fmt.Errorf("idempotency record %s vanished", key)
	}
	return *existing, false, nil
}

// Acquire takes a short lease on key. The returned token is stored on the
// lease item and must be presented to Release.
func (s *DynamoStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := s.nowFunc()
	token := uuid.NewString()
	rec := Record{
		Key:        leasePrefix + key,
		Status:     StatusInProgress,
		Kind:       KindLease,
		Owner:      token,
		CreatedAt:  now,
		UpdatedAt:  now,
		LeaseUntil: now.Add(ttl).UnixMilli(),
		ExpiresAt:  now.Add(ttl + time.Hour).Unix(),
	}
	ok, err := s.conditionalPut(ctx, rec, condAcquire, map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
	}, nil)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release drops the lease on key if token still owns it. A lease that was
// taken over after expiring is left to its new holder.
func (s *DynamoStore) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: leasePrefix + key},
		},
		ConditionExpression:      awsString(condOwner),
		ExpressionAttributeNames: map[string]string{"#o": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return nil
		}
		return fmt.Errorf("delete item (release): %w", err)
	}
	return nil
}

func (s *DynamoStore) conditionalPut(ctx context.Context, rec Record, cond string, values map[string]types.AttributeValue, names map[string]string) (bool, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName:                 &s.tableName,
		Item:                      item,
		ConditionExpression:       awsString(cond),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves a record by key. If not found, returns (nil, nil).
func (s *DynamoStore) Get(ctx context.Context, key string) (*Record, error) {
	input := &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: awsBool(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone sets status to DONE and stores the produced reference and response.
func (s *DynamoStore) MarkDone(ctx context.Context, key, reference, response string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: awsString("SET #s = :done, reference = :ref, response_body = :rb, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":ref":  &types.AttributeValueMemberS{Value: reference},
			":rb":   &types.AttributeValueMemberS{Value: response},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString(condExists),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the record FAILED so the next delivery may retry it.
func (s *DynamoStore) MarkFailed(ctx context.Context, key, note string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString(condExists),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }

func conditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}
