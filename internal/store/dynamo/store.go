// Package dynamo is a ledger.Repository on DynamoDB. Order lines are embedded
// in the order item; payments live under their order's partition so one
// consistent Query returns the whole payment set; unique numbers are claimed
// in a keys table inside the same transaction as the insert.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-payment-ledger/internal/aws"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Condition expressions, shared with the test mock.
const (
	condOrderNew    = "attribute_not_exists(order_id)"
	condPaymentNew  = "attribute_not_exists(payment_id)"
	condKeyNew      = "attribute_not_exists(lookup_key)"
	condVersion     = "version = :v"
	userIndex       = "user_id-index"
	defaultAttempts = 8

	kindOrderNumber   = "order_number"
	kindPaymentNumber = "payment_number"
	kindPayment       = "payment"
)

// Tables names the four tables the store uses.
type Tables struct {
	Orders   string
	Payments string
	Details  string
	Keys     string
}

// Store encapsulates ledger operations on DynamoDB.
type Store struct {
	client      aws.DynamoDBAPI
	tables      Tables
	nowFunc     func() time.Time
	maxAttempts int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock stamped on every write.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.nowFunc = now } }

// New creates a Store over the given tables.
func New(client aws.DynamoDBAPI, tables Tables, opts ...Option) *Store {
	s := &Store{
		client:      client,
		tables:      tables,
		nowFunc:     time.Now,
		maxAttempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ledger.Repository = (*Store)(nil)

// InsertOrder writes the order and claims its number atomically.
func (s *Store) InsertOrder(ctx context.Context, o ledger.Order) error {
	item, err := attributevalue.MarshalMap(toOrderRecord(o))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	claim, err := attributevalue.MarshalMap(keyRecord{Key: lookupKey(kindOrderNumber, o.OrderNumber), Kind: kindOrderNumber, Ref: o.ID})
	if err != nil {
		return fmt.Errorf("marshal order number: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &s.tables.Orders, Item: item, ConditionExpression: awsString(condOrderNew)}},
			{Put: &types.Put{TableName: &s.tables.Keys, Item: claim, ConditionExpression: awsString(condKeyNew)}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ledger.ErrDuplicateNumber
		}
		return fmt.Errorf("transact write (insert order): %w", err)
	}
	return nil
}

func (s *Store) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	k, err := s.getKey(ctx, lookupKey(kindOrderNumber, number))
	return k != nil, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (ledger.Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Orders,
		Key:            map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return ledger.Order{}, fmt.Errorf("get item (order): %w", err)
	}
	if len(out.Item) == 0 {
		return ledger.Order{}, ledger.OrderNotFound(id)
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return ledger.Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return rec.toOrder()
}

func (s *Store) GetOrderByNumber(ctx context.Context, number string) (ledger.Order, error) {
	k, err := s.getKey(ctx, lookupKey(kindOrderNumber, number))
	if err != nil {
		return ledger.Order{}, err
	}
	if k == nil {
		return ledger.Order{}, ledger.OrderNotFound(number)
	}
	return s.GetOrder(ctx, k.Ref)
}

// ListOrders queries the user index when a user is given and scans otherwise.
func (s *Store) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	var items []map[string]types.AttributeValue
	var err error
	if f.UserID != "" {
		items, err = s.query(ctx, &dyn.QueryInput{
			TableName:              &s.tables.Orders,
			IndexName:              awsString(userIndex),
			KeyConditionExpression: awsString("user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: f.UserID},
			},
		})
	} else {
		items, err = s.scan(ctx, s.tables.Orders)
	}
	if err != nil {
		return nil, err
	}

	out := make([]ledger.Order, 0, len(items))
	for _, item := range items {
		var rec orderRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		if f.Status != "" && rec.Status != string(f.Status) {
			continue
		}
		o, err := rec.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

// UpdateOrder reads the order and its payments, applies fn and writes the
// order back conditioned on the version it read, retrying on contention.
func (s *Store) UpdateOrder(ctx context.Context, id string, fn ledger.OrderMutation) (ledger.Order, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cur, err := s.GetOrder(ctx, id)
		if err != nil {
			return ledger.Order{}, err
		}
		payments, err := s.orderPayments(ctx, id)
		if err != nil {
			return ledger.Order{}, err
		}

		o := cur
		if err := fn(&o, payments); err != nil {
			return ledger.Order{}, err
		}
		o.Version = cur.Version + 1
		o.UpdatedAt = s.nowFunc().UTC()

		item, err := attributevalue.MarshalMap(toOrderRecord(o))
		if err != nil {
			return ledger.Order{}, fmt.Errorf("marshal order: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:                 &s.tables.Orders,
			Item:                      item,
			ConditionExpression:       awsString(condVersion),
			ExpressionAttributeValues: versionValue(cur.Version),
		})
		if err == nil {
			return o, nil
		}
		if !conditionFailed(err) {
			return ledger.Order{}, fmt.Errorf("put item (update order): %w", err)
		}
	}
	return ledger.Order{}, ledger.ErrConcurrentModification
}

// InsertPayment writes the payment, claims its number and records which
// order it belongs to, all in one transaction.
func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	order, err := s.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(toPaymentRecord(p, order.UserID))
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	claim, err := attributevalue.MarshalMap(keyRecord{Key: lookupKey(kindPaymentNumber, p.PaymentNumber), Kind: kindPaymentNumber, Ref: p.ID, OrderID: p.OrderID})
	if err != nil {
		return fmt.Errorf("marshal payment number: %w", err)
	}
	owner, err := attributevalue.MarshalMap(keyRecord{Key: lookupKey(kindPayment, p.ID), Kind: kindPayment, Ref: p.ID, OrderID: p.OrderID})
	if err != nil {
		return fmt.Errorf("marshal payment key: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &s.tables.Payments, Item: item, ConditionExpression: awsString(condPaymentNew)}},
			{Put: &types.Put{TableName: &s.tables.Keys, Item: claim, ConditionExpression: awsString(condKeyNew)}},
			{Put: &types.Put{TableName: &s.tables.Keys, Item: owner, ConditionExpression: awsString(condKeyNew)}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ledger.ErrDuplicateNumber
		}
		return fmt.Errorf("transact write (insert payment): %w", err)
	}
	return nil
}

func (s *Store) PaymentNumberExists(ctx context.Context, number string) (bool, error) {
	k, err := s.getKey(ctx, lookupKey(kindPaymentNumber, number))
	return k != nil, err
}

func (s *Store) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	k, err := s.getKey(ctx, lookupKey(kindPayment, id))
	if err != nil {
		return ledger.Payment{}, err
	}
	if k == nil {
		return ledger.Payment{}, ledger.PaymentNotFound(id)
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Payments,
		Key: map[string]types.AttributeValue{
			"order_id":   &types.AttributeValueMemberS{Value: k.OrderID},
			"payment_id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("get item (payment): %w", err)
	}
	if len(out.Item) == 0 {
		return ledger.Payment{}, ledger.PaymentNotFound(id)
	}
	var rec paymentRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return ledger.Payment{}, fmt.Errorf("unmarshal payment: %w", err)
	}
	return rec.toPayment()
}

func (s *Store) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	k, err := s.getKey(ctx, lookupKey(kindPaymentNumber, number))
	if err != nil {
		return ledger.Payment{}, err
	}
	if k == nil {
		return ledger.Payment{}, ledger.PaymentNotFound(number)
	}
	return s.GetPayment(ctx, k.Ref)
}

// ListPayments queries one order's partition when OrderID is set and scans
// otherwise; the remaining filters are applied to the decoded records.
func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	var recs []paymentRecord
	var err error
	if f.OrderID != "" {
		recs, err = s.paymentRecords(ctx, f.OrderID)
	} else {
		var items []map[string]types.AttributeValue
		items, err = s.scan(ctx, s.tables.Payments)
		if err == nil {
			err = attributevalue.UnmarshalListOfMaps(items, &recs)
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]ledger.Payment, 0, len(recs))
	for _, rec := range recs {
		switch {
		case f.UserID != "" && rec.UserID != f.UserID,
			f.Status != "" && rec.Status != string(f.Status),
			f.Method != "" && rec.Method != string(f.Method),
			f.TransactionID != "" && rec.TransactionID != f.TransactionID:
			continue
		}
		p, err := rec.toPayment()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

// UpdatePayment writes the payment and its order in one transaction, each
// conditioned on the version read. Every payment write bumps the order
// version, so concurrent updates to any payment of the same order conflict
// and the loser re-reads and re-applies fn.
func (s *Store) UpdatePayment(ctx context.Context, id string, fn ledger.PaymentMutation) (ledger.Snapshot, error) {
	k, err := s.getKey(ctx, lookupKey(kindPayment, id))
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if k == nil {
		return ledger.Snapshot{}, ledger.PaymentNotFound(id)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		order, err := s.GetOrder(ctx, k.OrderID)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		payments, err := s.orderPayments(ctx, k.OrderID)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		idx := -1
		for i := range payments {
			if payments[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ledger.Snapshot{}, ledger.PaymentNotFound(id)
		}
		cur := payments[idx]

		snap := ledger.Snapshot{Order: order, Payment: cur, Payments: payments}
		if err := fn(&snap); err != nil {
			return ledger.Snapshot{}, err
		}

		now := s.nowFunc().UTC()
		snap.Payment.Version = cur.Version + 1
		snap.Payment.UpdatedAt = now
		snap.Order.Version = order.Version + 1
		snap.Order.UpdatedAt = now

		paymentItem, err := attributevalue.MarshalMap(toPaymentRecord(snap.Payment, order.UserID))
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("marshal payment: %w", err)
		}
		orderItem, err := attributevalue.MarshalMap(toOrderRecord(snap.Order))
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("marshal order: %w", err)
		}

		_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:                 &s.tables.Payments,
					Item:                      paymentItem,
					ConditionExpression:       awsString(condVersion),
					ExpressionAttributeValues: versionValue(cur.Version),
				}},
				{Put: &types.Put{
					TableName:                 &s.tables.Orders,
					Item:                      orderItem,
					ConditionExpression:       awsString(condVersion),
					ExpressionAttributeValues: versionValue(order.Version),
				}},
			},
		})
		if err == nil {
			snap.Payments = snap.OrderPayments()
			return snap, nil
		}
		if !retryable(err) {
			return ledger.Snapshot{}, fmt.Errorf("transact write (update payment): %w", err)
		}
	}
	return ledger.Snapshot{}, ledger.ErrConcurrentModification
}

// AppendDetails stores details under their payment, sorted by creation time
// and then by position in the call.
func (s *Store) AppendDetails(ctx context.Context, details ...ledger.PaymentDetail) error {
	checked := map[string]bool{}
	for i, d := range details {
		if !checked[d.PaymentID] {
			k, err := s.getKey(ctx, lookupKey(kindPayment, d.PaymentID))
			if err != nil {
				return err
			}
			if k == nil {
				return ledger.PaymentNotFound(d.PaymentID)
			}
			checked[d.PaymentID] = true
		}
		item, err := attributevalue.MarshalMap(toDetailRecord(d, i))
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tables.Details, Item: item}); err != nil {
			return fmt.Errorf("put item (detail): %w", err)
		}
	}
	return nil
}

func (s *Store) ListDetails(ctx context.Context, paymentID string) ([]ledger.PaymentDetail, error) {
	items, err := s.query(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Details,
		KeyConditionExpression: awsString("payment_id = :pid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pid": &types.AttributeValueMemberS{Value: paymentID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, err
	}
	var recs []detailRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	out := make([]ledger.PaymentDetail, len(recs))
	for i, r := range recs {
		out[i] = r.toDetail()
	}
	return out, nil
}

func (s *Store) orderPayments(ctx context.Context, orderID string) ([]ledger.Payment, error) {
	recs, err := s.paymentRecords(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Payment, 0, len(recs))
	for _, r := range recs {
		p, err := r.toPayment()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) paymentRecords(ctx context.Context, orderID string) ([]paymentRecord, error) {
	items, err := s.query(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Payments,
		KeyConditionExpression: awsString("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: orderID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, err
	}
	var recs []paymentRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, fmt.Errorf("unmarshal payments: %w", err)
	}
	return recs, nil
}

func (s *Store) getKey(ctx context.Context, key string) (*keyRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Keys,
		Key:            map[string]types.AttributeValue{"lookup_key": &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item (key): %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec keyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	return &rec, nil
}

// query follows LastEvaluatedKey until the result set is exhausted.
func (s *Store) query(ctx context.Context, in *dyn.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", *in.TableName, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) scan(ctx context.Context, table string) ([]map[string]types.AttributeValue, error) {
	in := &dyn.ScanInput{TableName: &table}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// conditionFailed reports whether err is a failed condition, either on a
// single write or inside a cancelled transaction.
func conditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return cancelledWith(tce, "ConditionalCheckFailed")
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

// retryable also covers transactions cancelled by a concurrent transaction
// touching the same items.
func retryable(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) && cancelledWith(tce, "TransactionConflict") {
		return true
	}
	return conditionFailed(err)
}

func cancelledWith(tce *types.TransactionCanceledException, code string) bool {
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == code {
			return true
		}
	}
	return false
}

func lookupKey(kind, value string) string { return kind + "#" + value }

func versionValue(v int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}}
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
