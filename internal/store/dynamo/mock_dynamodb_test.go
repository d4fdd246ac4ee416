package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table in a nested map: table -> key -> item.
// It evaluates exactly the condition expressions the store issues.
type mockDynamo struct {
	mu      sync.Mutex
	schemas map[string][2]string // table -> partition key, sort key
	tables  map[string]map[string]map[string]types.AttributeValue

	transactCalls int
	// failNextTransacts makes the next n TransactWriteItems calls fail with a
	// TransactionConflict, as a concurrent writer would.
	failNextTransacts int
}

var testTables = Tables{Orders: "orders", Payments: "payments", Details: "payment_details", Keys: "ledger_keys"}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		schemas: map[string][2]string{
			testTables.Orders:   {"order_id", ""},
			testTables.Payments: {"order_id", "payment_id"},
			testTables.Details:  {"payment_id", "seq"},
			testTables.Keys:     {"lookup_key", ""},
		},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[name]
}

func sAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *mockDynamo) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	schema, ok := m.schemas[table]
	if !ok {
		return "", fmt.Errorf("unknown table %s", table)
	}
	pk := sAttr(item, schema[0])
	if pk == "" {
		return "", fmt.Errorf("missing %s in %s item", schema[0], table)
	}
	if schema[1] == "" {
		return pk, nil
	}
	return pk + "|" + sAttr(item, schema[1]), nil
}

// check evaluates a condition against the current item (nil if absent).
func check(cond *string, cur map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case condOrderNew, condPaymentNew, condKeyNew:
		return cur == nil
	case condVersion:
		if cur == nil {
			return false
		}
		have, _ := cur["version"].(*types.AttributeValueMemberN)
		want, _ := values[":v"].(*types.AttributeValueMemberN)
		return have != nil && want != nil && have.Value == want.Value
	}
	return false
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.keyOf(*params.TableName, params.Item)
	if err != nil {
		return nil, err
	}
	tbl := m.table(*params.TableName)
	if !check(params.ConditionExpression, tbl[k], params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	tbl[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.keyOf(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table(*params.TableName)[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("UpdateItem is not used by the ledger store")
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("DeleteItem is not used by the ledger store")
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.failNextTransacts > 0 {
		m.failNextTransacts--
		reasons := make([]types.CancellationReason, len(params.TransactItems))
		for i := range reasons {
			reasons[i] = types.CancellationReason{Code: awsString("TransactionConflict")}
		}
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// First pass: verify every condition.
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	keys := make([]string, len(params.TransactItems))
	for i, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			return nil, errors.New("only Put is supported")
		}
		k, err := m.keyOf(*p.TableName, p.Item)
		if err != nil {
			return nil, err
		}
		keys[i] = k
		reasons[i] = types.CancellationReason{Code: awsString("None")}
		if !check(p.ConditionExpression, m.table(*p.TableName)[k], p.ExpressionAttributeValues) {
			reasons[i] = types.CancellationReason{Code: awsString("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}
	// Second pass: apply all puts.
	for i, it := range params.TransactItems {
		m.table(*it.Put.TableName)[keys[i]] = it.Put.Item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// Query supports "attr = :placeholder" key conditions on the base table or
// an index and returns items sorted by key.
func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(*params.KeyConditionExpression, " = ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unsupported key condition %q", *params.KeyConditionExpression)
	}
	attr := parts[0]
	want := sAttr(params.ExpressionAttributeValues, parts[1])

	tbl := m.table(*params.TableName)
	keys := make([]string, 0, len(tbl))
	for k, item := range tbl {
		if sAttr(item, attr) == want {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &dyn.QueryOutput{}
	for _, k := range keys {
		out.Items = append(out.Items, tbl[k])
	}
	return out, nil
}

// Scan pages two items at a time so pagination is exercised.
func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.table(*params.TableName)
	keys := make([]string, 0, len(tbl))
	for k := range tbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ExclusiveStartKey != nil {
		after := sAttr(params.ExclusiveStartKey, "mock_cursor")
		start = sort.SearchStrings(keys, after) + 1
	}
	out := &dyn.ScanOutput{}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, tbl[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"mock_cursor": &types.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}
