package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-ledger/internal/idempotency"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

type fakeLedger struct {
	mu        sync.Mutex
	processed []ProcessPaymentPayload
	refunds   int
	processFn func(orderID string) (ledger.Payment, error)
}

func (f *fakeLedger) CreateOrder(ctx context.Context, userID string, items []ledger.LineItem, opts ledger.OrderOptions) (ledger.Order, error) {
	if len(items) == 0 {
		return ledger.Order{}, ledger.NewValidationError("items", "at least one item is required")
	}
	return ledger.Order{ID: "o-1", UserID: userID, Status: ledger.OrderPending}, nil
}

func (f *fakeLedger) ProcessPaymentOnce(ctx context.Context, requestKey, orderID, method string, amount decimal.Decimal, data map[string]any) (ledger.Payment, error) {
	f.mu.Lock()
	f.processed = append(f.processed, ProcessPaymentPayload{OrderID: orderID, Method: method, Amount: amount})
	f.mu.Unlock()
	if f.processFn != nil {
		return f.processFn(orderID)
	}
	return ledger.Payment{ID: "p-1", OrderID: orderID, Status: ledger.PaymentCompleted}, nil
}

func (f *fakeLedger) RefundPayment(ctx context.Context, paymentID string, amount *decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return true, nil
}

func (f *fakeLedger) ContinuePayment(ctx context.Context, paymentID string, data map[string]any) (ledger.Payment, error) {
	return ledger.Payment{}, ledger.PaymentNotFound(paymentID)
}

func message(t *testing.T, id string, msg Message) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newProcessor() (*Processor, *fakeLedger, *idempotency.MemoryStore) {
	l := &fakeLedger{}
	store := idempotency.NewMemoryStore(time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(l, store, log), l, store
}

func TestHandle_ProcessPaymentRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	p, l, store := newProcessor()

	msg := Message{
		Type:           CommandProcessPayment,
		IdempotencyKey: "pay-o-1",
		Payload:        payload(t, ProcessPaymentPayload{OrderID: "o-1", Method: "stripe", Amount: decimal.RequireFromString("26.50")}),
	}
	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{message(t, "m-1", msg)}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	require.Len(t, l.processed, 1)
	assert.True(t, l.processed[0].Amount.Equal(decimal.RequireFromString("26.50")))

	rec, err := store.Get(ctx, "pay-o-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Equal(t, "p-1", rec.Reference)

	var out Outcome
	require.NoError(t, json.Unmarshal([]byte(rec.Response), &out))
	assert.Equal(t, "completed", out.Status)
}

func TestHandle_DuplicateIsSkipped(t *testing.T) {
	ctx := context.Background()
	p, l, _ := newProcessor()

	msg := Message{
		Type:           CommandRefundPayment,
		IdempotencyKey: "refund-p-1",
		Payload:        payload(t, RefundPaymentPayload{PaymentID: "p-1"}),
	}
	ev := events.SQSEvent{Records: []events.SQSMessage{message(t, "m-1", msg), message(t, "m-2", msg)}}
	resp, err := p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 1, l.refunds)

	// redelivery of the same batch does not refund again
	resp, err = p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 1, l.refunds)
}

func TestHandle_TransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	p, l, store := newProcessor()
	calls := 0
	l.processFn = func(orderID string) (ledger.Payment, error) {
		calls++
		if calls == 1 {
			return ledger.Payment{}, errors.New("connection reset")
		}
		return ledger.Payment{ID: "p-2", OrderID: orderID, Status: ledger.PaymentPending}, nil
	}

	msg := Message{
		Type:           CommandProcessPayment,
		IdempotencyKey: "pay-o-2",
		Payload:        payload(t, ProcessPaymentPayload{OrderID: "o-2", Method: "manual_check", Amount: decimal.NewFromInt(5)}),
	}
	ev := events.SQSEvent{Records: []events.SQSMessage{message(t, "m-9", msg)}}

	resp, err := p.Handle(ctx, ev)
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-9", resp.BatchItemFailures[0].ItemIdentifier)

	rec, _ := store.Get(ctx, "pay-o-2")
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Equal(t, "connection reset", rec.Note)

	resp, err = p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	rec, _ = store.Get(ctx, "pay-o-2")
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Equal(t, "p-2", rec.Reference)
}

func TestHandle_PermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	p, _, store := newProcessor()

	records := []events.SQSMessage{
		{MessageId: "bad-json", Body: "{not json"},
		message(t, "unknown", Message{Type: "void_payment", IdempotencyKey: "k-unknown"}),
		message(t, "invalid", Message{
			Type:           CommandCreateOrder,
			IdempotencyKey: "k-invalid",
			Payload:        payload(t, CreateOrderPayload{UserID: "u-1"}),
		}),
		message(t, "missing", Message{
			Type:           CommandContinuePayment,
			IdempotencyKey: "k-missing",
			Payload:        payload(t, ContinuePaymentPayload{PaymentID: "nope"}),
		}),
	}
	resp, err := p.Handle(ctx, events.SQSEvent{Records: records})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	for _, key := range []string{"k-unknown", "k-invalid", "k-missing"} {
		rec, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, rec, key)
		assert.Equal(t, idempotency.StatusDone, rec.Status, key)
		var out Outcome
		require.NoError(t, json.Unmarshal([]byte(rec.Response), &out))
		assert.NotEmpty(t, out.Error, key)
	}
}

func TestHandle_InProgressIsRetried(t *testing.T) {
	ctx := context.Background()
	p, l, store := newProcessor()

	_, started, err := store.Begin(ctx, "k-busy", idempotency.KindCommand)
	require.NoError(t, err)
	require.True(t, started)

	msg := Message{
		Type:           CommandProcessPayment,
		IdempotencyKey: "k-busy",
		Payload:        payload(t, ProcessPaymentPayload{OrderID: "o-3", Method: "stripe", Amount: decimal.NewFromInt(1)}),
	}
	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{message(t, "m-3", msg)}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Empty(t, l.processed)
}

func TestHandle_MissingKeyFallsBackToMessageID(t *testing.T) {
	ctx := context.Background()
	p, _, store := newProcessor()

	msg := Message{
		Type:    CommandCreateOrder,
		Payload: payload(t, CreateOrderPayload{UserID: "u-1", Items: []ledger.LineItem{{ItemType: "product", ItemName: "Widget", Quantity: 1}}}),
	}
	_, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{message(t, "m-7", msg)}})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "sqs:m-7")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "o-1", rec.Reference)
}
