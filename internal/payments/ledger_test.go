package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/orders"
	"github.com/imrishuroy/go-payment-ledger/internal/store/memory"
	"github.com/imrishuroy/go-payment-ledger/internal/telemetry"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var clock = func() time.Time { return time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC) }

func setup(t *testing.T) (*Ledger, *memory.Store, ledger.Order) {
	t.Helper()
	repo := memory.New()
	o, err := orders.New(repo, orders.WithClock(clock), orders.WithLogger(telemetry.Discard())).Create(
		context.Background(), "u-1",
		[]ledger.LineItem{{ItemType: "product", ItemName: "Widget", Quantity: 1, UnitPrice: d("26.50")}},
		ledger.OrderOptions{Currency: "EUR"},
	)
	require.NoError(t, err)
	return New(repo, WithClock(clock), WithLogger(telemetry.Discard())), repo, o
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)

	p, err := l.Open(ctx, o, ledger.MethodStripe, d("26.50"), map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, p.Status)
	assert.Equal(t, "EUR", p.Currency)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Regexp(t, `^PAY-20240310-[A-Z]{6}$`, p.PaymentNumber)

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(d("26.50")))

	byNumber, err := l.GetByNumber(ctx, p.PaymentNumber)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byNumber.ID)
}

type dupPayment struct {
	*memory.Store
	failures int
}

func (r *dupPayment) InsertPayment(ctx context.Context, p ledger.Payment) error {
	if r.failures > 0 {
		r.failures--
		return ledger.ErrDuplicateNumber
	}
	return r.Store.InsertPayment(ctx, p)
}

func TestOpen_RegeneratesTakenNumber(t *testing.T) {
	_, repo, o := setup(t)
	l := New(&dupPayment{Store: repo, failures: 2}, WithClock(clock), WithLogger(telemetry.Discard()))

	p, err := l.Open(context.Background(), o, ledger.MethodPayPal, d("1"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.PaymentNumber)

	_, err = New(&dupPayment{Store: repo, failures: maxInsertAttempts}, WithLogger(telemetry.Discard())).
		Open(context.Background(), o, ledger.MethodPayPal, d("1"), nil)
	assert.ErrorIs(t, err, ledger.ErrDuplicateNumber)
}

func TestUpdate_ExpectedStatus(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)
	p, err := l.Open(ctx, o, ledger.MethodStripe, d("26.50"), nil)
	require.NoError(t, err)

	snap, err := l.Update(ctx, p.ID, []ledger.PaymentStatus{ledger.PaymentPending}, func(s *ledger.Snapshot) error {
		s.Payment.Status = ledger.PaymentCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCompleted, snap.Payment.Status)

	_, err = l.Update(ctx, p.ID, []ledger.PaymentStatus{ledger.PaymentPending}, func(s *ledger.Snapshot) error {
		t.Fatal("mutation must not run on a status conflict")
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrStatusConflict)
}

func TestUpdate_RejectsBackwardTransition(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)
	p, err := l.Open(ctx, o, ledger.MethodStripe, d("5"), nil)
	require.NoError(t, err)

	settle := []ledger.PaymentStatus{ledger.PaymentPending}
	_, err = l.Update(ctx, p.ID, settle, func(s *ledger.Snapshot) error {
		s.Payment.Status = ledger.PaymentCaptured
		return nil
	})
	require.NoError(t, err)

	_, err = l.Update(ctx, p.ID, []ledger.PaymentStatus{ledger.PaymentCaptured}, func(s *ledger.Snapshot) error {
		s.Payment.Status = ledger.PaymentAuthorized
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCaptured, got.Status, "rejected mutation must not be written")
}

func TestFindByTransactionID(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)
	p, err := l.Open(ctx, o, ledger.MethodStripe, d("5"), nil)
	require.NoError(t, err)
	_, err = l.Update(ctx, p.ID, []ledger.PaymentStatus{ledger.PaymentPending}, func(s *ledger.Snapshot) error {
		s.Payment.Status = ledger.PaymentCompleted
		s.Payment.TransactionID = "pi_123"
		return nil
	})
	require.NoError(t, err)

	found, err := l.FindByTransactionID(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	_, err = l.FindByTransactionID(ctx, "pi_missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.FindByTransactionID(ctx, "")
	var verr *ledger.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestList_RejectsUnknownFilters(t *testing.T) {
	l, _, _ := setup(t)

	_, err := l.List(context.Background(), ledger.PaymentFilter{Status: "ZZ"})
	var verr *ledger.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "status")

	_, err = l.List(context.Background(), ledger.PaymentFilter{Method: "bitcoin"})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "method")
}

func TestDetails(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)
	p, err := l.Open(ctx, o, ledger.MethodManualCheck, d("10"), nil)
	require.NoError(t, err)

	require.NoError(t, l.AppendDetails(ctx, p.ID,
		ledger.PaymentDetail{DetailType: "gateway", Key: "check_number", Value: "1001"},
		ledger.PaymentDetail{DetailType: "audit", Key: "process"},
	))
	require.NoError(t, l.AppendDetails(ctx, p.ID))

	got, err := l.Details(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "check_number", got[0].Key)
	assert.Equal(t, p.ID, got[1].PaymentID)
	assert.NotEmpty(t, got[1].ID)
	assert.Equal(t, clock(), got[1].CreatedAt)

	_, err = l.Details(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFindByRequestKey(t *testing.T) {
	ctx := context.Background()
	l, _, o := setup(t)
	_, err := l.Open(ctx, o, ledger.MethodStripe, d("10"), nil)
	require.NoError(t, err)
	keyed, err := l.Open(ctx, o, ledger.MethodStripe, d("16.50"), map[string]any{RequestKeyField: "cmd-7"})
	require.NoError(t, err)

	got, found, err := l.FindByRequestKey(ctx, o.ID, "cmd-7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, keyed.ID, got.ID)

	_, found, err = l.FindByRequestKey(ctx, o.ID, "cmd-8")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = l.FindByRequestKey(ctx, o.ID, "")
	require.NoError(t, err)
	assert.False(t, found)
}
