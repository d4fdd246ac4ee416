package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleOrder(id, number, user string) ledger.Order {
	o := ledger.Order{
		ID:          id,
		UserID:      user,
		OrderNumber: number,
		Status:      ledger.OrderPending,
		Currency:    "USD",
		Lines: []ledger.OrderLine{
			{ID: id + "-l1", OrderID: id, Position: 0, ItemType: "product", ItemName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
			{ID: id + "-l2", OrderID: id, Position: 1, ItemType: "product", ItemName: "Gadget", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00")},
		},
		Adjustments: ledger.Adjustments{Tax: decimal.RequireFromString("1.50")},
		Metadata:    map[string]any{"channel": "web"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	return ledger.RecomputeTotals(o)
}

func samplePayment(id, orderID, number, amount string) ledger.Payment {
	return ledger.Payment{
		ID:            id,
		OrderID:       orderID,
		PaymentNumber: number,
		Method:        ledger.MethodStripe,
		Status:        ledger.PaymentPending,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func newTestStore() (*Store, *mockDynamo) {
	mock := newMockDynamo()
	s := New(mock, testTables, WithClock(func() time.Time { return t0.Add(time.Minute) }))
	return s, mock
}

func TestInsertAndGetOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	o := sampleOrder("o-1", "ORD-20240310-AAAAAA", "u-1")
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !got.Total.Equal(decimal.RequireFromString("26.50")) {
		t.Fatalf("expected total 26.50, got %s", got.Total)
	}
	if len(got.Lines) != 2 || got.Lines[0].ItemName != "Widget" || !got.Lines[0].Subtotal.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("lines not round-tripped: %+v", got.Lines)
	}
	if got.Lines[1].OrderID != "o-1" {
		t.Fatalf("line order id not restored: %+v", got.Lines[1])
	}
	if !got.Adjustments.Tax.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("adjustments not round-tripped: %+v", got.Adjustments)
	}
	if got.Metadata["channel"] != "web" {
		t.Fatalf("metadata not round-tripped: %+v", got.Metadata)
	}

	byNumber, err := s.GetOrderByNumber(ctx, "ORD-20240310-AAAAAA")
	if err != nil || byNumber.ID != "o-1" {
		t.Fatalf("GetOrderByNumber: %+v %v", byNumber, err)
	}
	exists, err := s.OrderNumberExists(ctx, "ORD-20240310-AAAAAA")
	if err != nil || !exists {
		t.Fatalf("expected number to exist: %v %v", exists, err)
	}
}

func TestInsertOrder_DuplicateNumber(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore()

	if err := s.InsertOrder(ctx, sampleOrder("o-1", "ORD-20240310-AAAAAA", "u-1")); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	err := s.InsertOrder(ctx, sampleOrder("o-2", "ORD-20240310-AAAAAA", "u-1"))
	if !errors.Is(err, ledger.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
	if _, ok := mock.tables[testTables.Orders]["o-2"]; ok {
		t.Fatalf("order o-2 must not be written when its number is taken")
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	if _, err := s.GetOrder(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPayment(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPaymentByNumber(ctx, "PAY-X"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.InsertPayment(ctx, samplePayment("p-1", "nope", "PAY-1", "1")); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a payment on a missing order, got %v", err)
	}
}

func TestInsertAndGetPayment(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	if err := s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1")); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if err := s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "26.50")); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}
	if err := s.InsertPayment(ctx, samplePayment("p-2", "o-1", "PAY-1", "1.00")); !errors.Is(err, ledger.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}

	p, err := s.GetPayment(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.OrderID != "o-1" || p.Status != ledger.PaymentPending || !p.Amount.Equal(decimal.RequireFromString("26.5")) {
		t.Fatalf("unexpected payment %+v", p)
	}
	byNumber, err := s.GetPaymentByNumber(ctx, "PAY-1")
	if err != nil || byNumber.ID != "p-1" {
		t.Fatalf("GetPaymentByNumber: %+v %v", byNumber, err)
	}
}

func TestUpdatePayment_WritesPaymentAndOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "26.50"))

	snap, err := s.UpdatePayment(ctx, "p-1", func(sn *ledger.Snapshot) error {
		at := t0
		sn.Payment.Status = ledger.PaymentCompleted
		sn.Payment.CompletedAt = &at
		sn.Payment.TransactionID = "pi_123"
		if ledger.IsPaid(sn.Order, sn.OrderPayments()) {
			sn.Order.Status = ledger.OrderCompleted
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePayment: %v", err)
	}
	if snap.Order.Status != ledger.OrderCompleted || snap.Order.Version != 1 || snap.Payment.Version != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	o, _ := s.GetOrder(ctx, "o-1")
	if o.Status != ledger.OrderCompleted || o.Version != 1 {
		t.Fatalf("order not persisted: %+v", o)
	}
	p, _ := s.GetPayment(ctx, "p-1")
	if p.Status != ledger.PaymentCompleted || p.CompletedAt == nil || !p.CompletedAt.Equal(t0) {
		t.Fatalf("payment not persisted: %+v", p)
	}

	found, err := s.ListPayments(ctx, ledger.PaymentFilter{TransactionID: "pi_123"})
	if err != nil || len(found) != 1 || found[0].ID != "p-1" {
		t.Fatalf("lookup by transaction id: %+v %v", found, err)
	}
}

func TestUpdatePayment_AbortWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "26.50"))
	before := mock.transactCalls

	_, err := s.UpdatePayment(ctx, "p-1", func(sn *ledger.Snapshot) error {
		return ledger.ErrStatusConflict
	})
	if !errors.Is(err, ledger.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if mock.transactCalls != before {
		t.Fatalf("aborted mutation must not write")
	}
}

func TestUpdatePayment_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "26.50"))

	mock.failNextTransacts = 2
	calls := 0
	_, err := s.UpdatePayment(ctx, "p-1", func(sn *ledger.Snapshot) error {
		calls++
		sn.Payment.Status = ledger.PaymentAuthorized
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePayment: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected mutation to run 3 times, ran %d", calls)
	}

	mock.failNextTransacts = defaultAttempts
	_, err = s.UpdatePayment(ctx, "p-1", func(sn *ledger.Snapshot) error { return nil })
	if !errors.Is(err, ledger.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

// Two payments of the same order settle concurrently; the order version
// condition makes the second writer see the first one's payment.
func TestUpdatePayment_ConcurrentPaymentsSameOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "10.00"))
	_ = s.InsertPayment(ctx, samplePayment("p-2", "o-1", "PAY-2", "16.50"))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"p-1", "p-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.UpdatePayment(ctx, id, func(sn *ledger.Snapshot) error {
				sn.Payment.Status = ledger.PaymentCompleted
				if ledger.IsPaid(sn.Order, sn.OrderPayments()) {
					sn.Order.Status = ledger.OrderCompleted
				}
				return nil
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdatePayment: %v", err)
		}
	}

	o, _ := s.GetOrder(ctx, "o-1")
	if o.Status != ledger.OrderCompleted {
		t.Fatalf("expected order COMPLETED once both payments settled, got %s", o.Status)
	}
	if o.Version != 2 {
		t.Fatalf("expected order version 2, got %d", o.Version)
	}
}

func TestUpdateOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))

	o, err := s.UpdateOrder(ctx, "o-1", func(o *ledger.Order, payments []ledger.Payment) error {
		if len(payments) != 0 {
			return fmt.Errorf("unexpected payments %d", len(payments))
		}
		o.Status = ledger.OrderCancelled
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if o.Status != ledger.OrderCancelled || o.Version != 1 {
		t.Fatalf("unexpected order %+v", o)
	}
	if _, err := s.UpdateOrder(ctx, "missing", func(*ledger.Order, []ledger.Payment) error { return nil }); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	for i := 0; i < 5; i++ {
		o := sampleOrder(fmt.Sprintf("o-%d", i), fmt.Sprintf("ORD-%d", i), []string{"u-1", "u-2"}[i%2])
		o.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if i == 4 {
			o.Status = ledger.OrderCompleted
		}
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}

	all, err := s.ListOrders(ctx, ledger.OrderFilter{})
	if err != nil || len(all) != 5 {
		t.Fatalf("expected 5 orders across scan pages, got %d (%v)", len(all), err)
	}
	if all[0].ID != "o-4" {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	mine, _ := s.ListOrders(ctx, ledger.OrderFilter{UserID: "u-1"})
	if len(mine) != 3 {
		t.Fatalf("expected 3 orders for u-1, got %d", len(mine))
	}
	done, _ := s.ListOrders(ctx, ledger.OrderFilter{UserID: "u-1", Status: ledger.OrderCompleted})
	if len(done) != 1 || done[0].ID != "o-4" {
		t.Fatalf("expected o-4, got %+v", done)
	}
	limited, _ := s.ListOrders(ctx, ledger.OrderFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}

func TestListPayments_Filters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertOrder(ctx, sampleOrder("o-2", "ORD-2", "u-2"))

	p1 := samplePayment("p-1", "o-1", "PAY-1", "10")
	p2 := samplePayment("p-2", "o-1", "PAY-2", "16.50")
	p2.Method = ledger.MethodManualCheck
	p3 := samplePayment("p-3", "o-2", "PAY-3", "26.50")
	p3.Status = ledger.PaymentFailed
	for _, p := range []ledger.Payment{p1, p2, p3} {
		if err := s.InsertPayment(ctx, p); err != nil {
			t.Fatalf("InsertPayment: %v", err)
		}
	}

	byOrder, _ := s.ListPayments(ctx, ledger.PaymentFilter{OrderID: "o-1"})
	if len(byOrder) != 2 {
		t.Fatalf("expected 2 payments for o-1, got %d", len(byOrder))
	}
	byUser, _ := s.ListPayments(ctx, ledger.PaymentFilter{UserID: "u-2"})
	if len(byUser) != 1 || byUser[0].ID != "p-3" {
		t.Fatalf("expected p-3 for u-2, got %+v", byUser)
	}
	byMethod, _ := s.ListPayments(ctx, ledger.PaymentFilter{Method: ledger.MethodManualCheck})
	if len(byMethod) != 1 || byMethod[0].ID != "p-2" {
		t.Fatalf("expected p-2 for manual check, got %+v", byMethod)
	}
	byStatus, _ := s.ListPayments(ctx, ledger.PaymentFilter{Status: ledger.PaymentFailed})
	if len(byStatus) != 1 || byStatus[0].ID != "p-3" {
		t.Fatalf("expected p-3 failed, got %+v", byStatus)
	}
}

func TestDetails_AppendOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	_ = s.InsertOrder(ctx, sampleOrder("o-1", "ORD-1", "u-1"))
	_ = s.InsertPayment(ctx, samplePayment("p-1", "o-1", "PAY-1", "10"))

	first := []ledger.PaymentDetail{
		{ID: "d-b", PaymentID: "p-1", DetailType: "gateway", Key: "intent", Value: "pi_1", CreatedAt: t0},
		{ID: "d-a", PaymentID: "p-1", DetailType: "audit", Key: "process", Value: "completed", CreatedAt: t0},
	}
	if err := s.AppendDetails(ctx, first...); err != nil {
		t.Fatalf("AppendDetails: %v", err)
	}
	if err := s.AppendDetails(ctx, ledger.PaymentDetail{ID: "d-c", PaymentID: "p-1", DetailType: "audit", Key: "refund", CreatedAt: t0.Add(time.Second)}); err != nil {
		t.Fatalf("AppendDetails: %v", err)
	}

	got, err := s.ListDetails(ctx, "p-1")
	if err != nil {
		t.Fatalf("ListDetails: %v", err)
	}
	if len(got) != 3 || got[0].ID != "d-b" || got[1].ID != "d-a" || got[2].ID != "d-c" {
		t.Fatalf("details out of append order: %+v", got)
	}

	if err := s.AppendDetails(ctx, ledger.PaymentDetail{ID: "d-x", PaymentID: "missing"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
