package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

func line(qty int, price string) ledger.LineItem {
	return ledger.LineItem{
		ItemType:  "product",
		ItemName:  "widget",
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
	}
}

func TestCreateOrderRequest_Valid(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		UserID: "user-123",
		Items:  []ledger.LineItem{line(2, "10.00"), line(1, "0")},
		Options: ledger.OrderOptions{
			Currency: "EUR",
			Shipping: decimal.RequireFromString("4.99"),
		},
	}

	if err := Check(v, req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_InvalidLines(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		UserID: "user-123",
		Items:  []ledger.LineItem{line(0, "10.00"), line(1, "-1")},
	}

	err := Check(v, req)
	var ve *ledger.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := ve.Fields["items[0].quantity"]; !ok {
		t.Fatalf("expected quantity error, got %v", ve.Fields)
	}
	if _, ok := ve.Fields["items[1].unit_price"]; !ok {
		t.Fatalf("expected unit_price error, got %v", ve.Fields)
	}
}

func TestCreateOrderRequest_MissingFields(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		// UserID missing
		Items:   []ledger.LineItem{},
		Options: ledger.OrderOptions{Currency: "usd"},
	}

	err := Check(v, req)
	var ve *ledger.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, f := range []string{"user_id", "items", "options.currency"} {
		if _, ok := ve.Fields[f]; !ok {
			t.Fatalf("expected error on %s, got %v", f, ve.Fields)
		}
	}
}

func TestProcessPaymentRequest(t *testing.T) {
	v := New()

	ok := ProcessPaymentRequest{OrderID: "o1", Method: "stripe", Amount: decimal.RequireFromString("26.50")}
	if err := Check(v, ok); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	for _, amt := range []string{"0", "-5", "1.005"} {
		req := ProcessPaymentRequest{OrderID: "o1", Amount: decimal.RequireFromString(amt)}
		if err := Check(v, req); err == nil {
			t.Fatalf("expected amount %s to be rejected", amt)
		}
	}
}

func TestRefundRequest(t *testing.T) {
	v := New()

	if err := Check(v, RefundRequest{PaymentID: "p1"}); err != nil {
		t.Fatalf("full refund should be valid, got %v", err)
	}
	zero := decimal.Zero
	if err := Check(v, RefundRequest{PaymentID: "p1", Amount: &zero}); err == nil {
		t.Fatal("expected zero refund amount to be rejected")
	}
}
