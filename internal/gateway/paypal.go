package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// PayPalAPI is the subset of the PayPal payments API the adapter uses.
type PayPalAPI interface {
	CreatePayment(ctx context.Context, params PayPalPaymentParams) (PayPalPayment, error)
	ExecutePayment(ctx context.Context, paymentID, payerID string) (PayPalPayment, error)
	GetPayment(ctx context.Context, paymentID string) (PayPalPayment, error)
	RefundSale(ctx context.Context, saleID string, amount decimal.Decimal, currency string) (PayPalRefund, error)
}

// PayPalPaymentParams describes a payment awaiting buyer approval.
type PayPalPaymentParams struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// PayPalPayment is a payment as returned by PayPal.
type PayPalPayment struct {
	ID          string
	State       string
	ApprovalURL string
	SaleID      string
}

// PayPalRefund is a sale refund as returned by PayPal.
type PayPalRefund struct {
	ID    string
	State string
}

// PayPal adapts PayPalAPI to the Adapter contract. Payments are two-step: the
// first call returns an approval URL, the second executes with the payer id.
type PayPal struct {
	api PayPalAPI
}

// NewPayPal returns a PayPal adapter.
func NewPayPal(api PayPalAPI) *PayPal {
	return &PayPal{api: api}
}

// Process executes an approved payment when data carries payment_id and
// payer_id, and otherwise creates one and returns its approval URL.
func (a *PayPal) Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error) {
	paymentID, payerID := str(data, "payment_id"), str(data, "payer_id")
	if paymentID == "" {
		paymentID = str(p.Metadata, "paypal_payment_id")
	}
	if paymentID != "" && payerID != "" {
		return a.execute(ctx, paymentID, payerID)
	}

	pp, err := a.api.CreatePayment(ctx, PayPalPaymentParams{
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: "Payment " + p.PaymentNumber,
		ReturnURL:   str(data, "return_url"),
		CancelURL:   str(data, "cancel_url"),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success:       true,
		Status:        ledger.PaymentPending,
		TransactionID: pp.ID,
		ApprovalURL:   pp.ApprovalURL,
		Extra: map[string]any{
			"paypal_payment_id": pp.ID,
			"approval_url":      pp.ApprovalURL,
		},
		Details: []ledger.PaymentDetail{
			detail("paypal", "payment_created", pp.ID, map[string]any{"state": pp.State, "approval_url": pp.ApprovalURL}),
		},
	}, nil
}

func (a *PayPal) execute(ctx context.Context, paymentID, payerID string) (Result, error) {
	pp, err := a.api.ExecutePayment(ctx, paymentID, payerID)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		TransactionID: pp.ID,
		Extra:         map[string]any{"paypal_payment_id": pp.ID},
		Details: []ledger.PaymentDetail{
			detail("paypal", "payment_executed", pp.ID, map[string]any{"state": pp.State, "payer_id": payerID, "sale_id": pp.SaleID}),
		},
	}
	if pp.SaleID != "" {
		res.TransactionID = pp.SaleID
	}
	if pp.State != "approved" {
		res.Error = "PayPal payment state: " + pp.State
		return res, nil
	}
	res.Success = true
	res.Status = ledger.PaymentCompleted
	return res, nil
}

// Refund refunds the executed sale.
func (a *PayPal) Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error) {
	if p.TransactionID == "" {
		return Failure("PayPal refund requires a sale id"), nil
	}
	ref, err := a.api.RefundSale(ctx, p.TransactionID, amount, p.Currency)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		RefundID: ref.ID,
		Details: []ledger.PaymentDetail{
			detail("paypal", "refund", ref.ID, map[string]any{"state": ref.State, "amount": amount.StringFixed(2)}),
		},
	}
	if ref.State != "completed" && ref.State != "pending" {
		res.Error = "PayPal refund state: " + ref.State
		return res, nil
	}
	res.Success = true
	return res, nil
}

// Verify reads the payment back from PayPal.
func (a *PayPal) Verify(ctx context.Context, p ledger.Payment) (Result, error) {
	id := str(p.Metadata, "paypal_payment_id")
	if id == "" {
		id = p.TransactionID
	}
	if id == "" {
		return Failure("payment has no PayPal payment id"), nil
	}
	pp, err := a.api.GetPayment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Success: true, TransactionID: pp.ID, RemoteStatus: pp.State}
	switch pp.State {
	case "approved":
		res.Status = ledger.PaymentCompleted
	case "created":
		res.Status = ledger.PaymentPending
	case "failed":
		res.Status = ledger.PaymentFailed
	case "canceled", "expired":
		res.Status = ledger.PaymentCancelled
	}
	return res, nil
}
