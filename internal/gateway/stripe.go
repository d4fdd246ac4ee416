package gateway

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// StripeAPI is the subset of the Stripe payment intents API the adapter uses.
type StripeAPI interface {
	CreatePaymentIntent(ctx context.Context, params IntentParams) (Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (Intent, error)
	ConfirmPaymentIntent(ctx context.Context, id string) (Intent, error)
	CreateRefund(ctx context.Context, params StripeRefundParams) (StripeRefund, error)
}

// IntentParams describes a new payment intent.
type IntentParams struct {
	AmountMinor    int64
	Currency       string
	PaymentMethod  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is a payment intent as returned by Stripe.
type Intent struct {
	ID           string
	Status       string
	AmountMinor  int64
	Currency     string
	ClientSecret string
	ChargeID     string
}

// StripeRefundParams describes a refund of a payment intent.
type StripeRefundParams struct {
	PaymentIntentID string
	AmountMinor     int64
	IdempotencyKey  string
}

// StripeRefund is a refund as returned by Stripe.
type StripeRefund struct {
	ID     string
	Status string
}

// Stripe adapts StripeAPI to the Adapter contract.
type Stripe struct {
	api StripeAPI
}

// NewStripe returns a Stripe adapter.
func NewStripe(api StripeAPI) *Stripe {
	return &Stripe{api: api}
}

// Process creates and confirms a payment intent, or resumes an existing one
// when data carries payment_intent_id.
func (s *Stripe) Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error) {
	var (
		intent Intent
		err    error
	)
	if id := str(data, "payment_intent_id"); id != "" {
		intent, err = s.api.GetPaymentIntent(ctx, id)
		if err == nil && intent.Status == "requires_confirmation" {
			intent, err = s.api.ConfirmPaymentIntent(ctx, id)
		}
	} else {
		intent, err = s.api.CreatePaymentIntent(ctx, IntentParams{
			AmountMinor:   minorUnits(p.Amount),
			Currency:      strings.ToLower(p.Currency),
			PaymentMethod: str(data, "payment_method"),
			Description:   "Payment " + p.PaymentNumber,
			Metadata: map[string]string{
				"payment_number": p.PaymentNumber,
				"order_id":       p.OrderID,
			},
			IdempotencyKey: p.ID,
		})
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{
		TransactionID: intent.ID,
		Details: []ledger.PaymentDetail{
			detail("stripe", "payment_intent", intent.ID, map[string]any{
				"status":       intent.Status,
				"amount_minor": intent.AmountMinor,
				"currency":     intent.Currency,
			}),
		},
	}
	if intent.ChargeID != "" {
		res.AuthorizationCode = intent.ChargeID
	}

	status, ok := stripeStatus(intent.Status)
	if !ok {
		res.Error = "Stripe payment intent status: " + intent.Status
		return res, nil
	}
	res.Success = true
	res.Status = status
	if intent.Status == "requires_action" {
		res.Extra = map[string]any{"client_secret": intent.ClientSecret}
	}
	return res, nil
}

// Refund refunds amount of the payment's intent.
func (s *Stripe) Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error) {
	if p.TransactionID == "" {
		return Failure("Stripe refund requires a payment intent id"), nil
	}
	ref, err := s.api.CreateRefund(ctx, StripeRefundParams{
		PaymentIntentID: p.TransactionID,
		AmountMinor:     minorUnits(amount),
		IdempotencyKey:  "refund-" + p.ID,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{
		RefundID: ref.ID,
		Details: []ledger.PaymentDetail{
			detail("stripe", "refund", ref.ID, map[string]any{"status": ref.Status, "amount": amount.StringFixed(2)}),
		},
	}
	switch ref.Status {
	case "succeeded", "pending":
		res.Success = true
	default:
		res.Error = "Stripe refund status: " + ref.Status
	}
	return res, nil
}

// Verify reads the intent back from Stripe.
func (s *Stripe) Verify(ctx context.Context, p ledger.Payment) (Result, error) {
	if p.TransactionID == "" {
		return Failure("payment has no Stripe payment intent"), nil
	}
	intent, err := s.api.GetPaymentIntent(ctx, p.TransactionID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Success: true, TransactionID: intent.ID, RemoteStatus: intent.Status}
	if st, ok := stripeStatus(intent.Status); ok {
		res.Status = st
	} else if intent.Status == "canceled" {
		res.Status = ledger.PaymentCancelled
	}
	return res, nil
}

func stripeStatus(s string) (ledger.PaymentStatus, bool) {
	switch s {
	case "succeeded":
		return ledger.PaymentCompleted, true
	case "requires_capture":
		return ledger.PaymentAuthorized, true
	case "processing", "requires_action":
		return ledger.PaymentPending, true
	}
	return "", false
}
