package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// SandboxStripe is an in-process StripeAPI that approves every intent. It
// backs the "sandbox" gateway mode used for local runs.
type SandboxStripe struct {
	mu      sync.Mutex
	seq     int
	intents map[string]Intent
	// keyed by idempotency key, so a replayed create returns the same intent
	byKey map[string]string
	// Decline makes every new intent end in requires_payment_method.
	Decline bool
}

// NewSandboxStripe returns an empty SandboxStripe.
func NewSandboxStripe() *SandboxStripe {
	return &SandboxStripe{intents: map[string]Intent{}, byKey: map[string]string{}}
}

func (s *SandboxStripe) CreatePaymentIntent(ctx context.Context, params IntentParams) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return s.intents[id], nil
	}
	s.seq++
	in := Intent{
		ID:           fmt.Sprintf("pi_sandbox_%06d", s.seq),
		Status:       "succeeded",
		AmountMinor:  params.AmountMinor,
		Currency:     params.Currency,
		ClientSecret: fmt.Sprintf("pi_sandbox_%06d_secret", s.seq),
		ChargeID:     fmt.Sprintf("ch_sandbox_%06d", s.seq),
	}
	if s.Decline {
		in.Status = "requires_payment_method"
		in.ChargeID = ""
	}
	s.intents[in.ID] = in
	s.byKey[params.IdempotencyKey] = in.ID
	return in, nil
}

func (s *SandboxStripe) GetPaymentIntent(ctx context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("stripe: no such payment_intent %s", id)
	}
	return in, nil
}

func (s *SandboxStripe) ConfirmPaymentIntent(ctx context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("stripe: no such payment_intent %s", id)
	}
	in.Status = "succeeded"
	s.intents[id] = in
	return in, nil
}

func (s *SandboxStripe) CreateRefund(ctx context.Context, params StripeRefundParams) (StripeRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[params.PaymentIntentID]
	if !ok {
		return StripeRefund{}, fmt.Errorf("stripe: no such payment_intent %s", params.PaymentIntentID)
	}
	if params.AmountMinor > in.AmountMinor {
		return StripeRefund{Status: "failed"}, nil
	}
	s.seq++
	return StripeRefund{ID: fmt.Sprintf("re_sandbox_%06d", s.seq), Status: "succeeded"}, nil
}

// SandboxPayPal is an in-process PayPalAPI. Created payments are approved by
// any payer id.
type SandboxPayPal struct {
	mu       sync.Mutex
	seq      int
	payments map[string]PayPalPayment
}

// NewSandboxPayPal returns an empty SandboxPayPal.
func NewSandboxPayPal() *SandboxPayPal {
	return &SandboxPayPal{payments: map[string]PayPalPayment{}}
}

func (s *SandboxPayPal) CreatePayment(ctx context.Context, params PayPalPaymentParams) (PayPalPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("PAYID-SANDBOX%06d", s.seq)
	pp := PayPalPayment{
		ID:          id,
		State:       "created",
		ApprovalURL: "https://www.sandbox.paypal.com/checkoutnow?token=" + id,
	}
	s.payments[id] = pp
	return pp, nil
}

func (s *SandboxPayPal) ExecutePayment(ctx context.Context, paymentID, payerID string) (PayPalPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pp, ok := s.payments[paymentID]
	if !ok {
		return PayPalPayment{}, fmt.Errorf("paypal: payment %s not found", paymentID)
	}
	if pp.State == "created" {
		s.seq++
		pp.State = "approved"
		pp.SaleID = fmt.Sprintf("SALE-SANDBOX%06d", s.seq)
		s.payments[paymentID] = pp
	}
	return pp, nil
}

func (s *SandboxPayPal) GetPayment(ctx context.Context, paymentID string) (PayPalPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pp, ok := s.payments[paymentID]
	if !ok {
		return PayPalPayment{}, fmt.Errorf("paypal: payment %s not found", paymentID)
	}
	return pp, nil
}

func (s *SandboxPayPal) RefundSale(ctx context.Context, saleID string, amount decimal.Decimal, currency string) (PayPalRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return PayPalRefund{ID: fmt.Sprintf("REFUND-SANDBOX%06d", s.seq), State: "completed"}, nil
}
