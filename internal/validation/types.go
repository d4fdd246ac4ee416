package validation

import (
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// CreateOrderRequest is the input of order creation.
type CreateOrderRequest struct {
	UserID  string              `json:"user_id" validate:"required"`
	Items   []ledger.LineItem   `json:"items" validate:"required,min=1,dive"` // at least one line
	Options ledger.OrderOptions `json:"options"`
}

// ProcessPaymentRequest is the input of a payment attempt.
type ProcessPaymentRequest struct {
	OrderID string          `json:"order_id" validate:"required"`
	Method  string          `json:"method"` // unknown tokens fall back to manual check
	Amount  decimal.Decimal `json:"amount" validate:"gt=0"`
	Data    map[string]any  `json:"data,omitempty"`
}

// RefundRequest is the input of a refund. A nil Amount refunds in full.
type RefundRequest struct {
	PaymentID string           `json:"payment_id" validate:"required"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}
