package worker

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Command types
const (
	CommandCreateOrder     = "create_order"
	CommandProcessPayment  = "process_payment"
	CommandRefundPayment   = "refund_payment"
	CommandContinuePayment = "continue_payment"
)

// Message is the SQS body of a ledger command. Payload is decoded according
// to Type.
type Message struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type CreateOrderPayload struct {
	UserID  string              `json:"user_id"`
	Items   []ledger.LineItem   `json:"items"`
	Options ledger.OrderOptions `json:"options"`
}

type ProcessPaymentPayload struct {
	OrderID string          `json:"order_id"`
	Method  string          `json:"method"`
	Amount  decimal.Decimal `json:"amount"`
	Data    map[string]any  `json:"data,omitempty"`
}

type RefundPaymentPayload struct {
	PaymentID string           `json:"payment_id"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

type ContinuePaymentPayload struct {
	PaymentID string         `json:"payment_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Outcome is stored as the idempotency response of a finished command.
type Outcome struct {
	OrderID   string `json:"order_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Refunded  *bool  `json:"refunded,omitempty"`
	Error     string `json:"error,omitempty"`
}
