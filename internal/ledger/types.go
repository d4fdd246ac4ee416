package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when an order is created without a currency code.
const DefaultCurrency = "USD"

// Order is the aggregate root: a priced set of lines owned by one user.
type Order struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	OrderNumber   string          `json:"order_number"`
	Status        OrderStatus     `json:"status"`
	Currency      string          `json:"currency"`
	Lines         []OrderLine     `json:"lines"`
	Adjustments   Adjustments     `json:"adjustments"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Shipping      decimal.Decimal `json:"shipping"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	CustomerNotes string          `json:"customer_notes,omitempty"`
	AdminNotes    string          `json:"admin_notes,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Adjustments are the order-level amounts applied on top of the line totals.
type Adjustments struct {
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
}

// OrderLine is one priced item of an order.
type OrderLine struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Position  int             `json:"position"`
	ItemType  string          `json:"item_type"`
	ItemID    string          `json:"item_id,omitempty"`
	ItemName  string          `json:"item_name"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Payment is a single attempt to move money toward an order.
type Payment struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	PaymentNumber     string          `json:"payment_number"`
	Method            Method          `json:"method"`
	Status            PaymentStatus   `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	Currency          string          `json:"currency"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	AuthorizedAt      *time.Time      `json:"authorized_at,omitempty"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Settled reports whether the payment counts toward the order's paid amount.
func (p Payment) Settled() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentCaptured
}

// CanBeRefunded reports whether a refund may be dispatched for the payment.
func (p Payment) CanBeRefunded() bool {
	return p.Settled() && p.RefundedAt == nil
}

// PaymentDetail is an append-only audit entry attached to a payment.
type PaymentDetail struct {
	ID         string         `json:"id"`
	PaymentID  string         `json:"payment_id"`
	DetailType string         `json:"detail_type"`
	Key        string         `json:"key"`
	Value      string         `json:"value,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// LineItem is the caller-supplied shape of an order line.
type LineItem struct {
	ItemType  string          `json:"item_type" validate:"required"`
	ItemID    string          `json:"item_id,omitempty"`
	ItemName  string          `json:"item_name" validate:"required"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Tax       decimal.Decimal `json:"tax" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// OrderOptions carries the optional order-level inputs of order creation.
type OrderOptions struct {
	Currency      string          `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Shipping      decimal.Decimal `json:"shipping" validate:"gte=0"`
	Discount      decimal.Decimal `json:"discount" validate:"gte=0"`
	Tax           decimal.Decimal `json:"tax" validate:"gte=0"`
	CustomerNotes string          `json:"customer_notes,omitempty" validate:"max=2000"`
	AdminNotes    string          `json:"admin_notes,omitempty" validate:"max=2000"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}
