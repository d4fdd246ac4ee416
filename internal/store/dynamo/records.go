package dynamo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Amounts are stored as decimal strings so no precision is lost to float
// number handling in the SDK marshaller.

type lineRecord struct {
	ID        string         `dynamodbav:"line_id"`
	Position  int            `dynamodbav:"position"`
	ItemType  string         `dynamodbav:"item_type"`
	ItemID    string         `dynamodbav:"item_id,omitempty"`
	ItemName  string         `dynamodbav:"item_name"`
	SKU       string         `dynamodbav:"sku,omitempty"`
	Quantity  int            `dynamodbav:"quantity"`
	UnitPrice string         `dynamodbav:"unit_price"`
	Subtotal  string         `dynamodbav:"subtotal"`
	Tax       string         `dynamodbav:"tax"`
	Discount  string         `dynamodbav:"discount"`
	Total     string         `dynamodbav:"total"`
	Metadata  map[string]any `dynamodbav:"metadata,omitempty"`
}

type orderRecord struct {
	OrderID       string         `dynamodbav:"order_id"` // PK
	UserID        string         `dynamodbav:"user_id"`  // user_id-index
	OrderNumber   string         `dynamodbav:"order_number"`
	Status        string         `dynamodbav:"status"`
	Currency      string         `dynamodbav:"currency"`
	Lines         []lineRecord   `dynamodbav:"lines"`
	AdjShipping   string         `dynamodbav:"adj_shipping"`
	AdjDiscount   string         `dynamodbav:"adj_discount"`
	AdjTax        string         `dynamodbav:"adj_tax"`
	Subtotal      string         `dynamodbav:"subtotal"`
	Tax           string         `dynamodbav:"tax"`
	Shipping      string         `dynamodbav:"shipping"`
	Discount      string         `dynamodbav:"discount"`
	Total         string         `dynamodbav:"total"`
	CustomerNotes string         `dynamodbav:"customer_notes,omitempty"`
	AdminNotes    string         `dynamodbav:"admin_notes,omitempty"`
	Metadata      map[string]any `dynamodbav:"metadata,omitempty"`
	Version       int64          `dynamodbav:"version"`
	CreatedAt     time.Time      `dynamodbav:"created_at"`
	UpdatedAt     time.Time      `dynamodbav:"updated_at"`
}

type paymentRecord struct {
	OrderID           string         `dynamodbav:"order_id"`   // PK
	PaymentID         string         `dynamodbav:"payment_id"` // SK
	UserID            string         `dynamodbav:"user_id"`
	PaymentNumber     string         `dynamodbav:"payment_number"`
	Method            string         `dynamodbav:"method"`
	Status            string         `dynamodbav:"status"`
	Amount            string         `dynamodbav:"amount"`
	RefundedAmount    string         `dynamodbav:"refunded_amount"`
	Currency          string         `dynamodbav:"currency"`
	TransactionID     string         `dynamodbav:"transaction_id,omitempty"`
	AuthorizationCode string         `dynamodbav:"authorization_code,omitempty"`
	ErrorMessage      string         `dynamodbav:"error_message,omitempty"`
	AuthorizedAt      *time.Time     `dynamodbav:"authorized_at,omitempty"`
	CapturedAt        *time.Time     `dynamodbav:"captured_at,omitempty"`
	CompletedAt       *time.Time     `dynamodbav:"completed_at,omitempty"`
	RefundedAt        *time.Time     `dynamodbav:"refunded_at,omitempty"`
	Metadata          map[string]any `dynamodbav:"metadata,omitempty"`
	Version           int64          `dynamodbav:"version"`
	CreatedAt         time.Time      `dynamodbav:"created_at"`
	UpdatedAt         time.Time      `dynamodbav:"updated_at"`
}

type detailRecord struct {
	PaymentID  string         `dynamodbav:"payment_id"` // PK
	Seq        string         `dynamodbav:"seq"`        // SK, append order
	ID         string         `dynamodbav:"detail_id"`
	DetailType string         `dynamodbav:"detail_type"`
	Key        string         `dynamodbav:"detail_key"`
	Value      string         `dynamodbav:"detail_value,omitempty"`
	Data       map[string]any `dynamodbav:"data,omitempty"`
	CreatedAt  time.Time      `dynamodbav:"created_at"`
}

// keyRecord claims a unique number or maps a payment id to its order.
type keyRecord struct {
	Key     string `dynamodbav:"lookup_key"` // PK
	Kind    string `dynamodbav:"kind"`
	Ref     string `dynamodbav:"ref"`
	OrderID string `dynamodbav:"order_id,omitempty"`
}

func toOrderRecord(o ledger.Order) orderRecord {
	lines := make([]lineRecord, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = lineRecord{
			ID:        l.ID,
			Position:  l.Position,
			ItemType:  l.ItemType,
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.String(),
			Subtotal:  l.Subtotal.String(),
			Tax:       l.Tax.String(),
			Discount:  l.Discount.String(),
			Total:     l.Total.String(),
			Metadata:  l.Metadata,
		}
	}
	return orderRecord{
		OrderID:       o.ID,
		UserID:        o.UserID,
		OrderNumber:   o.OrderNumber,
		Status:        string(o.Status),
		Currency:      o.Currency,
		Lines:         lines,
		AdjShipping:   o.Adjustments.Shipping.String(),
		AdjDiscount:   o.Adjustments.Discount.String(),
		AdjTax:        o.Adjustments.Tax.String(),
		Subtotal:      o.Subtotal.String(),
		Tax:           o.Tax.String(),
		Shipping:      o.Shipping.String(),
		Discount:      o.Discount.String(),
		Total:         o.Total.String(),
		CustomerNotes: o.CustomerNotes,
		AdminNotes:    o.AdminNotes,
		Metadata:      o.Metadata,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (r orderRecord) toOrder() (ledger.Order, error) {
	var p amountParser
	o := ledger.Order{
		ID:          r.OrderID,
		UserID:      r.UserID,
		OrderNumber: r.OrderNumber,
		Status:      ledger.OrderStatus(r.Status),
		Currency:    r.Currency,
		Adjustments: ledger.Adjustments{
			Shipping: p.parse("adj_shipping", r.AdjShipping),
			Discount: p.parse("adj_discount", r.AdjDiscount),
			Tax:      p.parse("adj_tax", r.AdjTax),
		},
		Subtotal:      p.parse("subtotal", r.Subtotal),
		Tax:           p.parse("tax", r.Tax),
		Shipping:      p.parse("shipping", r.Shipping),
		Discount:      p.parse("discount", r.Discount),
		Total:         p.parse("total", r.Total),
		CustomerNotes: r.CustomerNotes,
		AdminNotes:    r.AdminNotes,
		Metadata:      r.Metadata,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	o.Lines = make([]ledger.OrderLine, len(r.Lines))
	for i, l := range r.Lines {
		o.Lines[i] = ledger.OrderLine{
			ID:        l.ID,
			OrderID:   r.OrderID,
			Position:  l.Position,
			ItemType:  l.ItemType,
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			UnitPrice: p.parse("unit_price", l.UnitPrice),
			Subtotal:  p.parse("line subtotal", l.Subtotal),
			Tax:       p.parse("line tax", l.Tax),
			Discount:  p.parse("line discount", l.Discount),
			Total:     p.parse("line total", l.Total),
			Metadata:  l.Metadata,
		}
	}
	if p.err != nil {
		return ledger.Order{}, fmt.Errorf("order %s: %w", r.OrderID, p.err)
	}
	return o, nil
}

func toPaymentRecord(p ledger.Payment, userID string) paymentRecord {
	return paymentRecord{
		OrderID:           p.OrderID,
		PaymentID:         p.ID,
		UserID:            userID,
		PaymentNumber:     p.PaymentNumber,
		Method:            string(p.Method),
		Status:            string(p.Status),
		Amount:            p.Amount.String(),
		RefundedAmount:    p.RefundedAmount.String(),
		Currency:          p.Currency,
		TransactionID:     p.TransactionID,
		AuthorizationCode: p.AuthorizationCode,
		ErrorMessage:      p.ErrorMessage,
		AuthorizedAt:      p.AuthorizedAt,
		CapturedAt:        p.CapturedAt,
		CompletedAt:       p.CompletedAt,
		RefundedAt:        p.RefundedAt,
		Metadata:          p.Metadata,
		Version:           p.Version,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r paymentRecord) toPayment() (ledger.Payment, error) {
	var ap amountParser
	p := ledger.Payment{
		ID:                r.PaymentID,
		OrderID:           r.OrderID,
		PaymentNumber:     r.PaymentNumber,
		Method:            ledger.Method(r.Method),
		Status:            ledger.PaymentStatus(r.Status),
		Amount:            ap.parse("amount", r.Amount),
		RefundedAmount:    ap.parse("refunded_amount", r.RefundedAmount),
		Currency:          r.Currency,
		TransactionID:     r.TransactionID,
		AuthorizationCode: r.AuthorizationCode,
		ErrorMessage:      r.ErrorMessage,
		AuthorizedAt:      r.AuthorizedAt,
		CapturedAt:        r.CapturedAt,
		CompletedAt:       r.CompletedAt,
		RefundedAt:        r.RefundedAt,
		Metadata:          r.Metadata,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if ap.err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: %w", r.PaymentID, ap.err)
	}
	return p, nil
}

func toDetailRecord(d ledger.PaymentDetail, idx int) detailRecord {
	return detailRecord{
		PaymentID:  d.PaymentID,
		Seq:        fmt.Sprintf("%020d#%04d#%s", d.CreatedAt.UnixNano(), idx, d.ID),
		ID:         d.ID,
		DetailType: d.DetailType,
		Key:        d.Key,
		Value:      d.Value,
		Data:       d.Data,
		CreatedAt:  d.CreatedAt,
	}
}

func (r detailRecord) toDetail() ledger.PaymentDetail {
	return ledger.PaymentDetail{
		ID:         r.ID,
		PaymentID:  r.PaymentID,
		DetailType: r.DetailType,
		Key:        r.Key,
		Value:      r.Value,
		Data:       r.Data,
		CreatedAt:  r.CreatedAt,
	}
}

// amountParser keeps the first parse error so conversions read linearly.
type amountParser struct {
	err error
}

func (p *amountParser) parse(field, v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return d
}
