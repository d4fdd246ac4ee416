// Package orders owns order creation, pricing and the order-level queries
// derived from an order's payments.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/numbers"
	"github.com/imrishuroy/go-payment-ledger/internal/validation"
)

// maxInsertAttempts bounds regeneration after a lost number race.
const maxInsertAttempts = 5

// Ledger creates and reads orders.
type Ledger struct {
	repo     ledger.Repository
	numbers  *numbers.Generator
	validate *validatorv10.Validate
	log      *slog.Logger
	nowFunc  func() time.Time
	newID    func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.nowFunc = now } }

func WithIDs(newID func() string) Option { return func(l *Ledger) { l.newID = newID } }

func WithNumbers(g *numbers.Generator) Option { return func(l *Ledger) { l.numbers = g } }

func WithLogger(log *slog.Logger) Option { return func(l *Ledger) { l.log = log } }

func WithValidator(v *validatorv10.Validate) Option { return func(l *Ledger) { l.validate = v } }

func New(repo ledger.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:    repo,
		log:     slog.Default(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	if l.numbers == nil {
		l.numbers = numbers.New(numbers.WithClock(l.nowFunc))
	}
	if l.validate == nil {
		l.validate = validation.New()
	}
	return l
}

// Create validates the lines, prices them, allocates an order number and
// persists a Pending order. A number lost to a concurrent insert is
// regenerated.
func (l *Ledger) Create(ctx context.Context, userID string, items []ledger.LineItem, opts ledger.OrderOptions) (ledger.Order, error) {
	req := validation.CreateOrderRequest{UserID: userID, Items: items, Options: opts}
	if err := validation.Check(l.validate, req); err != nil {
		return ledger.Order{}, err
	}

	now := l.nowFunc().UTC()
	currency := opts.Currency
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	o := ledger.Order{
		ID:       l.newID(),
		UserID:   userID,
		Status:   ledger.OrderPending,
		Currency: currency,
		Adjustments: ledger.Adjustments{
			Shipping: opts.Shipping,
			Discount: opts.Discount,
			Tax:      opts.Tax,
		},
		CustomerNotes: opts.CustomerNotes,
		AdminNotes:    opts.AdminNotes,
		Metadata:      opts.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Lines = make([]ledger.OrderLine, len(items))
	for i, it := range items {
		o.Lines[i] = ledger.OrderLine{
			ID:        l.newID(),
			OrderID:   o.ID,
			Position:  i,
			ItemType:  it.ItemType,
			ItemID:    it.ItemID,
			ItemName:  it.ItemName,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Tax:       it.Tax,
			Discount:  it.Discount,
			Metadata:  it.Metadata,
		}
	}
	o = ledger.RecomputeTotals(o)

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		number, err := l.numbers.Generate(ctx, numbers.OrderPrefix, l.repo.OrderNumberExists)
		if err != nil {
			return ledger.Order{}, fmt.Errorf("allocate order number: %w", err)
		}
		o.OrderNumber = number

		err = l.repo.InsertOrder(ctx, o)
		if errors.Is(err, ledger.ErrDuplicateNumber) {
			l.log.DebugContext(ctx, "order number taken, regenerating", "order_number", number)
			continue
		}
		if err != nil {
			return ledger.Order{}, fmt.Errorf("insert order: %w", err)
		}
		l.log.InfoContext(ctx, "order created",
			"order_id", o.ID, "order_number", o.OrderNumber, "user_id", userID, "total", o.Total.String())
		return o, nil
	}
	return ledger.Order{}, fmt.Errorf("insert order: %w", ledger.ErrDuplicateNumber)
}

func (l *Ledger) Get(ctx context.Context, id string) (ledger.Order, error) {
	return l.repo.GetOrder(ctx, id)
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (ledger.Order, error) {
	return l.repo.GetOrderByNumber(ctx, number)
}

func (l *Ledger) List(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ledger.NewValidationError("status", fmt.Sprintf("unknown order status %q", f.Status))
	}
	return l.repo.ListOrders(ctx, f)
}

// IsPaid reports whether the order's settled payments cover its total.
func (l *Ledger) IsPaid(ctx context.Context, o ledger.Order) (bool, error) {
	payments, err := l.payments(ctx, o.ID)
	if err != nil {
		return false, err
	}
	return ledger.IsPaid(o, payments), nil
}

// RemainingBalance is the order total less its settled payments, never negative.
func (l *Ledger) RemainingBalance(ctx context.Context, o ledger.Order) (decimal.Decimal, error) {
	payments, err := l.payments(ctx, o.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.RemainingBalance(o, payments), nil
}

// Cancel moves an open order with no settled payment to Cancelled.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (ledger.Order, error) {
	o, err := l.repo.UpdateOrder(ctx, id, func(o *ledger.Order, payments []ledger.Payment) error {
		if !o.Status.Open() {
			return ledger.NewValidationError("status", fmt.Sprintf("order in status %s cannot be cancelled", o.Status))
		}
		if ledger.PaidAmount(payments).IsPositive() {
			return ledger.NewValidationError("status", "order has settled payments; refund them instead")
		}
		o.Status = ledger.OrderCancelled
		if reason != "" {
			if o.Metadata == nil {
				o.Metadata = map[string]any{}
			}
			o.Metadata["cancel_reason"] = reason
		}
		return nil
	})
	if err != nil {
		return ledger.Order{}, err
	}
	l.log.InfoContext(ctx, "order cancelled", "order_id", id, "reason", reason)
	return o, nil
}

func (l *Ledger) payments(ctx context.Context, orderID string) ([]ledger.Payment, error) {
	payments, err := l.repo.ListPayments(ctx, ledger.PaymentFilter{OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("list payments of order %s: %w", orderID, err)
	}
	return payments, nil
}
