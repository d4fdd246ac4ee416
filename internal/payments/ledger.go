// Package payments records payment attempts and guards their status
// transitions.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/numbers"
)

const maxInsertAttempts = 5

// RequestKeyField is the metadata field holding the caller's idempotency key
// of the request that opened a payment.
const RequestKeyField = "request_key"

// ErrInvalidTransition is returned when a mutation would move a payment
// backwards or out of a terminal status.
var ErrInvalidTransition = errors.New("invalid payment status transition")

// Ledger creates and updates payments.
type Ledger struct {
	repo    ledger.Repository
	numbers *numbers.Generator
	log     *slog.Logger
	nowFunc func() time.Time
	newID   func() string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.nowFunc = now } }

func WithIDs(newID func() string) Option { return func(l *Ledger) { l.newID = newID } }

func WithNumbers(g *numbers.Generator) Option { return func(l *Ledger) { l.numbers = g } }

func WithLogger(log *slog.Logger) Option { return func(l *Ledger) { l.log = log } }

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
	return l
}

// Open persists a PendingPayment of amount against order o.
func (l *Ledger) Open(ctx context.Context, o ledger.Order, method ledger.Method, amount decimal.Decimal, metadata map[string]any) (ledger.Payment, error) {
	now := l.nowFunc().UTC()
	p := ledger.Payment{
		ID:        l.newID(),
		OrderID:   o.ID,
		Method:    method,
		Status:    ledger.PaymentPending,
		Amount:    amount,
		Currency:  o.Currency,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		number, err := l.numbers.Generate(ctx, numbers.PaymentPrefix, l.repo.PaymentNumberExists)
		if err != nil {
			return ledger.Payment{}, fmt.Errorf("allocate payment number: %w", err)
		}
		p.PaymentNumber = number

		err = l.repo.InsertPayment(ctx, p)
		if errors.Is(err, ledger.ErrDuplicateNumber) {
			l.log.DebugContext(ctx, "payment number taken, regenerating", "payment_number", number)
			continue
		}
		if err != nil {
			return ledger.Payment{}, fmt.Errorf("insert payment: %w", err)
		}
		l.log.InfoContext(ctx, "payment opened",
			"payment_id", p.ID, "payment_number", p.PaymentNumber, "order_id", o.ID,
			"method", method.String(), "amount", amount.String())
		return p, nil
	}
	return ledger.Payment{}, fmt.Errorf("insert payment: %w", ledger.ErrDuplicateNumber)
}

// Update applies fn to the payment only while it is still in one of the
// expected statuses; otherwise it returns ErrStatusConflict without writing.
// A status change made by fn must be a valid forward transition.
func (l *Ledger) Update(ctx context.Context, id string, expected []ledger.PaymentStatus, fn ledger.PaymentMutation) (ledger.Snapshot, error) {
	return l.repo.UpdatePayment(ctx, id, func(s *ledger.Snapshot) error {
		prev := s.Payment.Status
		if !statusIn(prev, expected) {
			return fmt.Errorf("payment %s is %s: %w", id, prev, ledger.ErrStatusConflict)
		}
		if err := fn(s); err != nil {
			return err
		}
		if next := s.Payment.Status; next != prev && !prev.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
		}
		return nil
	})
}

// FindByRequestKey returns the payment of the order opened for request key,
// if any.
func (l *Ledger) FindByRequestKey(ctx context.Context, orderID, key string) (ledger.Payment, bool, error) {
	if key == "" {
		return ledger.Payment{}, false, nil
	}
	list, err := l.repo.ListPayments(ctx, ledger.PaymentFilter{OrderID: orderID})
	if err != nil {
		return ledger.Payment{}, false, fmt.Errorf("list payments of order %s: %w", orderID, err)
	}
	for _, p := range list {
		if v, ok := p.Metadata[RequestKeyField].(string); ok && v == key {
			return p, true, nil
		}
	}
	return ledger.Payment{}, false, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (ledger.Payment, error) {
	return l.repo.GetPayment(ctx, id)
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	return l.repo.GetPaymentByNumber(ctx, number)
}

// FindByTransactionID returns the payment carrying the provider's transaction id.
func (l *Ledger) FindByTransactionID(ctx context.Context, txnID string) (ledger.Payment, error) {
	if txnID == "" {
		return ledger.Payment{}, ledger.NewValidationError("transaction_id", "is required")
	}
	found, err := l.repo.ListPayments(ctx, ledger.PaymentFilter{TransactionID: txnID, Limit: 1})
	if err != nil {
		return ledger.Payment{}, err
	}
	if len(found) == 0 {
		return ledger.Payment{}, ledger.PaymentNotFound(txnID)
	}
	return found[0], nil
}

func (l *Ledger) List(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ledger.NewValidationError("status", fmt.Sprintf("unknown payment status %q", f.Status))
	}
	if f.Method != "" && !f.Method.Valid() {
		return nil, ledger.NewValidationError("method", fmt.Sprintf("unknown payment method %q", f.Method))
	}
	return l.repo.ListPayments(ctx, f)
}

// AppendDetails stamps ids and timestamps on new audit entries and stores them.
func (l *Ledger) AppendDetails(ctx context.Context, paymentID string, details ...ledger.PaymentDetail) error {
	if len(details) == 0 {
		return nil
	}
	now := l.nowFunc().UTC()
	out := make([]ledger.PaymentDetail, len(details))
	for i, d := range details {
		d.PaymentID = paymentID
		if d.ID == "" {
			d.ID = l.newID()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		out[i] = d
	}
	if err := l.repo.AppendDetails(ctx, out...); err != nil {
		return fmt.Errorf("append details: %w", err)
	}
	return nil
}

// Details returns the audit trail of a payment in append order.
func (l *Ledger) Details(ctx context.Context, paymentID string) ([]ledger.PaymentDetail, error) {
	if _, err := l.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return l.repo.ListDetails(ctx, paymentID)
}

func statusIn(s ledger.PaymentStatus, set []ledger.PaymentStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
