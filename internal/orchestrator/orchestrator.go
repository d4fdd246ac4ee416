// Package orchestrator composes the order and payment ledgers with the
// gateway registry. It drives a payment from PendingPayment to a terminal
// status and keeps the owning order's status in step with its payments.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-payment-ledger/internal/events"
	"github.com/imrishuroy/go-payment-ledger/internal/gateway"
	"github.com/imrishuroy/go-payment-ledger/internal/idempotency"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/metrics"
	"github.com/imrishuroy/go-payment-ledger/internal/numbers"
	"github.com/imrishuroy/go-payment-ledger/internal/orders"
	"github.com/imrishuroy/go-payment-ledger/internal/payments"
	"github.com/imrishuroy/go-payment-ledger/internal/validation"
)

const (
	defaultLeaseTTL       = 30 * time.Second
	guardPrefix           = "payment:"
	orderCancelledMessage = "order is cancelled"
)

// ErrPaymentInFlight is returned by ContinuePayment when another caller is
// already dispatching the same payment.
var ErrPaymentInFlight = errors.New("payment operation already in progress")

// Orchestrator is the entry point for order and payment operations. It is
// safe for concurrent use.
type Orchestrator struct {
	repo     ledger.Repository
	orders   *orders.Ledger
	payments *payments.Ledger
	gateways *gateway.Registry
	guard    idempotency.Guard
	events   events.Publisher
	metrics  metrics.Recorder
	validate *validatorv10.Validate
	log      *slog.Logger
	tracer   trace.Tracer

	nowFunc        func() time.Time
	newID          func() string
	numbers        *numbers.Generator
	leaseTTL       time.Duration
	gatewayTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the clock used for every timestamp and generated number.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.nowFunc = now } }

// WithIDs injects the id generator for orders, payments and details.
func WithIDs(newID func() string) Option { return func(o *Orchestrator) { o.newID = newID } }

func WithNumbers(g *numbers.Generator) Option { return func(o *Orchestrator) { o.numbers = g } }

func WithLogger(log *slog.Logger) Option { return func(o *Orchestrator) { o.log = log } }

// WithGuard sets the lease used to make dispatch of one payment exclusive.
// The default is an in-process lease, which only protects a single instance.
func WithGuard(g idempotency.Guard) Option { return func(o *Orchestrator) { o.guard = g } }

func WithEvents(p events.Publisher) Option { return func(o *Orchestrator) { o.events = p } }

func WithMetrics(r metrics.Recorder) Option { return func(o *Orchestrator) { o.metrics = r } }

func WithLeaseTTL(d time.Duration) Option { return func(o *Orchestrator) { o.leaseTTL = d } }

// WithGatewayTimeout bounds every adapter call. A call that runs out of time
// is recorded like any other transport failure.
func WithGatewayTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.gatewayTimeout = d } }

// New wires an Orchestrator over repo and the gateway registry.
func New(repo ledger.Repository, gateways *gateway.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		gateways: gateways,
		events:   events.Nop{},
		metrics:  metrics.Nop{},
		log:      slog.Default(),
		tracer:   otel.Tracer("payment-orchestrator"),
		nowFunc:  time.Now,
		newID:    uuid.NewString,
		leaseTTL: defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guard == nil {
		o.guard = idempotency.NewMemoryStore(o.leaseTTL)
	}
	if o.numbers == nil {
		o.numbers = numbers.New(numbers.WithClock(o.nowFunc))
	}
	o.validate = validation.New()
	o.orders = orders.New(repo,
		orders.WithClock(o.nowFunc),
		orders.WithIDs(o.newID),
		orders.WithNumbers(o.numbers),
		orders.WithLogger(o.log),
		orders.WithValidator(o.validate),
	)
	o.payments = payments.New(repo,
		payments.WithClock(o.nowFunc),
		payments.WithIDs(o.newID),
		payments.WithNumbers(o.numbers),
		payments.WithLogger(o.log),
	)
	return o
}

// CreateOrder validates and persists a new Pending order.
func (o *Orchestrator) CreateOrder(ctx context.Context, userID string, items []ledger.LineItem, opts ledger.OrderOptions) (ledger.Order, error) {
	ctx, span := o.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	order, err := o.orders.Create(ctx, userID, items, opts)
	if err != nil {
		spanError(span, err)
		return ledger.Order{}, err
	}
	span.SetAttributes(attribute.String("order_id", order.ID))
	o.metrics.Count(ctx, metrics.OrdersCreated, metrics.Dims{"currency": order.Currency})
	o.publish(ctx, orderEvent(events.OrderCreated, order, o.nowFunc()))
	return order, nil
}

func (o *Orchestrator) GetOrder(ctx context.Context, id string) (ledger.Order, error) {
	return o.orders.Get(ctx, id)
}

func (o *Orchestrator) GetOrderByNumber(ctx context.Context, number string) (ledger.Order, error) {
	return o.orders.GetByNumber(ctx, number)
}

func (o *Orchestrator) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	return o.orders.List(ctx, f)
}

// IsPaid reports whether the settled payments of the order cover its total.
func (o *Orchestrator) IsPaid(ctx context.Context, order ledger.Order) (bool, error) {
	return o.orders.IsPaid(ctx, order)
}

// RemainingBalance is the order total minus its settled payments, never negative.
func (o *Orchestrator) RemainingBalance(ctx context.Context, order ledger.Order) (decimal.Decimal, error) {
	return o.orders.RemainingBalance(ctx, order)
}

// CancelOrder cancels an open order that has no settled payment.
func (o *Orchestrator) CancelOrder(ctx context.Context, id, reason string) (ledger.Order, error) {
	ctx, span := o.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	order, err := o.orders.Cancel(ctx, id, reason)
	if err != nil {
		spanError(span, err)
		return ledger.Order{}, err
	}
	e := orderEvent(events.OrderCancelled, order, o.nowFunc())
	e.Message = reason
	o.publish(ctx, e)
	o.cancelOpenPayments(ctx, order)
	return order, nil
}

// cancelOpenPayments moves the pending and authorized payments of a
// cancelled order to Cancelled. A payment whose dispatch is in flight is
// cancelled when its result is applied.
func (o *Orchestrator) cancelOpenPayments(ctx context.Context, order ledger.Order) {
	open, err := o.payments.List(ctx, ledger.PaymentFilter{OrderID: order.ID})
	if err != nil {
		o.log.ErrorContext(ctx, "list payments of cancelled order", "order_id", order.ID, "err", err)
		return
	}
	for _, p := range open {
		if !statusIn(p.Status, continuable) {
			continue
		}
		snap, err := o.payments.Update(ctx, p.ID, continuable, func(s *ledger.Snapshot) error {
			s.Payment.Status = ledger.PaymentCancelled
			s.Payment.ErrorMessage = orderCancelledMessage
			return nil
		})
		if errors.Is(err, ledger.ErrStatusConflict) {
			continue
		}
		if err != nil {
			o.log.ErrorContext(ctx, "cancel payment of cancelled order", "order_id", order.ID, "payment_id", p.ID, "err", err)
			continue
		}
		o.log.InfoContext(ctx, "payment cancelled with its order", "order_id", order.ID, "payment_id", p.ID)
		o.publish(ctx, paymentEvent(events.PaymentCancelled, snap.Order, snap.Payment, o.nowFunc()))
	}
}

func (o *Orchestrator) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	return o.payments.Get(ctx, id)
}

func (o *Orchestrator) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	return o.payments.GetByNumber(ctx, number)
}

func (o *Orchestrator) FindPaymentByTransactionID(ctx context.Context, txnID string) (ledger.Payment, error) {
	return o.payments.FindByTransactionID(ctx, txnID)
}

func (o *Orchestrator) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	return o.payments.List(ctx, f)
}

// PaymentDetails returns the audit trail of a payment in append order.
func (o *Orchestrator) PaymentDetails(ctx context.Context, paymentID string) ([]ledger.PaymentDetail, error) {
	return o.payments.Details(ctx, paymentID)
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(ctx, e); err != nil {
		o.log.WarnContext(ctx, "publish event failed", "type", e.Type, "order_id", e.OrderID, "err", err)
	}
}

// callCtx applies the gateway timeout, if any.
func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.gatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.gatewayTimeout)
}

func (o *Orchestrator) release(ctx context.Context, key, token string) {
	if err := o.guard.Release(context.WithoutCancel(ctx), key, token); err != nil {
		o.log.WarnContext(ctx, "release payment lease failed", "key", key, "err", err)
	}
}

func orderEvent(eventType string, order ledger.Order, at time.Time) events.Event {
	e := events.New(eventType, at)
	e.OrderID = order.ID
	e.OrderNumber = order.OrderNumber
	e.OrderStatus = string(order.Status)
	e.Amount = order.Total
	e.Currency = order.Currency
	return e
}

func paymentEvent(eventType string, order ledger.Order, p ledger.Payment, at time.Time) events.Event {
	e := orderEvent(eventType, order, at)
	e.PaymentID = p.ID
	e.PaymentNumber = p.PaymentNumber
	e.PaymentStatus = string(p.Status)
	e.Method = p.Method.String()
	e.Amount = p.Amount
	e.Currency = p.Currency
	return e
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
