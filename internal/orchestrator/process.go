package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-payment-ledger/internal/events"
	"github.com/imrishuroy/go-payment-ledger/internal/gateway"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/metrics"
	"github.com/imrishuroy/go-payment-ledger/internal/payments"
	"github.com/imrishuroy/go-payment-ledger/internal/validation"
)

// continuable are the statuses a payment can be dispatched from.
var continuable = []ledger.PaymentStatus{ledger.PaymentPending, ledger.PaymentAuthorized}

// ProcessPayment records a PendingPayment of amount against the order and
// dispatches it to the adapter for method. A gateway decline or transport
// failure is recorded on the returned payment as Failed and is not an error;
// only validation, lookup and storage failures are returned as errors.
func (o *Orchestrator) ProcessPayment(ctx context.Context, orderID, method string, amount decimal.Decimal, data map[string]any) (ledger.Payment, error) {
	return o.processPayment(ctx, "", orderID, method, amount, data)
}

// ProcessPaymentOnce is ProcessPayment for retried requests. The payment it
// opens is tagged with requestKey; a later call with the same key resumes
// that payment instead of opening and charging another one.
func (o *Orchestrator) ProcessPaymentOnce(ctx context.Context, requestKey, orderID, method string, amount decimal.Decimal, data map[string]any) (ledger.Payment, error) {
	if requestKey == "" {
		return ledger.Payment{}, ledger.NewValidationError("request_key", "is required")
	}
	return o.processPayment(ctx, requestKey, orderID, method, amount, data)
}

func (o *Orchestrator) processPayment(ctx context.Context, requestKey, orderID, method string, amount decimal.Decimal, data map[string]any) (ledger.Payment, error) {
	ctx, span := o.tracer.Start(ctx, "ProcessPayment", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("method", method),
	))
	defer span.End()

	req := validation.ProcessPaymentRequest{OrderID: orderID, Method: method, Amount: amount, Data: data}
	if err := validation.Check(o.validate, req); err != nil {
		spanError(span, err)
		return ledger.Payment{}, err
	}

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		spanError(span, err)
		return ledger.Payment{}, err
	}
	if order.Status == ledger.OrderCancelled {
		err := ledger.NewValidationError("order_id", orderCancelledMessage)
		spanError(span, err)
		return ledger.Payment{}, err
	}

	if requestKey != "" {
		prior, found, err := o.payments.FindByRequestKey(ctx, orderID, requestKey)
		if err != nil {
			spanError(span, err)
			return ledger.Payment{}, err
		}
		if found {
			return o.resume(ctx, prior, data)
		}
	}

	m, ok := ledger.NormalizeMethod(method)
	meta := map[string]any{}
	if !ok {
		o.log.WarnContext(ctx, "unknown payment method, falling back to manual check",
			"order_id", orderID, "method", method)
		o.metrics.Count(ctx, metrics.MethodFallbacks, metrics.Dims{"requested": method})
		meta["requested_method"] = method
	}
	if requestKey != "" {
		meta[payments.RequestKeyField] = requestKey
	}
	if len(meta) == 0 {
		meta = nil
	}

	p, err := o.payments.Open(ctx, order, m, amount, meta)
	if err != nil {
		spanError(span, err)
		return ledger.Payment{}, err
	}
	span.SetAttributes(attribute.String("payment_id", p.ID))
	o.publish(ctx, paymentEvent(events.PaymentPending, order, p, o.nowFunc()))

	out, err := o.dispatch(ctx, p, data)
	if errors.Is(err, ErrPaymentInFlight) {
		// A fresh payment cannot be contended; whoever holds it will finish it.
		return p, nil
	}
	if err != nil {
		spanError(span, err)
		return p, err
	}
	return out, nil
}

// resume finishes a payment opened by an earlier attempt of the same request.
// The adapter sees the same payment again, so a provider charge keyed on the
// payment is not repeated.
func (o *Orchestrator) resume(ctx context.Context, p ledger.Payment, data map[string]any) (ledger.Payment, error) {
	o.log.InfoContext(ctx, "resuming payment of a repeated request",
		"payment_id", p.ID, "order_id", p.OrderID, "status", p.Status.String())
	if !statusIn(p.Status, continuable) {
		return p, nil
	}
	out, err := o.dispatch(ctx, p, data)
	if errors.Is(err, ErrPaymentInFlight) {
		return p, nil
	}
	return out, err
}

// ContinuePayment dispatches a PendingPayment or Authorized payment to its
// adapter again, for example after a PayPal approval or a manual check
// approval.
func (o *Orchestrator) ContinuePayment(ctx context.Context, paymentID string, data map[string]any) (ledger.Payment, error) {
	ctx, span := o.tracer.Start(ctx, "ContinuePayment", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer span.End()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		spanError(span, err)
		return ledger.Payment{}, err
	}
	if !statusIn(p.Status, continuable) {
		err := ledger.NewValidationError("payment_id", fmt.Sprintf("payment is %s and cannot be continued", p.Status))
		spanError(span, err)
		return p, err
	}
	order, err := o.orders.Get(ctx, p.OrderID)
	if err != nil {
		spanError(span, err)
		return p, err
	}
	if order.Status == ledger.OrderCancelled {
		err := ledger.NewValidationError("order_id", orderCancelledMessage)
		spanError(span, err)
		return p, err
	}
	out, err := o.dispatch(ctx, p, data)
	if err != nil {
		spanError(span, err)
		return p, err
	}
	return out, nil
}

// dispatch holds the payment lease around one adapter Process call and
// applies its result. No repository lock is held during the call.
func (o *Orchestrator) dispatch(ctx context.Context, p ledger.Payment, data map[string]any) (ledger.Payment, error) {
	key := guardPrefix + p.ID
	token, acquired, err := o.guard.Acquire(ctx, key, o.leaseTTL)
	if err != nil {
		return p, fmt.Errorf("acquire payment lease: %w", err)
	}
	if !acquired {
		return p, ErrPaymentInFlight
	}
	defer o.release(ctx, key, token)

	// The lease may have been taken right after another holder finished.
	cur, err := o.payments.Get(ctx, p.ID)
	if err != nil {
		return p, err
	}
	if !statusIn(cur.Status, continuable) {
		return cur, nil
	}

	adapter := o.gateways.Resolve(cur.Method)
	callCtx, cancel := o.callCtx(ctx)
	start := time.Now()
	res, callErr := adapter.Process(callCtx, cur, data)
	cancel()
	o.metrics.Duration(ctx, metrics.GatewayLatency, time.Since(start), metrics.Dims{"method": cur.Method.String(), "operation": "process"})

	return o.applyProcessResult(ctx, cur, res, callErr)
}

func (o *Orchestrator) applyProcessResult(ctx context.Context, p ledger.Payment, res gateway.Result, callErr error) (ledger.Payment, error) {
	success := callErr == nil && res.Success
	message := ""
	if !success {
		message = res.ErrorMessage()
		if callErr != nil {
			message = callErr.Error()
		}
	}

	now := o.nowFunc().UTC()
	var (
		prevOrder ledger.OrderStatus
		cancelled bool
	)
	snap, err := o.payments.Update(ctx, p.ID, []ledger.PaymentStatus{p.Status}, func(s *ledger.Snapshot) error {
		prevOrder = s.Order.Status
		cancelled = false
		if s.Order.Status == ledger.OrderCancelled {
			// The order was cancelled while the adapter call was in flight.
			cancelled = true
			s.Payment.Status = ledger.PaymentCancelled
			s.Payment.ErrorMessage = orderCancelledMessage
			if res.TransactionID != "" {
				s.Payment.TransactionID = res.TransactionID
			}
			return nil
		}
		if !success {
			s.Payment.Status = ledger.PaymentFailed
			s.Payment.ErrorMessage = message
			return nil
		}
		applySuccess(&s.Payment, res, now)
		s.Order.Status = orderStatusAfterPayment(s.Order, s.OrderPayments())
		return nil
	})

	o.recordDetails(ctx, p.ID, append(res.Details, processAudit(res, success, message)))

	if errors.Is(err, ledger.ErrStatusConflict) {
		o.metrics.Count(ctx, metrics.StatusConflicts, metrics.Dims{"operation": "process"})
		o.log.WarnContext(ctx, "payment changed while dispatching, keeping stored status", "payment_id", p.ID)
		return o.payments.Get(ctx, p.ID)
	}
	if err != nil {
		return p, fmt.Errorf("record payment result: %w", err)
	}

	paid := snap.Payment
	at := o.nowFunc()
	switch {
	case cancelled:
		o.log.WarnContext(ctx, "payment result arrived after its order was cancelled",
			"payment_id", paid.ID, "order_id", paid.OrderID, "gateway_success", success, "transaction_id", res.TransactionID)
		o.metrics.Count(ctx, metrics.StatusConflicts, metrics.Dims{"operation": "process_cancelled_order"})
		e := paymentEvent(events.PaymentCancelled, snap.Order, paid, at)
		e.Message = orderCancelledMessage
		o.publish(ctx, e)
	case !success:
		o.log.WarnContext(ctx, "payment failed",
			"payment_id", paid.ID, "order_id", paid.OrderID, "method", paid.Method.String(), "error", message)
		o.metrics.Count(ctx, metrics.PaymentsFailed, metrics.Dims{"method": paid.Method.String()})
		e := paymentEvent(events.PaymentFailed, snap.Order, paid, at)
		e.Message = message
		o.publish(ctx, e)
	case paid.Settled():
		o.log.InfoContext(ctx, "payment settled",
			"payment_id", paid.ID, "order_id", paid.OrderID, "status", paid.Status.String(), "order_status", snap.Order.Status)
		o.metrics.Count(ctx, metrics.PaymentsProcessed, metrics.Dims{"method": paid.Method.String(), "status": paid.Status.String()})
		o.publish(ctx, paymentEvent(events.PaymentSettled, snap.Order, paid, at))
	default:
		o.log.InfoContext(ctx, "payment awaiting completion",
			"payment_id", paid.ID, "order_id", paid.OrderID, "status", paid.Status.String())
		o.metrics.Count(ctx, metrics.PaymentsProcessed, metrics.Dims{"method": paid.Method.String(), "status": paid.Status.String()})
		o.publish(ctx, paymentEvent(events.PaymentPending, snap.Order, paid, at))
	}
	if snap.Order.Status != prevOrder {
		o.publish(ctx, orderEvent(events.OrderStatusChanged, snap.Order, at))
	}
	return paid, nil
}

// applySuccess moves the payment to the status the adapter reported, or
// Completed when it reported none. A status the payment cannot move to is
// ignored so a lagging provider never rolls a payment back.
func applySuccess(p *ledger.Payment, res gateway.Result, now time.Time) {
	next := res.Status
	if next == "" {
		next = ledger.PaymentCompleted
	}
	if p.Status.CanTransitionTo(next) {
		p.Status = next
	}
	switch p.Status {
	case ledger.PaymentAuthorized:
		stamp(&p.AuthorizedAt, now)
	case ledger.PaymentCaptured:
		stamp(&p.AuthorizedAt, now)
		stamp(&p.CapturedAt, now)
	case ledger.PaymentCompleted:
		stamp(&p.CompletedAt, now)
	}
	if res.TransactionID != "" {
		p.TransactionID = res.TransactionID
	}
	if res.AuthorizationCode != "" {
		p.AuthorizationCode = res.AuthorizationCode
	}
	p.ErrorMessage = ""
	if len(res.Extra) > 0 || res.ApprovalURL != "" {
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		for k, v := range res.Extra {
			p.Metadata[k] = v
		}
		if res.ApprovalURL != "" {
			p.Metadata["approval_url"] = res.ApprovalURL
		}
	}
}

// orderStatusAfterPayment completes an order once its settled payments cover
// the total, and marks a Pending order Processing on any other success.
func orderStatusAfterPayment(order ledger.Order, all []ledger.Payment) ledger.OrderStatus {
	switch order.Status {
	case ledger.OrderPending, ledger.OrderProcessing, ledger.OrderPartiallyRefunded:
		if ledger.IsPaid(order, all) {
			return ledger.OrderCompleted
		}
		if order.Status == ledger.OrderPending {
			return ledger.OrderProcessing
		}
	}
	return order.Status
}

func processAudit(res gateway.Result, success bool, message string) ledger.PaymentDetail {
	data := map[string]any{"success": success}
	if res.Status != "" {
		data["status"] = string(res.Status)
	}
	if res.TransactionID != "" {
		data["transaction_id"] = res.TransactionID
	}
	if message != "" {
		data["error"] = message
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	return ledger.PaymentDetail{DetailType: "audit", Key: "process", Value: outcome, Data: data}
}

// recordDetails appends audit entries. The payment write has already
// happened, so a failure here is logged and not returned.
func (o *Orchestrator) recordDetails(ctx context.Context, paymentID string, details []ledger.PaymentDetail) {
	if err := o.payments.AppendDetails(ctx, paymentID, details...); err != nil {
		o.log.ErrorContext(ctx, "append payment details failed", "payment_id", paymentID, "err", err)
	}
}

func stamp(t **time.Time, now time.Time) {
	if *t == nil {
		n := now
		*t = &n
	}
}

func statusIn(s ledger.PaymentStatus, set []ledger.PaymentStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
