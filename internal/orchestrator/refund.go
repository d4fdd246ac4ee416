package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-payment-ledger/internal/events"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/metrics"
	"github.com/imrishuroy/go-payment-ledger/internal/validation"
)

var refundable = []ledger.PaymentStatus{ledger.PaymentCompleted, ledger.PaymentCaptured}

// RefundPayment refunds amount of a settled payment, or all of it when amount
// is nil. It returns false without changing anything when the payment is not
// refundable, another refund of it is in flight, or the gateway declines.
func (o *Orchestrator) RefundPayment(ctx context.Context, paymentID string, amount *decimal.Decimal) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "RefundPayment", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer span.End()

	if err := validation.Check(o.validate, validation.RefundRequest{PaymentID: paymentID, Amount: amount}); err != nil {
		spanError(span, err)
		return false, err
	}
	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		spanError(span, err)
		return false, err
	}
	if !p.CanBeRefunded() {
		o.rejectRefund(ctx, p, "not_refundable")
		return false, nil
	}
	refundAmount := p.Amount
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount.GreaterThan(p.Amount) {
		err := ledger.NewValidationError("amount", "must not exceed the payment amount "+p.Amount.StringFixed(2))
		spanError(span, err)
		return false, err
	}

	key := guardPrefix + p.ID
	token, acquired, err := o.guard.Acquire(ctx, key, o.leaseTTL)
	if err != nil {
		spanError(span, err)
		return false, err
	}
	if !acquired {
		o.rejectRefund(ctx, p, "in_flight")
		return false, nil
	}
	defer o.release(ctx, key, token)

	// Re-read under the lease; a concurrent refund may have just finished.
	if p, err = o.payments.Get(ctx, paymentID); err != nil {
		spanError(span, err)
		return false, err
	}
	if !p.CanBeRefunded() {
		o.rejectRefund(ctx, p, "not_refundable")
		return false, nil
	}

	adapter := o.gateways.Resolve(p.Method)
	callCtx, cancel := o.callCtx(ctx)
	start := time.Now()
	res, callErr := adapter.Refund(callCtx, p, refundAmount)
	cancel()
	o.metrics.Duration(ctx, metrics.GatewayLatency, time.Since(start), metrics.Dims{"method": p.Method.String(), "operation": "refund"})

	if callErr != nil || !res.Success {
		msg := res.ErrorMessage()
		if callErr != nil {
			msg = callErr.Error()
		}
		o.log.WarnContext(ctx, "refund declined", "payment_id", p.ID, "method", p.Method.String(), "error", msg)
		o.metrics.Count(ctx, metrics.RefundsRejected, metrics.Dims{"method": p.Method.String(), "reason": "gateway"})
		return false, nil
	}

	full := refundAmount.Equal(p.Amount)
	now := o.nowFunc().UTC()
	var prevOrder ledger.OrderStatus
	snap, err := o.payments.Update(ctx, p.ID, refundable, func(s *ledger.Snapshot) error {
		if s.Payment.RefundedAt != nil {
			return ledger.ErrStatusConflict
		}
		prevOrder = s.Order.Status
		s.Payment.Status = ledger.PaymentRefunded
		s.Payment.RefundedAmount = refundAmount
		stamp(&s.Payment.RefundedAt, now)
		if res.RefundID != "" {
			if s.Payment.Metadata == nil {
				s.Payment.Metadata = map[string]any{}
			}
			s.Payment.Metadata["refund_id"] = res.RefundID
		}
		s.Order.Status = orderStatusAfterRefund(s.OrderPayments(), full)
		return nil
	})

	details := append(res.Details, ledger.PaymentDetail{
		DetailType: "audit",
		Key:        "refund",
		Value:      refundAmount.StringFixed(2),
		Data:       map[string]any{"refund_id": res.RefundID, "full": full},
	})
	o.recordDetails(ctx, p.ID, details)

	if errors.Is(err, ledger.ErrStatusConflict) {
		// The provider refunded but the stored payment moved on; this needs an operator.
		o.metrics.Count(ctx, metrics.StatusConflicts, metrics.Dims{"operation": "refund"})
		o.log.ErrorContext(ctx, "refund accepted by gateway but payment changed", "payment_id", p.ID, "refund_id", res.RefundID)
		return false, nil
	}
	if err != nil {
		spanError(span, err)
		return false, err
	}

	o.log.InfoContext(ctx, "payment refunded",
		"payment_id", p.ID, "order_id", p.OrderID, "amount", refundAmount.String(), "order_status", snap.Order.Status)
	o.metrics.Count(ctx, metrics.RefundsProcessed, metrics.Dims{"method": p.Method.String()})
	at := o.nowFunc()
	e := paymentEvent(events.PaymentRefunded, snap.Order, snap.Payment, at)
	e.Amount = refundAmount
	o.publish(ctx, e)
	if snap.Order.Status != prevOrder {
		o.publish(ctx, orderEvent(events.OrderStatusChanged, snap.Order, at))
	}
	return true, nil
}

func (o *Orchestrator) rejectRefund(ctx context.Context, p ledger.Payment, reason string) {
	o.log.InfoContext(ctx, "refund rejected", "payment_id", p.ID, "status", p.Status.String(), "reason", reason)
	o.metrics.Count(ctx, metrics.RefundsRejected, metrics.Dims{"method": p.Method.String(), "reason": reason})
}

// orderStatusAfterRefund is Refunded once a full refund leaves the order with
// no settled payment, and PartiallyRefunded otherwise.
func orderStatusAfterRefund(payments []ledger.Payment, full bool) ledger.OrderStatus {
	for _, p := range payments {
		if p.Settled() {
			return ledger.OrderPartiallyRefunded
		}
	}
	if full {
		return ledger.OrderRefunded
	}
	return ledger.OrderPartiallyRefunded
}
