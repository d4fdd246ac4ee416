package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-payment-ledger/internal/events"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/metrics"
)

// Verification compares a stored payment with the provider's view of it.
type Verification struct {
	Payment        ledger.Payment
	RemoteStatus   ledger.PaymentStatus // empty when the provider could not say
	ProviderStatus string
	Drift          bool
	Error          string
}

// VerifyPayment asks the payment's adapter for its current status. A
// mismatch is reported as Drift and logged; nothing is changed on the
// payment besides an audit entry.
func (o *Orchestrator) VerifyPayment(ctx context.Context, paymentID string) (Verification, error) {
	ctx, span := o.tracer.Start(ctx, "VerifyPayment", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer span.End()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		spanError(span, err)
		return Verification{}, err
	}

	callCtx, cancel := o.callCtx(ctx)
	res, callErr := o.gateways.Resolve(p.Method).Verify(callCtx, p)
	cancel()

	v := Verification{Payment: p}
	switch {
	case callErr != nil:
		v.Error = callErr.Error()
	case !res.Success:
		v.Error = res.ErrorMessage()
	default:
		v.RemoteStatus = res.Status
		v.ProviderStatus = res.RemoteStatus
		v.Drift = drifted(p.Status, res.Status)
	}

	o.recordDetails(ctx, p.ID, []ledger.PaymentDetail{{
		DetailType: "reconciliation",
		Key:        "verify",
		Value:      v.ProviderStatus,
		Data: map[string]any{
			"local_status":  string(p.Status),
			"remote_status": string(v.RemoteStatus),
			"drift":         v.Drift,
			"error":         v.Error,
		},
	}})

	if v.Drift {
		o.log.WarnContext(ctx, "payment drift detected",
			"payment_id", p.ID, "local_status", p.Status.String(), "remote_status", v.RemoteStatus.String(), "provider_status", v.ProviderStatus)
		o.metrics.Count(ctx, metrics.VerificationDrift, metrics.Dims{"method": p.Method.String()})
		order, err := o.orders.Get(ctx, p.OrderID)
		if err != nil {
			order = ledger.Order{ID: p.OrderID}
		}
		e := paymentEvent(events.PaymentDrift, order, p, o.nowFunc())
		e.Message = "remote status " + v.RemoteStatus.String()
		o.publish(ctx, e)
	}
	return v, nil
}

// drifted treats Captured and Completed as the same settled state, and does
// not flag a locally refunded payment that the provider still reports settled.
func drifted(local, remote ledger.PaymentStatus) bool {
	if remote == "" || local == remote {
		return false
	}
	settled := func(s ledger.PaymentStatus) bool {
		return s == ledger.PaymentCompleted || s == ledger.PaymentCaptured
	}
	if settled(local) && settled(remote) {
		return false
	}
	if local == ledger.PaymentRefunded && settled(remote) {
		return false
	}
	return true
}
