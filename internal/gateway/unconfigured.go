package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Unconfigured stands in for a provider whose credentials are not set. Every
// call declines, so payments against it end up Failed rather than silently
// routed elsewhere.
type Unconfigured struct {
	Method ledger.Method
}

func (u Unconfigured) Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error) {
	return u.fail(), nil
}

func (u Unconfigured) Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error) {
	return u.fail(), nil
}

func (u Unconfigured) Verify(ctx context.Context, p ledger.Payment) (Result, error) {
	return u.fail(), nil
}

func (u Unconfigured) fail() Result {
	return Failure("%s gateway is not configured", u.Method)
}
