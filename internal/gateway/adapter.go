// Package gateway defines the contract between the ledger and external
// payment providers, and the registry that selects a provider per method.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// DefaultFailureMessage is recorded when a provider declines without a reason.
const DefaultFailureMessage = "Payment processing failed"

// Adapter talks to one payment provider. A returned error means the provider
// could not be reached; a declined operation is a Result with Success=false.
type Adapter interface {
	Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error)
	Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error)
	Verify(ctx context.Context, p ledger.Payment) (Result, error)
}

// Result is the outcome of an adapter call.
type Result struct {
	Success           bool
	Status            ledger.PaymentStatus // empty means "use the default for the operation"
	TransactionID     string
	AuthorizationCode string
	RefundID          string
	ApprovalURL       string
	RemoteStatus      string // provider's own status string, set by Verify
	Error             string
	Details           []ledger.PaymentDetail
	Extra             map[string]any
}

// Failure builds a declined Result.
func Failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// ErrorMessage returns the provider message, or the default when it is empty.
func (r Result) ErrorMessage() string {
	if r.Error == "" {
		return DefaultFailureMessage
	}
	return r.Error
}

func detail(detailType, key, value string, data map[string]any) ledger.PaymentDetail {
	return ledger.PaymentDetail{
		DetailType: detailType,
		Key:        key,
		Value:      value,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}

// reference returns a provider-style reference such as "APPLEPAY-3F2A...".
func reference(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(id[:16])
}

func str(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

func flag(data map[string]any, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	}
	return false
}

// minorUnits converts an amount to the provider's integer minor unit (cents).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
