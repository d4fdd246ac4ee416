package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Wallet handles token-based wallet payments (Apple Pay, Google Pay). The
// device token is charged as-is; only its fingerprint is kept in the audit trail.
type Wallet struct {
	name       string
	detailType string
	refPrefix  string
}

// NewApplePay returns the Apple Pay adapter.
func NewApplePay() *Wallet {
	return &Wallet{name: "Apple Pay", detailType: "apple_pay", refPrefix: "APPLEPAY"}
}

// NewGooglePay returns the Google Pay adapter.
func NewGooglePay() *Wallet {
	return &Wallet{name: "Google Pay", detailType: "google_pay", refPrefix: "GOOGLEPAY"}
}

// Process requires data["payment_token"].
func (w *Wallet) Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	token := str(data, "payment_token")
	if token == "" {
		return Failure("%s token is required", w.name), nil
	}
	sum := sha256.Sum256([]byte(token))
	ref := reference(w.refPrefix)
	return Result{
		Success:       true,
		Status:        ledger.PaymentCompleted,
		TransactionID: ref,
		Details: []ledger.PaymentDetail{
			detail(w.detailType, "token_fingerprint", hex.EncodeToString(sum[:8]), map[string]any{
				"transaction_id": ref,
				"network":        str(data, "network"),
			}),
		},
	}, nil
}

// Refund records a wallet refund reference.
func (w *Wallet) Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ref := reference("REFUND")
	return Result{
		Success:  true,
		RefundID: ref,
		Details: []ledger.PaymentDetail{
			detail(w.detailType, "refund", ref, map[string]any{"amount": amount.StringFixed(2)}),
		},
	}, nil
}

// Verify has no remote state to consult and echoes the local status.
func (w *Wallet) Verify(ctx context.Context, p ledger.Payment) (Result, error) {
	return Result{Success: true, Status: p.Status, TransactionID: p.TransactionID, RemoteStatus: "local"}, nil
}
