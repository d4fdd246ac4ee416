package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

var checkFields = []string{"check_number", "bank_name", "check_date", "payer_name", "memo"}

// ManualCheck records offline check payments. It is also the fallback for
// unrecognised methods. With RequireApproval set, a check stays pending until
// it is processed again with approved=true.
type ManualCheck struct {
	RequireApproval bool
}

// NewManualCheck returns the manual check adapter.
func NewManualCheck(requireApproval bool) *ManualCheck {
	return &ManualCheck{RequireApproval: requireApproval}
}

func (m *ManualCheck) Process(ctx context.Context, p ledger.Payment, data map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ref := p.TransactionID
	if ref == "" {
		if n := str(data, "check_number"); n != "" {
			ref = "CHECK-" + n
		} else {
			ref = reference("CHECK")
		}
	}

	res := Result{Success: true, TransactionID: ref, Status: ledger.PaymentCompleted}
	for _, f := range checkFields {
		if v := str(data, f); v != "" {
			res.Details = append(res.Details, detail("manual_check", f, v, nil))
		}
	}
	if m.RequireApproval && !flag(data, "approved") {
		res.Status = ledger.PaymentPending
		res.Extra = map[string]any{"awaiting_approval": true}
		return res, nil
	}
	if by := str(data, "approved_by"); by != "" {
		res.Details = append(res.Details, detail("manual_check", "approved_by", by, nil))
	}
	return res, nil
}

func (m *ManualCheck) Refund(ctx context.Context, p ledger.Payment, amount decimal.Decimal) (Result, error) {
	ref := reference("CHECKREFUND")
	return Result{
		Success:  true,
		RefundID: ref,
		Details: []ledger.PaymentDetail{
			detail("manual_check", "refund", ref, map[string]any{"amount": amount.StringFixed(2)}),
		},
	}, nil
}

func (m *ManualCheck) Verify(ctx context.Context, p ledger.Payment) (Result, error) {
	return Result{Success: true, Status: p.Status, TransactionID: p.TransactionID, RemoteStatus: "local"}, nil
}
