package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-payment-ledger/internal/app"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

func paymentCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Process, refund and inspect payments",
	}
	cmd.AddCommand(paymentProcessCmd(open))
	cmd.AddCommand(paymentContinueCmd(open))
	cmd.AddCommand(paymentGetCmd(open))
	cmd.AddCommand(paymentListCmd(open))
	cmd.AddCommand(paymentRefundCmd(open))
	cmd.AddCommand(paymentVerifyCmd(open))
	cmd.AddCommand(paymentDetailsCmd(open))
	return cmd
}

func parseData(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("parse --data: %w", err)
	}
	return data, nil
}

func paymentProcessCmd(open opener) *cobra.Command {
	var method, amount, data string
	cmd := &cobra.Command{
		Use:   "process [order-id]",
		Short: "Take a payment against an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("parse --amount: %w", err)
			}
			payload, err := parseData(data)
			if err != nil {
				return err
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.ProcessPayment(ctx, args[0], method, amt, payload)
			})
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "Payment method (stripe, paypal, apple_pay, google_pay, manual_check)")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount in the order currency")
	cmd.Flags().StringVar(&data, "data", "", "Method-specific payment data as a JSON object")
	_ = cmd.MarkFlagRequired("method")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func paymentContinueCmd(open opener) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:     "continue [payment-id]",
		Short:   "Resume a pending or authorized payment",
		Example: `  ledgerctl payment continue 0b4e... --data '{"approved":true}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseData(data)
			if err != nil {
				return err
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.ContinuePayment(ctx, args[0], payload)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Method-specific payment data as a JSON object")
	return cmd
}

func paymentGetCmd(open opener) *cobra.Command {
	var byNumber, byTxn bool
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if byNumber && byTxn {
				return fmt.Errorf("--number and --txn are mutually exclusive")
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				switch {
				case byNumber:
					return a.Orchestrator.GetPaymentByNumber(ctx, args[0])
				case byTxn:
					return a.Orchestrator.FindPaymentByTransactionID(ctx, args[0])
				}
				return a.Orchestrator.GetPayment(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&byNumber, "number", false, "Treat the argument as a payment number")
	cmd.Flags().BoolVar(&byTxn, "txn", false, "Treat the argument as a provider transaction id")
	return cmd
}

func paymentListCmd(open opener) *cobra.Command {
	var (
		orderID, userID, status, method string
		limit                           int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.PaymentFilter{OrderID: orderID, UserID: userID, Limit: limit}
			if status != "" {
				s, ok := ledger.ParsePaymentStatus(status)
				if !ok {
					return fmt.Errorf("unknown payment status %q", status)
				}
				f.Status = s
			}
			if method != "" {
				m, ok := ledger.NormalizeMethod(method)
				if !ok {
					return fmt.Errorf("unknown payment method %q", method)
				}
				f.Method = m
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.ListPayments(ctx, f)
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "Filter by order id")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status name or code")
	cmd.Flags().StringVarP(&method, "method", "m", "", "Filter by method name or code")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	return cmd
}

func paymentRefundCmd(open opener) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "refund [payment-id]",
		Short: "Refund a completed or captured payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amt *decimal.Decimal
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("parse --amount: %w", err)
				}
				amt = &d
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				ok, err := a.Orchestrator.RefundPayment(ctx, args[0], amt)
				if err != nil {
					return nil, err
				}
				p, err := a.Orchestrator.GetPayment(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return struct {
					Refunded bool           `json:"refunded"`
					Payment  ledger.Payment `json:"payment"`
				}{ok, p}, nil
			})
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Partial amount (defaults to the full payment)")
	return cmd
}

func paymentVerifyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [payment-id]",
		Short: "Compare a payment with the provider's view of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				v, err := a.Orchestrator.VerifyPayment(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"payment":         v.Payment,
					"remote_status":   v.RemoteStatus,
					"provider_status": v.ProviderStatus,
					"drift":           v.Drift,
					"error":           v.Error,
				}, nil
			})
		},
	}
}

func paymentDetailsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "details [payment-id]",
		Short: "Show the provider audit trail of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.PaymentDetails(ctx, args[0])
			})
		},
	}
}
