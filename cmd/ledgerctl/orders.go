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

func orderCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Create and inspect orders",
	}
	cmd.AddCommand(orderCreateCmd(open))
	cmd.AddCommand(orderGetCmd(open))
	cmd.AddCommand(orderListCmd(open))
	cmd.AddCommand(orderCancelCmd(open))
	return cmd
}

func orderCreateCmd(open opener) *cobra.Command {
	var (
		userID, items, currency string
		shipping, discount, tax string
		customerNotes           string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order from a JSON array of line items",
		Example: `  ledgerctl order create --user u-1 \
    --items '[{"item_type":"product","item_name":"Widget","quantity":2,"unit_price":"12.00"}]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var lines []ledger.LineItem
			if err := json.Unmarshal([]byte(items), &lines); err != nil {
				return fmt.Errorf("parse --items: %w", err)
			}
			opts := ledger.OrderOptions{Currency: currency, CustomerNotes: customerNotes}
			amounts := []struct {
				flag, raw string
				dst       *decimal.Decimal
			}{
				{"shipping", shipping, &opts.Shipping},
				{"discount", discount, &opts.Discount},
				{"tax", tax, &opts.Tax},
			}
			for _, amt := range amounts {
				if amt.raw == "" {
					continue
				}
				d, err := decimal.NewFromString(amt.raw)
				if err != nil {
					return fmt.Errorf("parse --%s: %w", amt.flag, err)
				}
				*amt.dst = d
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.CreateOrder(ctx, userID, lines, opts)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&items, "items", "", "Line items as a JSON array")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO currency code (default from config)")
	cmd.Flags().StringVar(&shipping, "shipping", "", "Order-level shipping amount")
	cmd.Flags().StringVar(&discount, "discount", "", "Order-level discount amount")
	cmd.Flags().StringVar(&tax, "tax", "", "Order-level tax amount")
	cmd.Flags().StringVar(&customerNotes, "notes", "", "Customer notes")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func orderGetCmd(open opener) *cobra.Command {
	var byNumber bool
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show an order with its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				var (
					o   ledger.Order
					err error
				)
				if byNumber {
					o, err = a.Orchestrator.GetOrderByNumber(ctx, args[0])
				} else {
					o, err = a.Orchestrator.GetOrder(ctx, args[0])
				}
				if err != nil {
					return nil, err
				}
				paid, err := a.Orchestrator.IsPaid(ctx, o)
				if err != nil {
					return nil, err
				}
				remaining, err := a.Orchestrator.RemainingBalance(ctx, o)
				if err != nil {
					return nil, err
				}
				return struct {
					ledger.Order
					Paid      bool            `json:"paid"`
					Remaining decimal.Decimal `json:"remaining_balance"`
				}{o, paid, remaining}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&byNumber, "number", false, "Treat the argument as an order number")
	return cmd
}

func orderListCmd(open opener) *cobra.Command {
	var (
		userID, status string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.OrderFilter{UserID: userID, Status: ledger.OrderStatus(status), Limit: limit}
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown order status %q", status)
			}
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.ListOrders(ctx, f)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, PROCESSING, ...)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	return cmd
}

func orderCancelCmd(open opener) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an open order with no settled payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Orchestrator.CancelOrder(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the order")
	return cmd
}
