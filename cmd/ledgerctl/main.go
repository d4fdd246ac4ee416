package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-payment-ledger/internal/app"
	"github.com/imrishuroy/go-payment-ledger/internal/config"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the payment ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEDGER_CONFIG"), "Path to a YAML config file")

	open := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		// logs go to stderr so stdout stays parseable JSON
		return app.Build(ctx, cfg, os.Stderr)
	}

	root.AddCommand(orderCmd(open))
	root.AddCommand(paymentCmd(open))
	return root
}

type opener func(ctx context.Context) (*app.App, error)

// run builds the app, hands it to fn and closes it afterwards.
func (open opener) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
