package app

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-ledger/internal/config"
	"github.com/imrishuroy/go-payment-ledger/internal/gateway"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		ServiceName: "payment-ledger",
		LogLevel:    "error",
		Store:       config.BackendMemory,
		Guard:       config.BackendMemory,
		Events:      config.BackendNone,
		Metrics:     config.BackendNone,
		Gateway:     config.GatewayConfig{Mode: config.GatewaySandbox},
		Payments: config.PaymentsConfig{
			LeaseTTL:       time.Second,
			CommandLease:   time.Minute,
			GatewayTimeout: time.Second,
		},
	}
}

func TestBuild_MemoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig(), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	require.NotNil(t, a.Commands)

	o, err := a.Orchestrator.CreateOrder(ctx, "u-1", []ledger.LineItem{
		{ItemType: "product", ItemName: "Widget", Quantity: 1, UnitPrice: decimal.RequireFromString("12.00")},
	}, ledger.OrderOptions{})
	require.NoError(t, err)

	p, err := a.Orchestrator.ProcessPayment(ctx, o.ID, "stripe", o.Total, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCompleted, p.Status)

	ok, err := a.Orchestrator.RefundPayment(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuild_SharesOneClock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	a, err := Build(ctx, memoryConfig(), io.Discard, WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	o, err := a.Orchestrator.CreateOrder(ctx, "u-1", []ledger.LineItem{
		{ItemType: "product", ItemName: "Widget", Quantity: 1, UnitPrice: decimal.RequireFromString("12.00")},
	}, ledger.OrderOptions{})
	require.NoError(t, err)
	p, err := a.Orchestrator.ProcessPayment(ctx, o.ID, "stripe", o.Total, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentCompleted, p.Status)

	stored, err := a.Orchestrator.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, at, stored.UpdatedAt.UTC(), "repository writes use the injected clock")
	assert.Equal(t, at, p.UpdatedAt.UTC())
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, at, p.CompletedAt.UTC())

	rec, started, err := a.Commands.Begin(ctx, "cmd-1", "process_payment")
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, at, rec.CreatedAt.UTC())
}

func TestBuild_WarnsAboutUnavailableGateways(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.LogLevel = "warn"
	cfg.Gateway = config.GatewayConfig{Mode: config.GatewayUnconfigured}

	var logs bytes.Buffer
	a, err := Build(ctx, cfg, &logs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	assert.Contains(t, logs.String(), `"method":"stripe"`)
	assert.Contains(t, logs.String(), `"method":"paypal"`)
	assert.NotContains(t, logs.String(), `"method":"apple_pay"`)
}

func TestGateways(t *testing.T) {
	ctx := context.Background()
	pay := ledger.Payment{ID: "p-1", PaymentNumber: "PAY-1", Amount: decimal.NewFromInt(5), Currency: "USD"}

	reg, err := Gateways(config.GatewayConfig{Mode: config.GatewayUnconfigured})
	require.NoError(t, err)
	res, err := reg.Resolve(ledger.MethodStripe).Process(ctx, pay, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "stripe gateway is not configured", res.Error)
	assert.IsType(t, &gateway.ManualCheck{}, reg.Resolve(ledger.MethodManualCheck))

	reg, err = Gateways(config.GatewayConfig{Mode: config.GatewaySandbox, Disabled: []string{"google-pay"}})
	require.NoError(t, err)
	assert.IsType(t, &gateway.Stripe{}, reg.Resolve(ledger.MethodStripe))
	assert.Equal(t, gateway.Unconfigured{Method: ledger.MethodGooglePay}, reg.Resolve(ledger.MethodGooglePay))

	_, err = Gateways(config.GatewayConfig{Mode: config.GatewaySandbox, Disabled: []string{"bitcoin"}})
	assert.Error(t, err)
}

func TestBuild_PostgresUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = config.BackendPostgres
	cfg.Postgres.URL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"

	_, err := Build(context.Background(), cfg, io.Discard)
	assert.Error(t, err)
}
