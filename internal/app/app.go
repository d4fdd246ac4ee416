// Package app builds the orchestrator and its backends from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-payment-ledger/internal/aws"
	"github.com/imrishuroy/go-payment-ledger/internal/config"
	"github.com/imrishuroy/go-payment-ledger/internal/events"
	"github.com/imrishuroy/go-payment-ledger/internal/gateway"
	"github.com/imrishuroy/go-payment-ledger/internal/idempotency"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
	"github.com/imrishuroy/go-payment-ledger/internal/metrics"
	"github.com/imrishuroy/go-payment-ledger/internal/orchestrator"
	"github.com/imrishuroy/go-payment-ledger/internal/store/dynamo"
	"github.com/imrishuroy/go-payment-ledger/internal/store/memory"
	"github.com/imrishuroy/go-payment-ledger/internal/store/postgres"
	"github.com/imrishuroy/go-payment-ledger/internal/telemetry"
)

// App holds the wired orchestrator plus everything that must be closed with it.
type App struct {
	Config       *config.Config
	Log          *slog.Logger
	Orchestrator *orchestrator.Orchestrator
	// Commands tracks queue commands so redeliveries run once.
	Commands idempotency.Store

	clients *aws.AWSClients
	closers []func(context.Context) error
	nowFunc func() time.Time
}

// Option configures Build.
type Option func(*App)

// WithClock sets the one clock shared by the orchestrator, the repository and
// the idempotency stores.
func WithClock(now func() time.Time) Option { return func(a *App) { a.nowFunc = now } }

// Build wires every component selected by cfg. Logs go to logOut.
func Build(ctx context.Context, cfg *config.Config, logOut io.Writer, opts ...Option) (*App, error) {
	if logOut == nil {
		logOut = os.Stdout
	}
	a := &App{Config: cfg, Log: telemetry.NewLogger(logOut, cfg.LogLevel), nowFunc: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	slog.SetDefault(a.Log)

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerSettings{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTel.Endpoint,
		Environment: cfg.Environment,
		SampleRatio: cfg.OTel.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(shutdown)

	repo, err := a.repository(ctx)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	guard, err := a.guard(ctx)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	recorder, err := a.recorder(ctx)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	registry, err := Gateways(cfg.Gateway)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	for _, m := range registry.Unavailable() {
		a.Log.Warn("payment method has no live gateway; payments will decline or need manual approval", "method", m.String())
	}

	a.Orchestrator = orchestrator.New(repo, registry,
		orchestrator.WithClock(a.nowFunc),
		orchestrator.WithLogger(a.Log),
		orchestrator.WithGuard(guard),
		orchestrator.WithEvents(publisher),
		orchestrator.WithMetrics(recorder),
		orchestrator.WithLeaseTTL(cfg.Payments.LeaseTTL),
		orchestrator.WithGatewayTimeout(cfg.Payments.GatewayTimeout),
	)

	a.Log.Info("ledger ready",
		"store", cfg.Store, "guard", cfg.Guard, "events", cfg.Events, "metrics", cfg.Metrics, "gateway_mode", cfg.Gateway.Mode)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

func (a *App) fail(ctx context.Context, err error) error {
	_ = a.Close(ctx)
	return err
}

// awsClients loads the AWS clients on first use.
func (a *App) awsClients(ctx context.Context) (*aws.AWSClients, error) {
	if a.clients != nil {
		return a.clients, nil
	}
	clients, err := aws.NewAWSClients(ctx, aws.Settings{
		Region:           a.Config.AWS.Region,
		EndpointOverride: a.Config.AWS.EndpointOverride,
	})
	if err != nil {
		return nil, err
	}
	a.clients = clients
	return clients, nil
}

func (a *App) repository(ctx context.Context) (ledger.Repository, error) {
	cfg := a.Config
	switch cfg.Store {
	case config.BackendDynamo:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		return dynamo.New(clients.DynamoDB, dynamo.Tables{
			Orders:   cfg.Dynamo.OrdersTable,
			Payments: cfg.Dynamo.PaymentsTable,
			Details:  cfg.Dynamo.DetailsTable,
			Keys:     cfg.Dynamo.KeysTable,
		}, dynamo.WithClock(a.nowFunc)), nil
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		s := postgres.New(pool, postgres.WithClock(a.nowFunc))
		if cfg.Postgres.AutoMigrate {
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		return memory.New(memory.WithClock(a.nowFunc)), nil
	}
}

// guard also decides where queue commands are tracked: in DynamoDB when the
// guard is, in process otherwise.
func (a *App) guard(ctx context.Context) (idempotency.Guard, error) {
	cfg := a.Config
	switch cfg.Guard {
	case config.BackendDynamo:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		s := idempotency.NewDynamoStore(clients.DynamoDB, cfg.Dynamo.IdempotencyTable, cfg.Payments.IdempotencyTTL, cfg.Payments.CommandLease,
			idempotency.WithClock(a.nowFunc))
		a.Commands = s
		return s, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.onClose(func(context.Context) error { return rdb.Close() })
		a.Commands = idempotency.NewMemoryStore(cfg.Payments.CommandLease, idempotency.WithClock(a.nowFunc))
		return idempotency.NewRedisGuard(rdb, cfg.Redis.Prefix), nil
	default:
		s := idempotency.NewMemoryStore(cfg.Payments.CommandLease, idempotency.WithClock(a.nowFunc))
		a.Commands = s
		return s, nil
	}
}

func (a *App) publisher(ctx context.Context) (events.Publisher, error) {
	cfg := a.Config
	switch cfg.Events {
	case config.BackendSQS:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		return events.NewSQSPublisher(aws.NewPublisher(clients.SQS, cfg.SQS.EventsQueueURL)), nil
	case config.BackendKafka:
		w := events.NewWriter(cfg.Kafka.Brokers)
		a.onClose(func(context.Context) error { return w.Close() })
		return events.NewKafkaPublisher(w, cfg.Kafka.Topic), nil
	default:
		return events.Nop{}, nil
	}
}

func (a *App) recorder(ctx context.Context) (metrics.Recorder, error) {
	if a.Config.Metrics != config.BackendCloudWatch {
		return metrics.Nop{}, nil
	}
	clients, err := a.awsClients(ctx)
	if err != nil {
		return nil, err
	}
	return metrics.NewCloudWatch(clients.CloudWatch, a.Config.CloudWatch.Namespace, a.Log), nil
}

// Gateways builds the registry for a gateway mode. Sandbox mode uses the
// in-process Stripe and PayPal fakes; unconfigured mode declines card and
// PayPal payments. Disabled methods always decline.
func Gateways(cfg config.GatewayConfig) (*gateway.Registry, error) {
	adapters := map[ledger.Method]gateway.Adapter{
		ledger.MethodApplePay:    gateway.NewApplePay(),
		ledger.MethodGooglePay:   gateway.NewGooglePay(),
		ledger.MethodManualCheck: gateway.NewManualCheck(cfg.ManualCheckRequiresApproval),
	}
	if cfg.Mode == config.GatewaySandbox {
		adapters[ledger.MethodStripe] = gateway.NewStripe(gateway.NewSandboxStripe())
		adapters[ledger.MethodPayPal] = gateway.NewPayPal(gateway.NewSandboxPayPal())
	} else {
		adapters[ledger.MethodStripe] = gateway.Unconfigured{Method: ledger.MethodStripe}
		adapters[ledger.MethodPayPal] = gateway.Unconfigured{Method: ledger.MethodPayPal}
	}
	for _, token := range cfg.Disabled {
		m, ok := ledger.NormalizeMethod(token)
		if !ok {
			return nil, fmt.Errorf("gateway.disabled: unknown method %q", strings.TrimSpace(token))
		}
		adapters[m] = gateway.Unconfigured{Method: m}
	}
	return gateway.NewRegistry(adapters)
}
