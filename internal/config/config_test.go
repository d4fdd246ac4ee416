package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("ORDERS_TABLE", "")
	t.Setenv("KAFKA_ADDR", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store)
	assert.Equal(t, BackendMemory, cfg.Guard)
	assert.Equal(t, BackendNone, cfg.Events)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "orders", cfg.Dynamo.OrdersTable)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Payments.LeaseTTL)
	assert.Equal(t, 48*time.Hour, cfg.Payments.IdempotencyTTL)
	assert.Equal(t, GatewaySandbox, cfg.Gateway.Mode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("ORDERS_TABLE", "orders-prod")
	t.Setenv("KAFKA_ADDR", "k1:9092,k2:9092")
	t.Setenv("PAYMENT_LEASE_TTL", "45s")
	t.Setenv("LEDGER_STORE", "postgres")
	t.Setenv("PG_URL", "postgres://ledger@db/ledger")
	t.Setenv("PG_AUTO_MIGRATE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "orders-prod", cfg.Dynamo.OrdersTable)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Second, cfg.Payments.LeaseTTL)
	assert.Equal(t, BackendPostgres, cfg.Store)
	assert.Equal(t, "postgres://ledger@db/ledger", cfg.Postgres.URL)
	assert.True(t, cfg.Postgres.AutoMigrate)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: dynamo
guard: redis
events: kafka
gateway:
  manual_check_requires_approval: true
  disabled: [paypal]
redis:
  addr: cache:6379
`), 0o600))

	t.Setenv("LEDGER_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendDynamo, cfg.Store)
	assert.Equal(t, BackendRedis, cfg.Guard)
	assert.Equal(t, BackendKafka, cfg.Events)
	assert.True(t, cfg.Gateway.ManualCheckRequiresApproval)
	assert.Equal(t, []string{"paypal"}, cfg.Gateway.Disabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("LEDGER_STORE", "mongo")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store must be one of")
}

func TestLoad_PostgresNeedsURL(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("LEDGER_STORE", "postgres")
	t.Setenv("PG_URL", "")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
