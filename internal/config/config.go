// Package config loads ledger settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory     = "memory"
	BackendDynamo     = "dynamo"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendNone       = "none"
	BackendSQS        = "sqs"
	BackendKafka      = "kafka"
	BackendCloudWatch = "cloudwatch"

	GatewaySandbox      = "sandbox"
	GatewayUnconfigured = "unconfigured"
)

type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Store   string `mapstructure:"store"`
	Guard   string `mapstructure:"guard"`
	Events  string `mapstructure:"events"`
	Metrics string `mapstructure:"metrics"`

	AWS        AWSConfig        `mapstructure:"aws"`
	Dynamo     DynamoConfig     `mapstructure:"dynamo"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	SQS        SQSConfig        `mapstructure:"sqs"`
	CloudWatch CloudWatchConfig `mapstructure:"cloudwatch"`
	OTel       OTelConfig       `mapstructure:"otel"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Payments   PaymentsConfig   `mapstructure:"payments"`
}

type AWSConfig struct {
	Region           string `mapstructure:"region"`
	EndpointOverride string `mapstructure:"endpoint_override"`
}

type DynamoConfig struct {
	OrdersTable      string `mapstructure:"orders_table"`
	PaymentsTable    string `mapstructure:"payments_table"`
	DetailsTable     string `mapstructure:"details_table"`
	KeysTable        string `mapstructure:"keys_table"`
	IdempotencyTable string `mapstructure:"idempotency_table"`
}

type PostgresConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"` // create missing tables at startup
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SQSConfig struct {
	EventsQueueURL string `mapstructure:"events_queue_url"`
}

type CloudWatchConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type OTelConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type GatewayConfig struct {
	Mode string `mapstructure:"mode"`

	// Disabled methods resolve to an adapter that declines every payment.
	Disabled                    []string `mapstructure:"disabled"`
	ManualCheckRequiresApproval bool     `mapstructure:"manual_check_requires_approval"`
}

type PaymentsConfig struct {
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	CommandLease   time.Duration `mapstructure:"command_lease"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
}

// envBindings maps config keys to the plain environment names deployments use.
var envBindings = map[string]string{
	"aws.region":                             "AWS_REGION",
	"aws.endpoint_override":                  "AWS_ENDPOINT_OVERRIDE",
	"dynamo.orders_table":                    "ORDERS_TABLE",
	"dynamo.payments_table":                  "PAYMENTS_TABLE",
	"dynamo.details_table":                   "PAYMENT_DETAILS_TABLE",
	"dynamo.keys_table":                      "KEYS_TABLE",
	"dynamo.idempotency_table":               "IDEMPOTENCY_TABLE",
	"sqs.events_queue_url":                   "EVENTS_QUEUE_URL",
	"postgres.url":                           "PG_URL",
	"redis.addr":                             "REDIS_ADDR",
	"kafka.brokers":                          "KAFKA_ADDR",
	"otel.endpoint":                          "OTEL_EXPORTER_OTLP_ENDPOINT",
	"environment":                            "OTEL_RESOURCE_ATTRIBUTES_ENV",
	"log_level":                              "LOG_LEVEL",
	"gateway.mode":                           "GATEWAY_MODE",
	"cloudwatch.namespace":                   "METRICS_NAMESPACE",
	"payments.gateway_timeout":               "GATEWAY_TIMEOUT",
	"redis.password":                         "REDIS_PASSWORD",
	"kafka.topic":                            "EVENTS_TOPIC",
	"postgres.max_conns":                     "PG_MAX_CONNS",
	"payments.lease_ttl":                     "PAYMENT_LEASE_TTL",
	"payments.idempotency_ttl":               "IDEMPOTENCY_TTL",
	"payments.command_lease":                 "COMMAND_LEASE",
	"gateway.disabled":                       "GATEWAY_DISABLED",
	"otel.sample_ratio":                      "OTEL_SAMPLE_RATIO",
	"redis.db":                               "REDIS_DB",
	"redis.prefix":                           "REDIS_PREFIX",
	"service_name":                           "SERVICE_NAME",
	"gateway.manual_check_requires_approval": "MANUAL_CHECK_REQUIRES_APPROVAL",
	"postgres.auto_migrate":                  "PG_AUTO_MIGRATE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "payment-ledger")
	v.SetDefault("environment", "local")
	v.SetDefault("log_level", "info")

	v.SetDefault("store", BackendMemory)
	v.SetDefault("guard", BackendMemory)
	v.SetDefault("events", BackendNone)
	v.SetDefault("metrics", BackendNone)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("dynamo.orders_table", "orders")
	v.SetDefault("dynamo.payments_table", "payments")
	v.SetDefault("dynamo.details_table", "payment_details")
	v.SetDefault("dynamo.keys_table", "ledger_keys")
	v.SetDefault("dynamo.idempotency_table", "idempotency")

	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "ledger:")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ledger-events")
	v.SetDefault("cloudwatch.namespace", "PaymentLedger")
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetDefault("gateway.mode", GatewaySandbox)
	v.SetDefault("gateway.manual_check_requires_approval", false)

	v.SetDefault("payments.lease_ttl", 30*time.Second)
	v.SetDefault("payments.command_lease", 2*time.Minute)
	v.SetDefault("payments.idempotency_ttl", 48*time.Hour)
	v.SetDefault("payments.gateway_timeout", 15*time.Second)
}

// Load reads defaults, then the YAML file at path (or $LEDGER_CONFIG when
// path is empty), then the environment. Keys not in envBindings can be set
// as LEDGER_<KEY> with dots replaced by underscores.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "LEDGER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path == "" {
		path = os.Getenv("LEDGER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backend names.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		value string
		allow []string
	}{
		{"store", c.Store, []string{BackendMemory, BackendDynamo, BackendPostgres}},
		{"guard", c.Guard, []string{BackendMemory, BackendDynamo, BackendRedis}},
		{"events", c.Events, []string{BackendNone, BackendSQS, BackendKafka}},
		{"metrics", c.Metrics, []string{BackendNone, BackendCloudWatch}},
		{"gateway.mode", c.Gateway.Mode, []string{GatewaySandbox, GatewayUnconfigured}},
	}
	for _, ch := range checks {
		if !contains(ch.allow, ch.value) {
			return fmt.Errorf("config: %s must be one of %s, got %q", ch.field, strings.Join(ch.allow, ", "), ch.value)
		}
	}
	if c.Store == BackendPostgres && c.Postgres.URL == "" {
		return fmt.Errorf("config: postgres.url (PG_URL) is required for the postgres store")
	}
	if c.Events == BackendSQS && c.SQS.EventsQueueURL == "" {
		return fmt.Errorf("config: sqs.events_queue_url (EVENTS_QUEUE_URL) is required for sqs events")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
