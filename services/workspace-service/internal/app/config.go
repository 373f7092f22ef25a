package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/config"
	"github.com/md-rashed-zaman/tenantflow/libs/kafkax"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is read from the environment. STORE=memory runs every store in
// process, which is what the tests and a local demo use.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"workspace-service"`
	Port        string `env:"PORT" envDefault:"8090"`
	GRPCPort    string `env:"GRPC_PORT" envDefault:"9090"`

	Store       string `env:"STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID" envDefault:"workspace-service"`
	TopicPrefix  string `env:"KAFKA_TOPIC_PREFIX" envDefault:"tenantflow"`
	CatalogFile  string `env:"EVENT_CATALOG_FILE"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWKSURL   string        `env:"JWKS_URL"`
	JWKSTTL   time.Duration `env:"JWKS_CACHE_TTL" envDefault:"5m"`

	RateLimit         int           `env:"RATE_LIMIT" envDefault:"120"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitFailOpen bool          `env:"RATE_LIMIT_FAIL_OPEN" envDefault:"true"`
	CommandRateLimit  int           `env:"COMMAND_RATE_LIMIT" envDefault:"60"`

	BodyLimitBytes int64         `env:"HTTP_BODY_LIMIT_BYTES" envDefault:"1048576"`
	RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"10s"`

	PushWebhookURL   string `env:"PUSH_WEBHOOK_URL"`
	PushWebhookToken string `env:"PUSH_WEBHOOK_TOKEN"`
	AlertTarget      string `env:"ALERT_TARGET" envDefault:"operators"`

	RelayPollEvery time.Duration `env:"RELAY_POLL_EVERY" envDefault:"2s"`
	RelayBatchSize int           `env:"RELAY_BATCH_SIZE" envDefault:"50"`
	RelayLease     time.Duration `env:"RELAY_LEASE" envDefault:"30s"`
	RelayHoldFor   time.Duration `env:"RELAY_HOLD_FOR" envDefault:"1m"`

	SagaLockExpiry  time.Duration `env:"SAGA_LOCK_EXPIRY" envDefault:"10s"`
	AuthorityMaxTTL time.Duration `env:"AUTHORITY_MAX_TTL" envDefault:"5m"`
}

// LoadConfig parses and validates the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := config.ValidatePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT %w", err))
	}
	if err := config.ValidatePort(c.GRPCPort); err != nil {
		errs = append(errs, fmt.Errorf("GRPC_PORT %w", err))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be %s or %s (got %q)", StorePostgres, StoreMemory, c.Store))
	}
	if c.JWTSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("JWT_SECRET or JWKS_URL is required"))
	}
	if c.RateLimit <= 0 || c.CommandRateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT and COMMAND_RATE_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) Brokers() []string {
	return kafkax.SplitBrokers(c.KafkaBrokers)
}
