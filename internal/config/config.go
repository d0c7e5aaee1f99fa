package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sungwon/push-worker/internal/breaker"
	"github.com/sungwon/push-worker/internal/downstream"
	"github.com/sungwon/push-worker/internal/idempotency"
	"github.com/sungwon/push-worker/internal/logger"
	"github.com/sungwon/push-worker/internal/queue"
	"github.com/sungwon/push-worker/internal/storage"
	"github.com/sungwon/push-worker/internal/worker"
)

// EnvPrefix prefixes environment overrides, e.g. PUSH_WORKER_WORKER_CONCURRENCY
// overrides worker.concurrency.
const EnvPrefix = "PUSH_WORKER"

// Config holds all application configuration.
type Config struct {
	Logging     logger.Config              `mapstructure:"logging"`
	Queue       queue.Config               `mapstructure:"queue"`
	Worker      worker.Config              `mapstructure:"worker"`
	Idempotency IdempotencyConfig          `mapstructure:"idempotency"`
	Breaker     breaker.Config             `mapstructure:"breaker"`
	Template    downstream.TemplateConfig  `mapstructure:"template"`
	Push        downstream.PushConfig      `mapstructure:"push"`
	HTTP        downstream.TransportConfig `mapstructure:"http"`
	Redis       RedisConfig                `mapstructure:"redis"`
	Database    DatabaseConfig             `mapstructure:"database"`
	Admin       AdminConfig                `mapstructure:"admin"`
}

// IdempotencyConfig selects the idempotency store and its TTLs.
type IdempotencyConfig struct {
	Backend            string `mapstructure:"backend"` // redis, postgres
	idempotency.Config `mapstructure:",squash"`
}

// RedisConfig holds the shared Redis connection used by the redis queue,
// idempotency and breaker backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DatabaseConfig holds PostgreSQL connection configuration. It is only used
// by the postgres idempotency backend.
type DatabaseConfig struct {
	storage.Config `mapstructure:",squash"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
}

// AdminConfig holds the admin HTTP server configuration.
type AdminConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIKeyHash is the bcrypt hash of the admin key. The /api/v1 routes
	// are disabled when it is empty.
	APIKeyHash string `mapstructure:"api_key_hash"`
}

// Addr returns the listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 30)

	q := queue.DefaultConfig()
	v.SetDefault("queue.type", q.Type)
	v.SetDefault("queue.stream", q.Stream)
	v.SetDefault("queue.group", q.Group)
	v.SetDefault("queue.consumer_name", "")
	v.SetDefault("queue.block_timeout", q.BlockTimeout)
	v.SetDefault("queue.claim_min_idle", q.ClaimMinIdle)
	v.SetDefault("queue.max_len", 0)
	v.SetDefault("queue.sqs_queue_url", "")
	v.SetDefault("queue.sqs_dlq_url", "")
	v.SetDefault("queue.sqs_region", "us-east-1")
	v.SetDefault("queue.sqs_wait_time", q.SQSWaitTime)
	v.SetDefault("queue.sqs_visibility_timeout", q.SQSVisTimeout)
	v.SetDefault("queue.amqp_url", q.AMQPURL)
	v.SetDefault("queue.prefetch", 0)

	w := worker.DefaultConfig()
	v.SetDefault("worker.concurrency", w.Concurrency)
	v.SetDefault("worker.process_timeout", w.ProcessTimeout)
	v.SetDefault("worker.shutdown_timeout", w.ShutdownTimeout)
	v.SetDefault("worker.receive_backoff", w.ReceiveBackoff)
	v.SetDefault("worker.finalize_timeout", w.FinalizeTimeout)

	idem := idempotency.DefaultConfig()
	v.SetDefault("idempotency.backend", "redis")
	v.SetDefault("idempotency.processing_ttl", idem.ProcessingTTL)
	v.SetDefault("idempotency.sent_ttl", idem.SentTTL)

	b := breaker.DefaultSettings()
	v.SetDefault("breaker.backend", "redis")
	v.SetDefault("breaker.failure_threshold", b.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", b.ResetTimeout)
	v.SetDefault("breaker.trial_lease", b.TrialLease)

	v.SetDefault("template.base_url", "http://localhost:8084")
	v.SetDefault("template.timeout", 5*time.Second)
	v.SetDefault("template.language", "en")

	v.SetDefault("push.base_url", "http://localhost:8083")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.auth.signing_key", "")
	v.SetDefault("push.auth.issuer", "push-worker")
	v.SetDefault("push.auth.audience", "push-gateway")
	v.SetDefault("push.auth.expiry", time.Minute)

	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.max_idle_conns_per_host", 50)
	v.SetDefault("http.max_conns_per_host", 0)
	v.SetDefault("http.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http.dial_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.purge_interval", 10*time.Minute)

	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 9090)
	v.SetDefault("admin.read_timeout", 10*time.Second)
	v.SetDefault("admin.write_timeout", 10*time.Second)
	v.SetDefault("admin.api_key_hash", "")
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory; keys missing
// from the file take their defaults. Environment variables with prefix
// PUSH_WORKER_ override file values. For example, PUSH_WORKER_REDIS_ADDR
// overrides redis.addr.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be greater than zero, got %d", c.Worker.Concurrency))
	}
	if c.Breaker.FailureThreshold == 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be greater than zero"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout must be positive, got %s", c.Breaker.ResetTimeout))
	}

	if lease, call := c.Breaker.EffectiveTrialLease(), max(c.Template.Timeout, c.Push.Timeout); lease <= call {
		errs = append(errs, fmt.Errorf("breaker.trial_lease (%s) must exceed the longest downstream timeout (%s)", lease, call))
	}

	if window := c.Worker.ProcessTimeout + c.Worker.FinalizeTimeout; c.Queue.ClaimMinIdle > 0 && c.Queue.ClaimMinIdle <= window {
		errs = append(errs, fmt.Errorf("queue.claim_min_idle (%s) must exceed worker.process_timeout plus worker.finalize_timeout (%s)", c.Queue.ClaimMinIdle, window))
	}

	switch c.Queue.Type {
	case "", "redis", "amqp":
	case "sqs":
		if c.Queue.SQSQueueURL == "" || c.Queue.SQSDLQueueURL == "" {
			errs = append(errs, errors.New("queue.sqs_queue_url and queue.sqs_dlq_url are required for the sqs queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.type %q", c.Queue.Type))
	}

	switch c.Idempotency.Backend {
	case "", "redis":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres idempotency backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend))
	}

	switch c.Breaker.Backend {
	case "", "redis", "local":
	default:
		errs = append(errs, fmt.Errorf("unknown breaker.backend %q", c.Breaker.Backend))
	}

	if c.Template.BaseURL == "" {
		errs = append(errs, errors.New("template.base_url is required"))
	}
	if c.Push.BaseURL == "" {
		errs = append(errs, errors.New("push.base_url is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NeedsRedis reports whether any configured backend uses the shared Redis
// connection.
func (c *Config) NeedsRedis() bool {
	return c.Queue.Type == "" || c.Queue.Type == "redis" ||
		c.Idempotency.Backend == "" || c.Idempotency.Backend == "redis" ||
		c.Breaker.Backend == "" || c.Breaker.Backend == "redis"
}
