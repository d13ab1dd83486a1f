package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Store   string        `mapstructure:"store"`
	DB      DBConfig      `mapstructure:"db"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Log     LogConfig     `mapstructure:"log"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type WebhookConfig struct {
	Scheme          string        `mapstructure:"scheme"`
	Secret          string        `mapstructure:"secret"`
	SignatureHeader string        `mapstructure:"signature_header"`
	StripeTolerance time.Duration `mapstructure:"stripe_tolerance"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DBConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type ScannerConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	MinAgeMinutes   int      `mapstructure:"min_age_minutes"`
	MaxBatch        int      `mapstructure:"max_batch"`
	UnlockFirst     bool     `mapstructure:"unlock_first"`
	CancelChannels  []string `mapstructure:"cancel_channels"`
}

// RedisConfig enables the scanner lease when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseKey string        `mapstructure:"lease_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// KafkaConfig enables the outbox publisher when Brokers is non-empty. ImportOrders
// additionally consumes storefront order snapshots from OrdersTopic.
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	OutboxTick    time.Duration `mapstructure:"outbox_tick"`
	ImportOrders  bool          `mapstructure:"import_orders"`
	OrdersTopic   string        `mapstructure:"orders_topic"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", int64(1<<20)) // 1MB

	v.SetDefault("webhook.scheme", webhook.SchemeHMACSHA256)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.stripe_tolerance", 5*time.Minute)

	v.SetDefault("admin.jwt_secret", "")

	v.SetDefault("store", StoreMemory)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "reconciler")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.migrations_path", "./internal/repository/migrations")

	v.SetDefault("scanner.enabled", true)
	v.SetDefault("scanner.interval_minutes", 15)
	v.SetDefault("scanner.min_age_minutes", int(service.DefaultMinAge/time.Minute))
	v.SetDefault("scanner.max_batch", service.DefaultMaxBatch)
	v.SetDefault("scanner.unlock_first", true)
	v.SetDefault("scanner.cancel_channels", []string{})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_key", "reconciler:scanner-lease")
	v.SetDefault("redis.lease_ttl", 10*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.outbox_tick", time.Second)
	v.SetDefault("kafka.import_orders", false)
	v.SetDefault("kafka.orders_topic", "storefront-orders")
	v.SetDefault("kafka.consumer_group", "reconciler-service")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads defaults, then the optional YAML file at path, then environment variables
// such as DB_HOST or SCANNER_MIN_AGE_MINUTES.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.Scanner.IntervalMinutes <= 0 {
		problems = append(problems, "scanner.interval_minutes must be positive")
	}
	if c.Scanner.MinAgeMinutes <= 0 {
		problems = append(problems, "scanner.min_age_minutes must be positive")
	}
	if c.Scanner.MaxBatch <= 0 {
		problems = append(problems, "scanner.max_batch must be positive")
	}
	if c.Store != StoreMemory && c.Store != StorePostgres {
		problems = append(problems, fmt.Sprintf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if _, err := webhook.NewVerifier(c.Webhook.Scheme, c.Webhook.StripeTolerance); err != nil {
		problems = append(problems, err.Error())
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		problems = append(problems, "http.max_body_bytes must be positive")
	}
	if c.Kafka.ImportOrders && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.import_orders requires kafka.brokers")
	}
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= 0 {
		problems = append(problems, "redis.lease_ttl must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ScanMinAge() time.Duration {
	return time.Duration(c.Scanner.MinAgeMinutes) * time.Minute
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanner.IntervalMinutes) * time.Minute
}

func (c *Config) ScanPolicy() service.ScanPolicy {
	return service.ScanPolicy{UnlockFirst: c.Scanner.UnlockFirst, CancelChannels: c.Scanner.CancelChannels}
}

func (c *Config) Credentials() *repository.Credentials {
	return &repository.Credentials{
		Host:              c.DB.Host,
		Port:              c.DB.Port,
		User:              c.DB.User,
		Password:          c.DB.Password,
		DBName:            c.DB.Name,
		SSLMode:           c.DB.SSLMode,
		MigrationsDirPath: c.DB.MigrationsPath,
	}
}
