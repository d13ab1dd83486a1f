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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 30*time.Minute, cfg.ScanMinAge())
	assert.Equal(t, 15*time.Minute, cfg.ScanInterval())
	assert.Equal(t, 100, cfg.Scanner.MaxBatch)
	assert.True(t, cfg.ScanPolicy().UnlockFirst)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.ImportOrders)
	assert.Equal(t, "storefront-orders", cfg.Kafka.OrdersTopic)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	content := `
store: postgres
webhook:
  scheme: stripe
  secret: whsec_test
db:
  host: db.internal
  port: 6432
scanner:
  min_age_minutes: 45
  cancel_channels: [kiosk]
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "stripe", cfg.Webhook.Scheme)
	assert.Equal(t, "whsec_test", cfg.Webhook.Secret)
	assert.Equal(t, 45*time.Minute, cfg.ScanMinAge())
	assert.Equal(t, []string{"kiosk"}, cfg.ScanPolicy().CancelChannels)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)

	creds := cfg.Credentials()
	assert.Equal(t, "db.internal", creds.Host)
	assert.Equal(t, 6432, creds.Port)
	assert.Equal(t, "reconciler", creds.DBName)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  host: from-file\n"), 0o600))

	t.Setenv("DB_HOST", "from-env")
	t.Setenv("SCANNER_MIN_AGE_MINUTES", "60")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("SCANNER_CANCEL_CHANNELS", "kiosk,pos")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.DB.Host)
	assert.Equal(t, time.Hour, cfg.ScanMinAge())
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, []string{"kiosk", "pos"}, cfg.Scanner.CancelChannels)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("SCANNER_MAX_BATCH", "0")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "scanner.max_batch")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative min age", func(c *Config) { c.Scanner.MinAgeMinutes = -5 }, "scanner.min_age_minutes"},
		{"zero interval", func(c *Config) { c.Scanner.IntervalMinutes = 0 }, "scanner.interval_minutes"},
		{"unknown store", func(c *Config) { c.Store = "mongo" }, "store must be"},
		{"unknown scheme", func(c *Config) { c.Webhook.Scheme = "md5" }, "unknown signature scheme"},
		{"import without brokers", func(c *Config) { c.Kafka.ImportOrders = true }, "kafka.import_orders"},
		{"lease without ttl", func(c *Config) {
			c.Redis.Addr = "localhost:6379"
			c.Redis.LeaseTTL = 0
		}, "redis.lease_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
