package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("reads file and fills defaults", func(t *testing.T) {
		path := writeConfig(t, `
[storage]
driver = "postgres"

[postgres]
dbname = "groupchat"
user = "chat"

[jwt]
secret = "s3cret"

[kafka]
enabled = true
brokers = ["localhost:9092"]
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, "groupchat", cfg.Postgres.DBName)
		assert.Equal(t, "5432", cfg.Postgres.Port)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "group-chat-messages", cfg.Kafka.Topic)
		assert.Equal(t, 3, cfg.Kafka.Producer.MaxRetries)
		assert.Equal(t, time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, `
[storage]
driver = "memory"

[jwt]
secret = "from-file"
`)
		t.Setenv("GROUPCHAT_JWT_SECRET", "from-env")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.JWT.Secret)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("invalid combination is rejected", func(t *testing.T) {
		path := writeConfig(t, `
[storage]
driver = "sqlite"
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage.driver")
		assert.Contains(t, err.Error(), "jwt.secret is required")
	})
}

func TestValidate(t *testing.T) {
	valid := Config{
		Storage:   StorageConfig{Driver: "memory"},
		JWT:       JWTConfig{Secret: "x"},
		Snowflake: SnowflakeConfig{WorkerID: 3},
	}
	assert.NoError(t, valid.Validate())

	noBrokers := valid
	noBrokers.Kafka.Enabled = true
	assert.Error(t, noBrokers.Validate())

	badWorker := valid
	badWorker.Snowflake.WorkerID = 4096
	assert.Error(t, badWorker.Validate())

	badLimit := valid
	badLimit.RateLimit = RateLimitConfig{Enabled: true}
	assert.Error(t, badLimit.Validate())
}
