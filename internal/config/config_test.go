package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setBaseEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("WEBHOOK_HMAC_KEY", "whsec")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, LedgerPostgres, cfg.LedgerDriver)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyWindow)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.EqualValues(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, "10", cfg.AutoCleanupMaxAmount.String())
	assert.False(t, cfg.AutoCleanupEnabled)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ESCROW_LEDGER_DRIVER", "memory")
	t.Setenv("LOCK_TIMEOUT", "250ms")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("AUTO_CLEANUP_MAX_AMOUNT", "25.50")
	t.Setenv("AUTO_CLEANUP_ENABLED", "true")
	t.Setenv("SWEEP_BATCH_SIZE", "-3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, LedgerMemory, cfg.LedgerDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "25.5", cfg.AutoCleanupMaxAmount.String())
	assert.True(t, cfg.AutoCleanupEnabled)
	assert.EqualValues(t, 100, cfg.SweepBatchSize)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "short jwt secret", env: map[string]string{"JWT_SECRET": "short"}, want: "JWT_SECRET"},
		{name: "missing hmac key", env: map[string]string{"WEBHOOK_HMAC_KEY": ""}, want: "WEBHOOK_HMAC_KEY"},
		{name: "bad duration", env: map[string]string{"SWEEP_INTERVAL": "soon"}, want: "SWEEP_INTERVAL"},
		{name: "zero lock timeout", env: map[string]string{"LOCK_TIMEOUT": "0s"}, want: "LOCK_TIMEOUT"},
		{name: "negative ceiling", env: map[string]string{"AUTO_CLEANUP_MAX_AMOUNT": "-1"}, want: "AUTO_CLEANUP_MAX_AMOUNT"},
		{name: "bad ceiling", env: map[string]string{"AUTO_CLEANUP_MAX_AMOUNT": "ten"}, want: "AUTO_CLEANUP_MAX_AMOUNT"},
		{name: "unknown ledger", env: map[string]string{"LEDGER_DRIVER": "sqlite"}, want: "LEDGER_DRIVER"},
		{name: "brokers without topic", env: map[string]string{"KAFKA_BROKERS": "k:9092", "KAFKA_TOPIC": " "}, want: "KAFKA_TOPIC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSkipSignatureAllowsMissingKey(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("WEBHOOK_HMAC_KEY", "")
	t.Setenv("WEBHOOK_SKIP_SIG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WebhookSkipSignature)
}
