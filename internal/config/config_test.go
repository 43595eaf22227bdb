package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HMAC_STATE_KEY", "test-key")

	cfg, err := Load("/nonexistent/.env")
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "detector-0", cfg.InstanceID)
	assert.Equal(t, "detectors", cfg.ConsumerGroup)
	assert.Equal(t, 8080, cfg.OpsPort)
	assert.Equal(t, 100*time.Millisecond, cfg.DetectionInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxPriceAge)
	assert.InDelta(t, 0.001, cfg.MinProfitThreshold, 1e-12)
	assert.Contains(t, cfg.Chains, "arbitrum")
	assert.Contains(t, cfg.TokenPairs, "WETH_USDC")
	assert.False(t, cfg.PreValidationEnabled)
	assert.True(t, cfg.MLEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://bus:6379")
	t.Setenv("CHAINS", "ethereum, base")
	t.Setenv("ETHEREUM_RPC_URL", "https://eth.example")
	t.Setenv("DETECTION_INTERVAL_MS", "250")
	t.Setenv("MIN_PROFIT_THRESHOLD", "0.005")
	t.Setenv("FEATURE_PREVALIDATION", "true")
	t.Setenv("FEATURE_HMAC_STATE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://bus:6379", cfg.RedisURL)
	assert.Equal(t, []string{"ethereum", "base"}, cfg.Chains)
	assert.Equal(t, "https://eth.example", cfg.RPCURLs["ethereum"])
	assert.NotContains(t, cfg.RPCURLs, "base")
	assert.Equal(t, 250*time.Millisecond, cfg.DetectionInterval)
	assert.InDelta(t, 0.005, cfg.MinProfitThreshold, 1e-12)
	assert.True(t, cfg.PreValidationEnabled)
}

func TestValidateRejectsMissingHMACKey(t *testing.T) {
	t.Setenv("FEATURE_HMAC_STATE", "true")
	t.Setenv("HMAC_STATE_KEY", "")

	_, err := Load("/nonexistent/.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HMAC_STATE_KEY")
}

func TestValidateRejectsBadSampleRate(t *testing.T) {
	t.Setenv("HMAC_STATE_KEY", "k")
	t.Setenv("PREVALIDATION_SAMPLE_RATE", "1.5")

	_, err := Load("/nonexistent/.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAMPLE_RATE")
}

func TestMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("HMAC_STATE_KEY", "k")
	t.Setenv("OPS_PORT", "not-a-number")
	t.Setenv("DETECTION_INTERVAL_MS", "-5")

	cfg, err := Load("/nonexistent/.env")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.OpsPort)
	assert.Equal(t, 100*time.Millisecond, cfg.DetectionInterval)
}
