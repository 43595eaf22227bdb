// Package config reads service configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings shared by the detector and executor binaries.
type Config struct {
	// Identity
	InstanceID    string
	ConsumerGroup string
	LogLevel      string
	OpsPort       int

	// Bus
	RedisURL string

	// Universe
	Chains     []string
	TokenPairs []string
	RPCURLs    map[string]string

	// Detection
	DetectionInterval  time.Duration
	MaxPriceAge        time.Duration
	MinProfitThreshold float64
	TradeSizeUSD       float64

	// Feature gates
	MLEnabled            bool
	PreValidationEnabled bool
	KMSSigningEnabled    bool
	HMACStateEnabled     bool
	BalanceMonitorOn     bool

	// Pre-validation
	PreValidationBudget int
	SampleRate          float64

	// Execution
	AWSRegion              string
	WalletAddress          string
	HMACStateKey           string
	LowBalanceThresholdEth float64
	BalanceCheckInterval   time.Duration

	// Archive and backup
	ArchivePath         string
	BackupBucket        string
	BackupRetentionDays int
}

// Load reads configuration, optionally sourcing a .env file first. A missing
// .env file is not an error; explicit environment always wins.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	chains := getEnvAsList("CHAINS", []string{"ethereum", "arbitrum", "base", "optimism", "polygon"})
	rpcURLs := make(map[string]string, len(chains))
	for _, chain := range chains {
		if url := os.Getenv(strings.ToUpper(chain) + "_RPC_URL"); url != "" {
			rpcURLs[chain] = url
		}
	}

	cfg := &Config{
		InstanceID:    getEnv("INSTANCE_ID", "detector-0"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "detectors"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		OpsPort:       getEnvAsInt("OPS_PORT", 8080),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		Chains:     chains,
		TokenPairs: getEnvAsList("TOKEN_PAIRS", []string{"WETH_USDC", "WBTC_USDC"}),
		RPCURLs:    rpcURLs,

		DetectionInterval:  getEnvAsMillis("DETECTION_INTERVAL_MS", 100*time.Millisecond),
		MaxPriceAge:        getEnvAsMillis("MAX_PRICE_AGE_MS", 30*time.Second),
		MinProfitThreshold: getEnvAsFloat("MIN_PROFIT_THRESHOLD", 0.001),
		TradeSizeUSD:       getEnvAsFloat("TRADE_SIZE_USD", 1000),

		MLEnabled:            getEnvAsBool("FEATURE_ML", true),
		PreValidationEnabled: getEnvAsBool("FEATURE_PREVALIDATION", false),
		KMSSigningEnabled:    getEnvAsBool("FEATURE_KMS_SIGNING", false),
		HMACStateEnabled:     getEnvAsBool("FEATURE_HMAC_STATE", true),
		BalanceMonitorOn:     getEnvAsBool("FEATURE_BALANCE_MONITOR", true),

		PreValidationBudget: getEnvAsInt("PREVALIDATION_MONTHLY_BUDGET", 1000),
		SampleRate:          getEnvAsFloat("PREVALIDATION_SAMPLE_RATE", 0.1),

		AWSRegion:              getEnv("AWS_REGION", "us-east-1"),
		WalletAddress:          getEnv("WALLET_ADDRESS", ""),
		HMACStateKey:           getEnv("HMAC_STATE_KEY", ""),
		LowBalanceThresholdEth: getEnvAsFloat("LOW_BALANCE_THRESHOLD_ETH", 0.01),
		BalanceCheckInterval:   getEnvAsMillis("BALANCE_CHECK_INTERVAL_MS", time.Minute),

		ArchivePath:         getEnv("ARCHIVE_DB_PATH", "./data/archive.db"),
		BackupBucket:        getEnv("BACKUP_S3_BUCKET", ""),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("CHAINS must name at least one chain")
	}
	if len(c.TokenPairs) == 0 {
		return fmt.Errorf("TOKEN_PAIRS must name at least one pair")
	}
	if c.HMACStateEnabled && c.HMACStateKey == "" {
		return fmt.Errorf("HMAC_STATE_KEY is required when FEATURE_HMAC_STATE is on")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("PREVALIDATION_SAMPLE_RATE must be in [0, 1]")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
