package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the application configuration, loaded once at
// startup the same way the teacher's config.Load does — flat struct,
// env-var driven, sane defaults for local development.
type Config struct {
	// Server configuration
	ServerPort string
	ServerHost string

	// Blockchain configuration
	BlockchainNodeURL string
	BlockchainChainID string

	// Object storage (IPFS) configuration
	IPFSNodeURL    string
	IPFSGatewayURL string
	IPFSPoolSize   int

	// Postgres configuration, used for durable ports.Store persistence
	// when a deployment wants transactional storage instead of IPFS or
	// the in-memory store
	DBHost               string
	DBPort               string
	DBUser               string
	DBPassword           string
	DBName               string
	DBSSLMode            string
	DBMaxConnections     int
	DBMaxIdleConnections int
	DBConnectionLifetime int

	// JWT configuration
	JWTSecret          string
	JWTIssuer          string
	JWTExpirationHours int

	// Redis configuration, used by the distributed rate limiter
	RedisHost string
	RedisPort string

	// Rate limiting configuration
	RateLimitMax       int
	RateLimitWindowSec int

	// Circuit breaker configuration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeoutMS        int

	// Wallet pool configuration
	WalletPoolKeys           []string
	WalletRotationThreshold  int

	// Transaction and sync tuning
	TxTimeoutMS             int
	SyncIntervalMoves       int
	CheckpointIntervalMoves int

	// Batch manager configuration
	BatchSize            int
	BatchMax             int
	BatchFlushIntervalMS int
	BatchMaxWaitMS       int

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Metrics
	EnableMetrics     bool
	MetricsNamespace  string

	// Environment
	Environment string
}

// Load loads the configuration from environment variables.
func Load() *Config {
	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),

		BlockchainNodeURL: getEnv("BLOCKCHAIN_NODE_URL", "http://localhost:26657"),
		BlockchainChainID: getEnv("BLOCKCHAIN_CHAIN_ID", "matchcore-chain"),

		IPFSNodeURL:    getEnv("IPFS_NODE_URL", ""),
		IPFSGatewayURL: getEnv("IPFS_GATEWAY_URL", "http://localhost:8080"),
		IPFSPoolSize:   getEnvAsInt("IPFS_POOL_SIZE", 5),

		DBHost:               getEnv("DB_HOST", ""),
		DBPort:               getEnv("DB_PORT", "5432"),
		DBUser:               getEnv("DB_USER", "postgres"),
		DBPassword:           getEnv("DB_PASSWORD", "postgres"),
		DBName:               getEnv("DB_NAME", "matchcore"),
		DBSSLMode:            getEnv("DB_SSLMODE", "disable"),
		DBMaxConnections:     getEnvAsInt("DB_MAX_CONNECTIONS", 20),
		DBMaxIdleConnections: getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 5),
		DBConnectionLifetime: getEnvAsInt("DB_CONNECTION_LIFETIME", 300),

		JWTSecret:          getEnv("JWT_SECRET", "your-secret-key"),
		JWTIssuer:          getEnv("JWT_ISSUER", "matchcore"),
		JWTExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		RateLimitMax:       getEnvAsInt("RATE_LIMIT_MAX", 100),
		RateLimitWindowSec: getEnvAsInt("RATE_LIMIT_WINDOW_SEC", 60),

		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeoutMS:        getEnvAsInt("BREAKER_TIMEOUT_MS", 60000),

		WalletPoolKeys:          getEnvAsStringSlice("WALLET_POOL_KEYS", []string{}),
		WalletRotationThreshold: getEnvAsInt("WALLET_ROTATION_THRESHOLD", 1000),

		TxTimeoutMS:             getEnvAsInt("TX_TIMEOUT_MS", 30000),
		SyncIntervalMoves:       getEnvAsInt("SYNC_INTERVAL_MOVES", 10),
		CheckpointIntervalMoves: getEnvAsInt("CHECKPOINT_INTERVAL_MOVES", 20),

		BatchSize:            getEnvAsInt("BATCH_SIZE", 100),
		BatchMax:             getEnvAsInt("BATCH_MAX", 1000),
		BatchFlushIntervalMS: getEnvAsInt("BATCH_FLUSH_INTERVAL_MS", 60000),
		BatchMaxWaitMS:       getEnvAsInt("BATCH_MAX_WAIT_MS", 300000),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		EnableMetrics:    getEnvAsBool("ENABLE_METRICS", true),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "matchcore"),

		Environment: getEnv("ENVIRONMENT", "development"),
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice gets an environment variable as a comma-separated
// string slice or returns a default value.
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, ",")
}

// GetConfig returns the application configuration.
func GetConfig() *Config {
	return Load()
}

// GetJWTSecret retrieves the JWT secret from the configured source,
// supporting a "file:" prefix to load the secret from a mounted file —
// the same secret-rotation convenience the teacher's config.go offers.
func GetJWTSecret() (string, error) {
	return resolveJWTSecret(GetConfig().JWTSecret)
}

// ResolveJWTSecret resolves an already-loaded Config's JWTSecret field,
// for callers (such as the composition root) that hold a *Config and
// should not pay for or risk a second, independent env-var reload.
func ResolveJWTSecret(cfg *Config) (string, error) {
	return resolveJWTSecret(cfg.JWTSecret)
}

func resolveJWTSecret(secret string) (string, error) {
	if strings.HasPrefix(secret, "file:") {
		filePath := strings.TrimPrefix(secret, "file:")

		data, err := os.ReadFile(filePath)
		if err != nil {
			envSecret := os.Getenv("JWT_SECRET_VALUE")
			if envSecret != "" {
				return envSecret, nil
			}
			return "", fmt.Errorf("failed to read JWT secret from file %s: %v", filePath, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	return secret, nil
}
