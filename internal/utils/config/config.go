package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/types/environments"
)

type AppConfig struct {
	Environment environments.Environment
	ApiServer   ApiServerConfig
	Postgres    DBConnection
	Blockchain  BlockchainConfig
	Rail        RailConfig
	Settlement  SettlementConfig
	MultiSig    MultiSigConfig
	Retry       RetryConfig
	Scheduler   SchedulerConfig
	Vault       VaultConfig
	Log         LogConfig

	UptimeWebhooks UptimeWebhookConfig
	AlertWebhook   string
	PolicyFile     string
}

type ApiServerConfig struct {
	Port           string
	AllowedOrigins string
	JWTSecret      string
	RateLimit      float64
	RateBurst      int
}

type BlockchainConfig struct {
	BaseRPCEndpoint     string
	ChainID             int64
	EscrowContractAddr  string
	TokenContractAddr   string
	TokenDecimals       int
	BridgePrivateKey    string
	ConfirmationDepth   uint64
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	MaxFeeBumps         int
	FeeBumpPercent      int
	ChainCallTimeout    time.Duration
	EscrowVertical      string
	CurrencyPrecision   int32
	RailWalletAddr      string
}

type RailConfig struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	Asset       string
	CallTimeout time.Duration
}

type SettlementConfig struct {
	SweepBatchSize   int
	SweepConcurrency int
	LeaseDuration    time.Duration
	StalenessWindow  time.Duration
	DashboardCache   time.Duration
	DriverID         string
}

type MultiSigConfig struct {
	Signers        []string
	Threshold      int
	ValueThreshold decimal.Decimal
	Expiry         time.Duration
	PreApprovalTTL time.Duration
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PerHop overrides MaxAttempts for a single hop.
	PerHop map[string]int
}

type SchedulerConfig struct {
	SweepSpec       string
	SafetySpec      string
	CleanupSpec     string
	DisableSchedule bool
}

type VaultConfig struct {
	Enabled bool
	Addr    string
	KVPath  string
	Role    string
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type UptimeWebhookConfig struct {
	SettlementSweepURL string
	SafetyMonitorURL   string
	MultiSigCleanupURL string
}

type DBConnection struct {
	Host string
	Port string
	User string
	Name string
	Pass string

	SSLMode string
}

func New() *AppConfig {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	// this will not override env variables if they already exist
	godotenv.Load(".env." + env)

	cfg := &AppConfig{
		Environment: environments.Environment(env),
		ApiServer: ApiServerConfig{
			Port:           envOrDefault("PORT", "8080"),
			AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			RateLimit:      envVarAsFloat("API_RATE_LIMIT", 20),
			RateBurst:      envVarAtoiOrDefault("API_RATE_BURST", 40),
		},
		Postgres: DBConnection{
			Host:    os.Getenv("DB_HOST"),
			Port:    os.Getenv("DB_PORT"),
			User:    os.Getenv("DB_USER"),
			Name:    os.Getenv("DB_NAME"),
			Pass:    os.Getenv("DB_PASS"),
			SSLMode: os.Getenv("DB_SSL_MODE"),
		},
		Blockchain: BlockchainConfig{
			BaseRPCEndpoint:      os.Getenv("BLOCKCHAIN_BASE_RPC_ENDPOINT"),
			ChainID:              int64(envVarAtoiOrDefault("BLOCKCHAIN_CHAIN_ID", 8453)),
			EscrowContractAddr:   os.Getenv("BLOCKCHAIN_ESCROW_CONTRACT_ADDR"),
			TokenContractAddr:    os.Getenv("BLOCKCHAIN_TOKEN_CONTRACT_ADDR"),
			TokenDecimals:        envVarAtoiOrDefault("BLOCKCHAIN_TOKEN_DECIMALS", 6),
			BridgePrivateKey:     os.Getenv("BLOCKCHAIN_BRIDGE_PRIVATE_KEY"),
			ConfirmationDepth:    uint64(envVarAtoiOrDefault("BLOCKCHAIN_CONFIRMATION_DEPTH", 3)),
			PollInterval:         envVarAsDuration("BLOCKCHAIN_POLL_INTERVAL", 5*time.Second),
			ConfirmationTimeout:  envVarAsDuration("BLOCKCHAIN_CONFIRMATION_TIMEOUT", 3*time.Minute),
			MaxFeeBumps:          envVarAtoiOrDefault("BLOCKCHAIN_MAX_FEE_BUMPS", 3),
			FeeBumpPercent:       envVarAtoiOrDefault("BLOCKCHAIN_FEE_BUMP_PERCENT", 15),
			ChainCallTimeout:     envVarAsDuration("BLOCKCHAIN_CALL_TIMEOUT", 15*time.Minute),
			EscrowVertical:       envOrDefault("BLOCKCHAIN_ESCROW_VERTICAL", "marketplace"),
			CurrencyPrecision:    int32(envVarAtoiOrDefault("CURRENCY_PRECISION", 2)),
			RailWalletAddr:       os.Getenv("BLOCKCHAIN_RAIL_WALLET_ADDR"),
		},
		Rail: RailConfig{
			BaseURL:     os.Getenv("RAIL_BASE_URL"),
			APIKey:      os.Getenv("RAIL_API_KEY"),
			APISecret:   os.Getenv("RAIL_API_SECRET"),
			Asset:       envOrDefault("RAIL_ASSET", "USDC"),
			CallTimeout: envVarAsDuration("RAIL_CALL_TIMEOUT", 30*time.Second),
		},
		Settlement: SettlementConfig{
			SweepBatchSize:   envVarAtoiOrDefault("SETTLEMENT_SWEEP_BATCH_SIZE", 100),
			SweepConcurrency: envVarAtoiOrDefault("SETTLEMENT_SWEEP_CONCURRENCY", 8),
			LeaseDuration:    envVarAsDuration("SETTLEMENT_LEASE_DURATION", 30*time.Minute),
			StalenessWindow:  envVarAsDuration("SETTLEMENT_STALENESS_WINDOW", 2*time.Hour),
			DashboardCache:   envVarAsDuration("SETTLEMENT_DASHBOARD_CACHE", 15*time.Second),
			DriverID:         envOrDefault("SETTLEMENT_DRIVER_ID", hostnameOr("settlement-driver")),
		},
		MultiSig: MultiSigConfig{
			Signers:        splitList(os.Getenv("MULTISIG_SIGNERS")),
			Threshold:      envVarAtoiOrDefault("MULTISIG_THRESHOLD", 3),
			ValueThreshold: envVarAsDecimal("MULTISIG_VALUE_THRESHOLD", decimal.NewFromInt(50000)),
			Expiry:         envVarAsDuration("MULTISIG_EXPIRY", 72*time.Hour),
			PreApprovalTTL: envVarAsDuration("MULTISIG_PREAPPROVAL_TTL", 24*time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:     envVarAtoiOrDefault("RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: envVarAsDuration("RETRY_INITIAL_INTERVAL", 2*time.Second),
			MaxInterval:     envVarAsDuration("RETRY_MAX_INTERVAL", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			SweepSpec:       envOrDefault("SCHEDULER_SWEEP_SPEC", "@every 1m"),
			SafetySpec:      envOrDefault("SCHEDULER_SAFETY_SPEC", "@every 10m"),
			CleanupSpec:     envOrDefault("SCHEDULER_CLEANUP_SPEC", "@every 15m"),
			DisableSchedule: envVarAsBool("SCHEDULER_DISABLED"),
		},
		Vault: VaultConfig{
			Enabled: envVarAsBool("VAULT_ENABLED"),
			Addr:    os.Getenv("VAULT_ADDR"),
			KVPath:  os.Getenv("VAULT_KV_PATH"),
			Role:    os.Getenv("VAULT_ROLE"),
		},
		Log: LogConfig{
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  envVarAtoiOrDefault("LOG_MAX_SIZE_MB", 100),
			MaxBackups: envVarAtoiOrDefault("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envVarAtoiOrDefault("LOG_MAX_AGE_DAYS", 14),
		},
		UptimeWebhooks: UptimeWebhookConfig{
			SettlementSweepURL: os.Getenv("UPTIME_WEBHOOK_SETTLEMENT_SWEEP_URL"),
			SafetyMonitorURL:   os.Getenv("UPTIME_WEBHOOK_SAFETY_MONITOR_URL"),
			MultiSigCleanupURL: os.Getenv("UPTIME_WEBHOOK_MULTISIG_CLEANUP_URL"),
		},
		AlertWebhook: os.Getenv("ALERT_WEBHOOK_URL"),
		PolicyFile:   os.Getenv("SETTLEMENT_POLICY_FILE"),
	}

	return cfg
}

func envOrDefault(envName, fallback string) string {
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return fallback
}

func envVarAtoi(envName string) int {
	valueStr := os.Getenv(envName)
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		panic(err)
	}

	return value
}

func envVarAtoiOrDefault(envName string, fallback int) int {
	if os.Getenv(envName) == "" {
		return fallback
	}
	return envVarAtoi(envName)
}

func envVarAsBool(envName string) bool {
	valueStr := os.Getenv(envName)
	return valueStr == "true"
}

func envVarAsFloat(envName string, fallback float64) float64 {
	valueStr := os.Getenv(envName)
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		panic(err)
	}
	return value
}

func envVarAsDuration(envName string, fallback time.Duration) time.Duration {
	valueStr := os.Getenv(envName)
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		panic(err)
	}
	return value
}

func envVarAsDecimal(envName string, fallback decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(envName)
	if valueStr == "" {
		return fallback
	}
	return decimal.RequireFromString(valueStr)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
