/**
 * @description
 * This package handles the configuration management for the faucet service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalises the values so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 * - go.uber.org/zap: Warnings about coerced values.
 */

package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Clock sources accepted by CLOCK_SOURCE.
const (
	ClockSourceDatabase = "database"
	ClockSourceChain    = "chain"
	ClockSourceSystem   = "system"
)

// Config holds all the configuration variables for the faucet service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	FaucetEventExchange    string `mapstructure:"FAUCET_EVENT_EXCHANGE"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	JWTHMACSecret          string `mapstructure:"JWT_HMAC_SECRET"`
	OwnerAddress           string `mapstructure:"FAUCET_OWNER_ADDRESS"`
	ClaimAmount            int64  `mapstructure:"FAUCET_CLAIM_AMOUNT"`
	CooldownSeconds        int64  `mapstructure:"FAUCET_COOLDOWN_SECONDS"`
	InitialBalance         int64  `mapstructure:"FAUCET_INITIAL_BALANCE"`
	ClockSource            string `mapstructure:"CLOCK_SOURCE"`
	ChainRPCURL            string `mapstructure:"CHAIN_RPC_URL"`
	NTPPools               string `mapstructure:"NTP_POOLS"`
	ClockSyncSchedule      string `mapstructure:"CLOCK_SYNC_SCHEDULE"`
	PoolMonitorSchedule    string `mapstructure:"POOL_MONITOR_SCHEDULE"`
	PoolLowWatermarkClaims int64  `mapstructure:"POOL_LOW_WATERMARK_CLAIMS"`
	ClaimRateLimitPerMin   int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	OutboxPollIntervalMs   int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	CORSAllowedOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	LogFormat              string `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables and the optional .env in path.
// Invalid values are coerced to safe defaults and reported on log.
func LoadConfig(path string, log *zap.SugaredLogger) (config Config, err error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("config")

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "faucet:rate_limit")
	viper.SetDefault("FAUCET_EVENT_EXCHANGE", "faucet.events")
	viper.SetDefault("FAUCET_CLAIM_AMOUNT", 25)
	viper.SetDefault("FAUCET_COOLDOWN_SECONDS", 86400)
	viper.SetDefault("FAUCET_INITIAL_BALANCE", 0)
	viper.SetDefault("CLOCK_SOURCE", ClockSourceDatabase)
	viper.SetDefault("CLOCK_SYNC_SCHEDULE", "@every 30m")
	viper.SetDefault("POOL_MONITOR_SCHEDULE", "@every 1m")
	viper.SetDefault("POOL_LOW_WATERMARK_CLAIMS", 10)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FAUCET_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("FAUCET_EVENT_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "FAUCET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_HMAC_SECRET")
	_ = viper.BindEnv("FAUCET_OWNER_ADDRESS")
	_ = viper.BindEnv("FAUCET_CLAIM_AMOUNT")
	_ = viper.BindEnv("FAUCET_COOLDOWN_SECONDS")
	_ = viper.BindEnv("FAUCET_INITIAL_BALANCE")
	_ = viper.BindEnv("CLOCK_SOURCE")
	_ = viper.BindEnv("CHAIN_RPC_URL")
	_ = viper.BindEnv("NTP_POOLS")
	_ = viper.BindEnv("CLOCK_SYNC_SCHEDULE")
	_ = viper.BindEnv("POOL_MONITOR_SCHEDULE")
	_ = viper.BindEnv("POOL_LOW_WATERMARK_CLAIMS")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warnw("failed to read config file; using environment values", "err", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.OwnerAddress = strings.TrimSpace(config.OwnerAddress)
	config.ChainRPCURL = strings.TrimSpace(config.ChainRPCURL)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "faucet:rate_limit"
	}
	if strings.TrimSpace(config.FaucetEventExchange) == "" {
		config.FaucetEventExchange = "faucet.events"
	}

	if config.ClaimAmount <= 0 {
		log.Warnw("non-positive claim amount configured; using default", "claim_amount", config.ClaimAmount)
		config.ClaimAmount = 25
	}
	if config.CooldownSeconds < 0 {
		log.Warnw("negative cooldown configured; coercing to zero", "cooldown_seconds", config.CooldownSeconds)
		config.CooldownSeconds = 0
	}
	if config.InitialBalance < 0 {
		log.Warnw("negative initial balance configured; coercing to zero", "initial_balance", config.InitialBalance)
		config.InitialBalance = 0
	}

	config.ClockSource = strings.ToLower(strings.TrimSpace(config.ClockSource))
	switch config.ClockSource {
	case ClockSourceDatabase, ClockSourceChain, ClockSourceSystem:
	default:
		log.Warnw("unknown clock source; using database", "clock_source", config.ClockSource)
		config.ClockSource = ClockSourceDatabase
	}
	if config.ClockSource == ClockSourceChain && config.ChainRPCURL == "" {
		log.Warnw("chain clock selected without CHAIN_RPC_URL; using database", "clock_source", config.ClockSource)
		config.ClockSource = ClockSourceDatabase
	}
	if config.ClockSource == ClockSourceDatabase && config.DatabaseURL == "" {
		log.Warnw("database clock selected without DATABASE_URL; using system", "clock_source", config.ClockSource)
		config.ClockSource = ClockSourceSystem
	}

	if strings.TrimSpace(config.ClockSyncSchedule) == "" {
		config.ClockSyncSchedule = "@every 30m"
	}
	if strings.TrimSpace(config.PoolMonitorSchedule) == "" {
		config.PoolMonitorSchedule = "@every 1m"
	}
	if config.PoolLowWatermarkClaims < 0 {
		config.PoolLowWatermarkClaims = 0
	}
	if config.ClaimRateLimitPerMin < 0 {
		config.ClaimRateLimitPerMin = 0
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = 1000
	}

	return
}

// NTPPoolList splits NTP_POOLS on commas. An empty result means the library defaults.
func (c Config) NTPPoolList() []string {
	return splitList(c.NTPPools)
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) CORSOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
