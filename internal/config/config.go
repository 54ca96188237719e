package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Zitadel    ZitadelConfig
	Suno       SunoConfig
	R2         R2Config
	Gateway    GatewayConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	Generation GenerationConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type SunoConfig struct {
	APIKey  string
	BaseURL string
	Timeout int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type GatewayConfig struct {
	Enabled bool
}

// DatabaseConfig points at the remote persistence service. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string
}

// CacheConfig locates the local artifact cache.
type CacheConfig struct {
	Dir string
}

// GenerationConfig holds admission and polling parameters.
type GenerationConfig struct {
	Cost              int64
	PollInterval      time.Duration
	MaxPollWindow     time.Duration
	MaxPollAttempts   int
	RecheckInterval   time.Duration
	RecheckCooldown   time.Duration
	RecheckMaxRetries int
	RequestTimeout    time.Duration

	// InitialBalance seeds principals in the in-memory store.
	InitialBalance int64
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("SUNO_API_KEY")
	readSecret("DATABASE_URL")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = viper.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = viper.BindEnv("suno.timeout", "SUNO_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("cache.dir", "CACHE_DIR")
	_ = viper.BindEnv("generation.cost", "GENERATION_COST")
	_ = viper.BindEnv("generation.poll_interval", "GENERATION_POLL_INTERVAL")
	_ = viper.BindEnv("generation.max_poll_window", "GENERATION_MAX_POLL_WINDOW")
	_ = viper.BindEnv("generation.max_poll_attempts", "GENERATION_MAX_POLL_ATTEMPTS")
	_ = viper.BindEnv("generation.recheck_interval", "GENERATION_RECHECK_INTERVAL")
	_ = viper.BindEnv("generation.recheck_cooldown", "GENERATION_RECHECK_COOLDOWN")
	_ = viper.BindEnv("generation.recheck_max_retries", "GENERATION_RECHECK_MAX_RETRIES")
	_ = viper.BindEnv("generation.request_timeout", "GENERATION_REQUEST_TIMEOUT")
	_ = viper.BindEnv("generation.initial_balance", "GENERATION_INITIAL_BALANCE")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 20)

	// Suno defaults
	viper.SetDefault("suno.base_url", "https://api.sunoapi.org")
	viper.SetDefault("suno.timeout", 60)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Local cache defaults
	viper.SetDefault("cache.dir", "./data")

	// Generation defaults
	viper.SetDefault("generation.cost", 5)
	viper.SetDefault("generation.poll_interval", "5s")
	viper.SetDefault("generation.max_poll_window", "5m")
	viper.SetDefault("generation.max_poll_attempts", 60)
	viper.SetDefault("generation.recheck_interval", "30s")
	viper.SetDefault("generation.recheck_cooldown", "2m")
	viper.SetDefault("generation.recheck_max_retries", 10)
	viper.SetDefault("generation.request_timeout", "30s")
	viper.SetDefault("generation.initial_balance", 50)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Suno: SunoConfig{
			APIKey:  viper.GetString("suno.api_key"),
			BaseURL: viper.GetString("suno.base_url"),
			Timeout: viper.GetInt("suno.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Database: DatabaseConfig{
			URL: viper.GetString("database.url"),
		},
		Cache: CacheConfig{
			Dir: viper.GetString("cache.dir"),
		},
		Generation: GenerationConfig{
			Cost:              viper.GetInt64("generation.cost"),
			PollInterval:      viper.GetDuration("generation.poll_interval"),
			MaxPollWindow:     viper.GetDuration("generation.max_poll_window"),
			MaxPollAttempts:   viper.GetInt("generation.max_poll_attempts"),
			RecheckInterval:   viper.GetDuration("generation.recheck_interval"),
			RecheckCooldown:   viper.GetDuration("generation.recheck_cooldown"),
			RecheckMaxRetries: viper.GetInt("generation.recheck_max_retries"),
			RequestTimeout:    viper.GetDuration("generation.request_timeout"),
			InitialBalance:    viper.GetInt64("generation.initial_balance"),
		},
	}

	if err := cfg.Generation.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pollers and the ledger cannot run with.
func (g GenerationConfig) Validate() error {
	var errs []error
	if g.Cost <= 0 {
		errs = append(errs, fmt.Errorf("generation.cost must be positive, got %d", g.Cost))
	}
	for name, d := range map[string]time.Duration{
		"generation.poll_interval":    g.PollInterval,
		"generation.max_poll_window":  g.MaxPollWindow,
		"generation.recheck_interval": g.RecheckInterval,
		"generation.recheck_cooldown": g.RecheckCooldown,
		"generation.request_timeout":  g.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if g.MaxPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("generation.max_poll_attempts must be positive, got %d", g.MaxPollAttempts))
	}
	if g.RecheckMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("generation.recheck_max_retries must be positive, got %d", g.RecheckMaxRetries))
	}
	if g.InitialBalance < 0 {
		errs = append(errs, fmt.Errorf("generation.initial_balance must not be negative, got %d", g.InitialBalance))
	}
	return errors.Join(errs...)
}
