package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string
	PostgresDSN     string
	RedisAddr       string
	KafkaBrokers    []string
	CallbackTopic   string
	JWTSecret       string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	PollInterval    time.Duration
	StuckAfter      time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		KafkaBrokers:    []string{os.Getenv("KAFKA_BROKER")},
		CallbackTopic:   os.Getenv("KAFKA_CALLBACK_TOPIC"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: durationEnv("PROVIDER_TIMEOUT", 10*time.Second),
		PollInterval:    durationEnv("RECON_POLL_INTERVAL", time.Minute),
		StuckAfter:      durationEnv("RECON_STUCK_AFTER", 24*time.Hour),
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=reconciler sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.CallbackTopic == "" {
		cfg.CallbackTopic = "provider.callbacks"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.ProviderBaseURL == "" {
		cfg.ProviderBaseURL = "http://localhost:9191"
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"postgres_dsn", cfg.PostgresDSN,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"provider_base_url", cfg.ProviderBaseURL,
		"poll_interval", cfg.PollInterval)
	return cfg
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env var, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return d
}
