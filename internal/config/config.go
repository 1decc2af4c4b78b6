package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                 string
	DatabaseURL          string
	ReassignTimeout      time.Duration
	FeedPollInterval     time.Duration
	FeedBatchSize        int
	RateLimitPerSecond   float64
	RateLimitBurst       int
	SessionRatePerSecond float64
	SessionRateBurst     int
	OTLPEndpoint         string
	OTLPInsecure         bool
}

func Load() Config {
	// missing .env is fine, the environment wins either way
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                 port,
		DatabaseURL:          os.Getenv("DB_DSN"),
		ReassignTimeout:      readDurationSeconds("REASSIGN_TIMEOUT_SECONDS", 15),
		FeedPollInterval:     readDurationSeconds("FEED_POLL_INTERVAL_SECONDS", 1),
		FeedBatchSize:        readInt("FEED_BATCH_SIZE", 100),
		RateLimitPerSecond:   readFloat("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 40),
		SessionRatePerSecond: readFloat("SESSION_RATE_LIMIT_PER_SECOND", 10),
		SessionRateBurst:     readInt("SESSION_RATE_LIMIT_BURST", 20),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:         readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
