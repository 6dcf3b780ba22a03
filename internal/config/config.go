package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// KV（空の場合はプロセス内メモリを使う）
	RedisURL string

	// Telegram
	TelegramBotToken string
	TelegramAPIBase  string

	// Scheduler
	CheckInterval time.Duration
	BatchSize     int
	BatchDelay    time.Duration

	// Delivery
	DeliveryInterval time.Duration

	// Fetch
	FetchMaxAttempts  int
	FetchMaxSize      int64
	FetchTimeout      time.Duration
	FetchRetryTimeout time.Duration
	ProfilesFile      string

	// Dedup
	ReceiptRetentionDays int
	SeenWindowSize       int

	// Server
	ServerPort   string
	TriggerToken string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.TelegramAPIBase = getEnvString("TELEGRAM_API_BASE", "https://api.telegram.org")
	cfg.CheckInterval = getEnvDuration("CHECK_INTERVAL", 5*time.Minute)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", 15)
	cfg.BatchDelay = getEnvDuration("BATCH_DELAY", 3*time.Second)
	cfg.DeliveryInterval = getEnvDuration("DELIVERY_INTERVAL", 200*time.Millisecond)
	cfg.FetchMaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", 4)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 25*time.Second)
	cfg.FetchRetryTimeout = getEnvDuration("FETCH_RETRY_TIMEOUT", 30*time.Second)
	cfg.ProfilesFile = getEnvString("PROFILES_FILE", "")
	cfg.ReceiptRetentionDays = getEnvInt("RECEIPT_RETENTION_DAYS", 30)
	cfg.SeenWindowSize = getEnvInt("SEEN_WINDOW_SIZE", 20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TriggerToken = getEnvString("TRIGGER_TOKEN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive: %d", cfg.BatchSize)
	}
	if cfg.FetchMaxAttempts <= 0 {
		return nil, fmt.Errorf("FETCH_MAX_ATTEMPTS must be positive: %d", cfg.FetchMaxAttempts)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
