package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Exchange market data
	ExchangeRESTURL   string
	ExchangeStreamURL string
	TrackedSymbols    []string

	// Storage
	DBURL    string
	CacheURL string

	// Session gateway
	PlatformBotToken string
	JWTSigningKey    string
	AccessTTLSeconds int
	RefreshTTLSecs   int

	// Risk evaluator
	PriceStaleMs       int
	EvalTickMs         int
	MaxEvalConcurrency int

	// Payouts
	MinPayoutUSDT float64

	// Catalog seed
	CatalogPath string

	// HTTP
	AllowedOrigins  []string
	RequestTimeoutS int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		ExchangeRESTURL:    getEnv("EXCHANGE_REST_URL", "https://api.binance.com"),
		ExchangeStreamURL:  getEnv("EXCHANGE_STREAM_URL", "wss://stream.binance.com:9443"),
		TrackedSymbols:     splitAndTrim(getEnv("TRACKED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT,BNBUSDT,XRPUSDT,DOGEUSDT,TONUSDT")),
		DBURL:              getEnv("DB_URL", "./data/krypton.db"),
		CacheURL:           getEnv("CACHE_URL", ""),
		PlatformBotToken:   os.Getenv("PLATFORM_BOT_TOKEN"),
		JWTSigningKey:      getEnv("JWT_SIGNING_KEY", "dev-secret"),
		AccessTTLSeconds:   getEnvInt("ACCESS_TTL_S", 900),
		RefreshTTLSecs:     getEnvInt("REFRESH_TTL_S", 30*24*3600),
		PriceStaleMs:       getEnvInt("PRICE_STALE_MS", 5000),
		EvalTickMs:         getEnvInt("EVAL_TICK_MS", 1000),
		MaxEvalConcurrency: getEnvInt("MAX_EVAL_CONCURRENCY", 0),
		MinPayoutUSDT:      getEnvFloat("MIN_PAYOUT_USDT", 50.0),
		CatalogPath:        getEnv("CATALOG_PATH", "catalog.yaml"),
		AllowedOrigins:     splitAndTrim(getEnv("ALLOWED_ORIGINS", "")),
		RequestTimeoutS:    getEnvInt("REQUEST_TIMEOUT_S", 15),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
