package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	APIToken        string
	PolicyFile      string
	AnthropicAPIKey string
	ExtractModel    string
	VisionModel     string
	AnthropicRPS    float64

	OCRServiceURL   string
	OCRServiceToken string
	OCRCost         float64
	OCRTimeout      time.Duration
	VisionCost      float64
	VisionTimeout   time.Duration

	SlackBotToken string
	SlackChannel  string

	BlobConnectionString string
	BlobAccountURL       string
	BlobContainer        string

	Workers        int
	SessionBucket  string
	SessionTimeout time.Duration
	UploadLimit    int
	UploadWindow   time.Duration
	DedupTTL       time.Duration
}

func Load() Config {
	return Config{
		Port:            envInt("TALLY_PORT", 8760),
		NatsURL:         envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		APIToken:        envStr("TALLY_API_TOKEN", ""),
		PolicyFile:      envStr("TALLY_POLICY_FILE", ""),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		ExtractModel:    envStr("TALLY_EXTRACT_MODEL", "claude-sonnet-4-20250514"),
		VisionModel:     envStr("TALLY_VISION_MODEL", "claude-sonnet-4-20250514"),
		AnthropicRPS:    envFloat("TALLY_ANTHROPIC_RPS", 2),

		OCRServiceURL:   envStr("OCR_SERVICE_URL", ""),
		OCRServiceToken: envStr("OCR_SERVICE_TOKEN", ""),
		OCRCost:         envFloat("OCR_SERVICE_COST", 0.0015),
		OCRTimeout:      envDuration("OCR_SERVICE_TIMEOUT", 15*time.Second),
		VisionCost:      envFloat("TALLY_VISION_COST", 0.012),
		VisionTimeout:   envDuration("TALLY_VISION_TIMEOUT", 45*time.Second),

		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:  envStr("SLACK_REVIEW_CHANNEL", ""),

		BlobConnectionString: envStr("AZURE_STORAGE_CONNECTION_STRING", ""),
		BlobAccountURL:       envStr("AZURE_STORAGE_ACCOUNT_URL", ""),
		BlobContainer:        envStr("TALLY_BLOB_CONTAINER", "tally-uploads"),

		Workers:        envInt("TALLY_WORKERS", 4),
		SessionBucket:  envStr("TALLY_SESSION_BUCKET", ""),
		SessionTimeout: envDuration("TALLY_SESSION_TIMEOUT", 30*time.Minute),
		UploadLimit:    envInt("TALLY_UPLOAD_LIMIT", 20),
		UploadWindow:   envDuration("TALLY_UPLOAD_WINDOW", time.Hour),
		DedupTTL:       envDuration("TALLY_DEDUP_TTL", 24*time.Hour),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "30m").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
