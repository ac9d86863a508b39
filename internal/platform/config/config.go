package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Values come from the
// environment so main stays lean; every field has a development default.
type Config struct {
	Addr        string
	RedisURL    string
	PostgresURL string

	// KafkaBrokers enables the audit stream sink when non-empty.
	KafkaBrokers []string
	AuditTopic   string

	// JWT signing for bot access tokens.
	JWTSigningKey string
	JWTIssuer     string

	// BaseURL is handed to bots so the curated client can call back.
	BaseURL string

	// StorageDir roots the filesystem blob store; empty keeps blobs in memory.
	StorageDir string

	// RemoteRuntimeURL is the base URL of the remote function service.
	RemoteRuntimeURL string

	// VMContextEnabled gates the in-process script runtime server-wide.
	VMContextEnabled bool

	DefaultBotTimeout time.Duration
	WebhookTimeout    time.Duration

	// Audit text truncation limits per destination.
	MaxAuditDescForResource int
	MaxAuditDescForLogs     int
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:                    envOr("CAREHOOKS_ADDR", ":8080"),
		RedisURL:                envOr("CAREHOOKS_REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL:             os.Getenv("CAREHOOKS_POSTGRES_URL"),
		KafkaBrokers:            splitNonEmpty(os.Getenv("CAREHOOKS_KAFKA_BROKERS")),
		AuditTopic:              envOr("CAREHOOKS_AUDIT_TOPIC", "carehooks.audit"),
		JWTSigningKey:           envOr("CAREHOOKS_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:               envOr("CAREHOOKS_JWT_ISSUER", "carehooks"),
		BaseURL:                 envOr("CAREHOOKS_BASE_URL", "http://localhost:8080/"),
		StorageDir:              os.Getenv("CAREHOOKS_STORAGE_DIR"),
		RemoteRuntimeURL:        os.Getenv("CAREHOOKS_REMOTE_RUNTIME_URL"),
		VMContextEnabled:        envOr("CAREHOOKS_VMCONTEXT_ENABLED", "true") == "true",
		DefaultBotTimeout:       envDurationOr("CAREHOOKS_BOT_TIMEOUT", 10*time.Second),
		WebhookTimeout:          envDurationOr("CAREHOOKS_WEBHOOK_TIMEOUT", 120*time.Second),
		MaxAuditDescForResource: envIntOr("CAREHOOKS_MAX_AUDIT_DESC_RESOURCE", 10*1024),
		MaxAuditDescForLogs:     envIntOr("CAREHOOKS_MAX_AUDIT_DESC_LOGS", 10*1024),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
