package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string  `mapstructure:"BODY_LIMIT"`
	// UploadLimit applies to multipart questionnaire submissions.
	UploadLimit    string        `mapstructure:"UPLOAD_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	// DevActorID is the participant used for unauthenticated requests in development.
	DevActorID string `mapstructure:"DEV_ACTOR_ID"`

	// Price of one consultation in kopecks.
	ConsultationPrice    int64         `mapstructure:"CONSULTATION_PRICE"`
	PaymentProvider      string        `mapstructure:"PAYMENT_PROVIDER"`
	PaymentWebhookSecret string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PendingPaymentTTL    time.Duration `mapstructure:"PENDING_PAYMENT_TTL"`
	MaxPhotos            int           `mapstructure:"MAX_PHOTOS"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	// TelegramWebhookSecret switches the intake from long polling to webhook delivery.
	TelegramWebhookSecret string `mapstructure:"TELEGRAM_WEBHOOK_SECRET"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUser     string `mapstructure:"SMTP_USER"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	RedisURL   string        `mapstructure:"REDIS_URL"`
	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`

	NotifyWorkers     int `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize   int `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyMaxAttempts int `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "UPLOAD_LIMIT", "REQUEST_TIMEOUT", "DEV_ACTOR_ID",
	"CONSULTATION_PRICE", "PAYMENT_PROVIDER", "PAYMENT_WEBHOOK_SECRET", "PENDING_PAYMENT_TTL", "MAX_PHOTOS",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_WEBHOOK_SECRET",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "SMTP_FROM",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL",
	"REDIS_URL", "SESSION_TTL",
	"NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE", "NOTIFY_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "60M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEV_ACTOR_ID", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("CONSULTATION_PRICE", 300000)
	v.SetDefault("PAYMENT_PROVIDER", "mock")
	v.SetDefault("PENDING_PAYMENT_TTL", "72h")
	v.SetDefault("MAX_PHOTOS", 5)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("KAFKA_TOPIC", "application-events")
	v.SetDefault("MINIO_BUCKET", "application-photos")
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 5)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, requests without a bearer token run as the dev actor.")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values that viper hands over as a
// single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 1 {
		return parsed
	}
	if raw == "" && len(parsed) == 1 {
		raw = parsed[0]
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate refuses configurations that would run without authentication or
// accept unsigned payment callbacks outside development.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.PaymentProvider != "mock" && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required for provider %q", c.PaymentProvider)
	}
	if c.ConsultationPrice < 0 {
		return fmt.Errorf("CONSULTATION_PRICE must not be negative, got %d", c.ConsultationPrice)
	}
	if c.MaxPhotos < 0 {
		return fmt.Errorf("MAX_PHOTOS must not be negative, got %d", c.MaxPhotos)
	}
	if c.NotifyWorkers <= 0 || c.NotifyQueueSize <= 0 || c.NotifyMaxAttempts <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS, NOTIFY_QUEUE_SIZE and NOTIFY_MAX_ATTEMPTS must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}
