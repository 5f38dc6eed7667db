package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	TelegramWebhook = "webhook"
	TelegramPolling = "polling"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	MongoURI       string        `mapstructure:"MONGODB_URI"`
	MongoDatabase  string        `mapstructure:"MONGODB_DATABASE"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	JWTTTL         time.Duration `mapstructure:"JWT_TTL"`
	PublicBaseURL  string        `mapstructure:"PUBLIC_BASE_URL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	SpacesEndpoint string        `mapstructure:"DO_SPACES_ENDPOINT"`
	SpacesRegion   string        `mapstructure:"DO_SPACES_REGION"`
	SpacesBucket   string        `mapstructure:"DO_SPACES_BUCKET"`
	SpacesKey      string        `mapstructure:"DO_SPACES_KEY"`
	SpacesSecret   string        `mapstructure:"DO_SPACES_SECRET"`
	PresignTTL     time.Duration `mapstructure:"PRESIGN_TTL"`

	TelegramBotToken      string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramMode          string `mapstructure:"TELEGRAM_MODE"`
	TelegramWebhookSecret string `mapstructure:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramWebhookURL    string `mapstructure:"TELEGRAM_WEBHOOK_URL"`

	TwilioAccountSID   string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom string `mapstructure:"TWILIO_WHATSAPP_FROM"`

	OutlookSMTPHost string `mapstructure:"OUTLOOK_SMTP_HOST"`
	OutlookSMTPPort int    `mapstructure:"OUTLOOK_SMTP_PORT"`
	OutlookUser     string `mapstructure:"OUTLOOK_USER"`
	OutlookPassword string `mapstructure:"OUTLOOK_PASSWORD"`
	OutlookFrom     string `mapstructure:"OUTLOOK_FROM"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_SCHEMA", "MONGODB_URI", "MONGODB_DATABASE", "JWT_SECRET", "JWT_TTL",
	"PUBLIC_BASE_URL", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT", "METRICS_ENABLED",
	"DO_SPACES_ENDPOINT", "DO_SPACES_REGION", "DO_SPACES_BUCKET", "DO_SPACES_KEY",
	"DO_SPACES_SECRET", "PRESIGN_TTL",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_MODE", "TELEGRAM_WEBHOOK_SECRET",
	"TELEGRAM_WEBHOOK_URL",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_WHATSAPP_FROM",
	"OUTLOOK_SMTP_HOST", "OUTLOOK_SMTP_PORT", "OUTLOOK_USER", "OUTLOOK_PASSWORD",
	"OUTLOOK_FROM",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MONGODB_DATABASE", "medflow")
	v.SetDefault("JWT_TTL", "12h")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("DO_SPACES_REGION", "us-east-1")
	v.SetDefault("PRESIGN_TTL", "15m")
	v.SetDefault("TELEGRAM_MODE", TelegramWebhook)
	v.SetDefault("OUTLOOK_SMTP_HOST", "smtp.office365.com")
	v.SetDefault("OUTLOOK_SMTP_PORT", 587)
	v.SetDefault("KAFKA_TOPIC", "medflow.events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET is empty; using an insecure development secret.")
		cfg.JWTSecret = "medflow-development-secret-do-not-use-in-prod"
	}

	return cfg, nil
}

// splitList turns a comma-separated env value into a trimmed slice.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SpacesEnabled reports whether object storage credentials are configured.
func (c *Config) SpacesEnabled() bool {
	return c.SpacesBucket != "" && c.SpacesKey != "" && c.SpacesSecret != ""
}

// TwilioEnabled reports whether WhatsApp delivery through Twilio is configured.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppFrom != ""
}

// SMTPEnabled reports whether outbound email is configured.
func (c *Config) SMTPEnabled() bool {
	return c.OutlookUser != "" && c.OutlookPassword != ""
}

// Validate checks that the configuration is safe to run. Outside development
// JWT_SECRET must be at least 32 bytes. The selected store must have its
// connection string.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when STORE_DRIVER is %q", StoreMongo)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMongo, c.StoreDriver)
	}

	if !c.IsDev() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes outside development (ENV=%q)", c.Env)
	}

	if c.TelegramMode != TelegramWebhook && c.TelegramMode != TelegramPolling {
		return fmt.Errorf("TELEGRAM_MODE must be %q or %q, got %q", TelegramWebhook, TelegramPolling, c.TelegramMode)
	}
	if c.TelegramBotToken != "" && c.TelegramMode == TelegramWebhook && c.TelegramWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required for webhook mode in production")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
