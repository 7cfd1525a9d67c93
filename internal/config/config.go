package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup: with no PG_DSN,
// REDIS_ADDR or broker configured everything runs in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL      string
	AMQPExchange string

	WebhookURL string
	WebhookKey string

	StripeAPIKey string
	Currency     string

	SMTP SMTPConfig

	JWTSecret       string
	JWTIssuer       string
	AllowUserHeader bool

	VerificationTTL   time.Duration
	IdempotencyTTL    time.Duration
	ReconcileInterval time.Duration
	EventTimeout      time.Duration

	LogLevel  string
	LogFormat string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

func (s SMTPConfig) Enabled() bool { return s.Host != "" && s.From != "" }

// ConsumerConfig configures the mail notification consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string
	SMTP  SMTPConfig

	DeliveryAttempts int
	RetryDelay       time.Duration

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "rides:open:geo",
		KafkaTopic:        "ride-events",
		AMQPExchange:      "ride_events",
		Currency:          "usd",
		SMTP:              defaultSMTP(),
		VerificationTTL:   2 * time.Hour,
		IdempotencyTTL:    24 * time.Hour,
		ReconcileInterval: 5 * time.Minute,
		EventTimeout:      5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

func defaultSMTP() SMTPConfig {
	return SMTPConfig{Port: 587, FromName: "Ride Share"}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	cfg.WebhookKey = os.Getenv("WEBHOOK_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "CURRENCY")
	cfg.Currency = strings.ToLower(cfg.Currency)

	loadSMTP(&cfg.SMTP, &errs)

	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.JWTIssuer = os.Getenv("AUTH_JWT_ISSUER")
	setBoolFromEnv(&cfg.AllowUserHeader, "AUTH_ALLOW_HEADER", &errs)

	setDurationFromEnv(&cfg.VerificationTTL, "VERIFICATION_TTL", &errs)
	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.EventTimeout, "EVENT_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.JWTSecret == "" && !cfg.AllowUserHeader {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET is required unless AUTH_ALLOW_HEADER=true"))
	}
	if len(cfg.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be a 3-letter code"))
	}
	if cfg.ReconcileInterval < 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be >= 0"))
	}
	if cfg.EventTimeout <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "ride-events",
		KafkaGroup:       "ride-share-mailer",
		SMTP:             defaultSMTP(),
		DeliveryAttempts: 3,
		RetryDelay:       200 * time.Millisecond,
		LogLevel:         "info",
		LogFormat:        "json",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	if brokersEnv != "" {
		cfg.KafkaBrokers = splitAndTrim(brokersEnv)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	loadSMTP(&cfg.SMTP, &errs)
	setIntFromEnv(&cfg.DeliveryAttempts, "MAIL_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "MAIL_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if !cfg.SMTP.Enabled() {
		errs = append(errs, fmt.Errorf("SMTP_HOST and SMTP_FROM are required"))
	}
	if cfg.DeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAIL_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadSMTP(s *SMTPConfig, errs *[]error) {
	setStringFromEnv(&s.Host, "SMTP_HOST")
	setIntFromEnv(&s.Port, "SMTP_PORT", errs)
	s.Username = os.Getenv("SMTP_USERNAME")
	s.Password = os.Getenv("SMTP_PASSWORD")
	setStringFromEnv(&s.From, "SMTP_FROM")
	setStringFromEnv(&s.FromName, "SMTP_FROM_NAME")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
