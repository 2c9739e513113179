package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joao-fontenele/followers-shop/internal/payments"
)

type Config struct {
	Port           string
	ServiceVersion string

	PostgresURL    string
	DBSchema       string
	MigrationsPath string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr      string
	IdempotencyTTL time.Duration

	JWTSecret     string
	JWTTTL        time.Duration
	AdminEmail    string
	AdminPassword string

	PublicBaseURL string
	MercadoPago   payments.Config

	ShopServiceURL  string
	AdminServiceURL string
	EmailServiceURL string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, optionally layered over
// the file named by CONFIG_FILE. defaultPort is the listen port used when PORT
// is unset.
func Load(defaultPort string) (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", defaultPort)
	v.SetDefault("SERVICE_VERSION", "1.0.0")
	v.SetDefault("DB_SCHEMA", "shop")
	v.SetDefault("MIGRATIONS_PATH", "file://migrations")
	v.SetDefault("KAFKA_TOPIC", "order.status_changed")
	v.SetDefault("KAFKA_GROUP_ID", "order-notifier")
	v.SetDefault("IDEMPOTENCY_TTL", 24*time.Hour)
	v.SetDefault("JWT_TTL", 24*time.Hour)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("MERCADOPAGO_BASE_URL", payments.DefaultBaseURL)
	v.SetDefault("MERCADOPAGO_SANDBOX", false)
	v.SetDefault("PAYMENT_TIMEOUT", payments.DefaultTimeout)
	v.SetDefault("CURRENCY", "CLP")
	v.SetDefault("SHOP_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("ADMIN_SERVICE_URL", "http://localhost:8082")
	v.SetDefault("EMAIL_SERVICE_URL", "http://localhost:8084")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	// Keys without a default are only visible to AutomaticEnv once bound.
	for _, key := range []string{
		"POSTGRES_URL", "KAFKA_BROKERS", "REDIS_ADDR", "JWT_SECRET",
		"ADMIN_EMAIL", "ADMIN_PASSWORD", "MERCADOPAGO_ACCESS_TOKEN", "MERCADOPAGO_WEBHOOK_SECRET",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		ServiceVersion: v.GetString("SERVICE_VERSION"),
		PostgresURL:    v.GetString("POSTGRES_URL"),
		DBSchema:       v.GetString("DB_SCHEMA"),
		MigrationsPath: v.GetString("MIGRATIONS_PATH"),
		KafkaBrokers:   splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:     v.GetString("KAFKA_TOPIC"),
		KafkaGroupID:   v.GetString("KAFKA_GROUP_ID"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		IdempotencyTTL: v.GetDuration("IDEMPOTENCY_TTL"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTTTL:         v.GetDuration("JWT_TTL"),
		AdminEmail:     v.GetString("ADMIN_EMAIL"),
		AdminPassword:  v.GetString("ADMIN_PASSWORD"),
		PublicBaseURL:  strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		MercadoPago: payments.Config{
			AccessToken:   v.GetString("MERCADOPAGO_ACCESS_TOKEN"),
			BaseURL:       v.GetString("MERCADOPAGO_BASE_URL"),
			Sandbox:       v.GetBool("MERCADOPAGO_SANDBOX"),
			Currency:      v.GetString("CURRENCY"),
			WebhookSecret: v.GetString("MERCADOPAGO_WEBHOOK_SECRET"),
			Timeout:       v.GetDuration("PAYMENT_TIMEOUT"),
		},
		ShopServiceURL:  v.GetString("SHOP_SERVICE_URL"),
		AdminServiceURL: v.GetString("ADMIN_SERVICE_URL"),
		EmailServiceURL: v.GetString("EMAIL_SERVICE_URL"),
		OTLPEndpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg, nil
}

// Require returns an error naming every listed setting that is empty.
func (c *Config) Require(names ...string) error {
	values := map[string]string{
		"POSTGRES_URL":             c.PostgresURL,
		"KAFKA_BROKERS":            strings.Join(c.KafkaBrokers, ","),
		"REDIS_ADDR":               c.RedisAddr,
		"JWT_SECRET":               c.JWTSecret,
		"MERCADOPAGO_ACCESS_TOKEN": c.MercadoPago.AccessToken,
		"PUBLIC_BASE_URL":          c.PublicBaseURL,
		"EMAIL_SERVICE_URL":        c.EmailServiceURL,
	}

	var missing []string
	for _, name := range names {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
