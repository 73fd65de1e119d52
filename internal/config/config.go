package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProfileDevelopment = "development"
	ProfileProduction  = "production"
)

type GatewayConfig struct {
	BaseURL       string        `mapstructure:"RAZORPAY_BASE_URL"`
	KeyID         string        `mapstructure:"RAZORPAY_KEY_ID"`
	KeySecret     string        `mapstructure:"RAZORPAY_KEY_SECRET"`
	WebhookSecret string        `mapstructure:"RAZORPAY_WEBHOOK_SECRET"`
	Timeout       time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
}

type Config struct {
	Profile                 string        `mapstructure:"NODE_ENV"`
	Port                    string        `mapstructure:"PORT"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	KafkaBrokers            string        `mapstructure:"KAFKA_BROKERS"`
	StateTopic              string        `mapstructure:"KAFKA_STATE_TOPIC"`
	NatsURL                 string        `mapstructure:"NATS_URL"`
	JaegerEndpoint          string        `mapstructure:"JAEGER_ENDPOINT"`
	DefaultCurrency         string        `mapstructure:"DEFAULT_CURRENCY"`
	SkipWebhookVerification bool          `mapstructure:"SKIP_WEBHOOK_VERIFICATION"`
	RepositoryTimeout       time.Duration `mapstructure:"REPOSITORY_TIMEOUT"`
	WebhookDedupTTL         time.Duration `mapstructure:"WEBHOOK_DEDUP_TTL"`
	Gateway                 GatewayConfig `mapstructure:",squash"`
}

var defaults = map[string]any{
	"NODE_ENV":                  ProfileDevelopment,
	"PORT":                      "3006",
	"DATABASE_URL":              "",
	"REDIS_URL":                 "",
	"KAFKA_BROKERS":             "",
	"KAFKA_STATE_TOPIC":         "payment.state.changed",
	"NATS_URL":                  "",
	"JAEGER_ENDPOINT":           "",
	"DEFAULT_CURRENCY":          "INR",
	"SKIP_WEBHOOK_VERIFICATION": false,
	"REPOSITORY_TIMEOUT":        "5s",
	"WEBHOOK_DEDUP_TTL":         "24h",
	"RAZORPAY_BASE_URL":         "https://api.razorpay.com",
	"RAZORPAY_KEY_ID":           "",
	"RAZORPAY_KEY_SECRET":       "",
	"RAZORPAY_WEBHOOK_SECRET":   "",
	"GATEWAY_TIMEOUT":           "10s",
}

// Load reads configuration from the environment, falling back to defaults.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Profile = strings.ToLower(cfg.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Profile != ProfileDevelopment
}

// Validate rejects configurations that would weaken payment authenticity.
// Any profile other than development is treated as production.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() {
		if c.SkipWebhookVerification {
			errs = append(errs, errors.New("SKIP_WEBHOOK_VERIFICATION is not allowed in production"))
		}
		if c.Gateway.WebhookSecret == "" {
			errs = append(errs, errors.New("RAZORPAY_WEBHOOK_SECRET is required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}
	if c.Gateway.KeyID == "" || c.Gateway.KeySecret == "" {
		errs = append(errs, errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required"))
	}
	if c.RepositoryTimeout <= 0 || c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("REPOSITORY_TIMEOUT and GATEWAY_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) KafkaBrokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
