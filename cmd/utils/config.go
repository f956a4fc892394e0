package utils

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Name        string `env:"APP_NAME" envDefault:"checkoutbus"`
	RabbitMQURL string `env:"RABBITMQ_URL" envDefault:"amqp://localhost"`

	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	ConsumerPrefetch  int           `env:"CONSUMER_PREFETCH" envDefault:"0"`
	PublisherConfirms bool          `env:"PUBLISHER_CONFIRMS" envDefault:"true"`

	CheckoutPort  int `env:"CHECKOUT_PORT" envDefault:"3004"`
	AnalyticsPort int `env:"ANALYTICS_PORT" envDefault:"3005"`
	NotifierPort  int `env:"NOTIFIER_PORT" envDefault:"3006"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

var appConfig *Config

// GetConfig loads the configuration once and caches it.
func GetConfig() *Config {
	if appConfig != nil {
		return appConfig
	} else {
		err := godotenv.Load(".env")
		if err != nil {
			fmt.Println("Unable to load .env file. Continuing without loading it...")
		}
		cfg, err := ParseConfig()
		if err != nil {
			panic(err)
		}
		appConfig = cfg
		return appConfig
	}
}

// ParseConfig reads the environment without caching.
func ParseConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if cfg.ReconnectDelay <= 0 {
		return nil, errors.Errorf("RECONNECT_DELAY must be positive, got %s", cfg.ReconnectDelay)
	}
	if cfg.ConsumerPrefetch < 0 {
		return nil, errors.Errorf("CONSUMER_PREFETCH must not be negative, got %d", cfg.ConsumerPrefetch)
	}
	return cfg, nil
}
