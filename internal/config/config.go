// Package config loads the service configuration: defaults, then an
// optional YAML file, then environment variables, which always win.
package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRabbitHost = "rabbit"
	DefaultRabbitPort = 5672
	DefaultHTTPPort   = 8080
	DefaultExchange   = "mss.direct"
)

// Broker kinds.
const (
	BrokerAMQP   = "amqp"
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Rabbit   RabbitConfig   `yaml:"rabbit"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BrokerConfig selects the gateway and the exchange it routes through.
type BrokerConfig struct {
	Kind     string        `yaml:"kind"`     // amqp, redis, memory
	Exchange string        `yaml:"exchange"` // direct exchange name
	Timeout  time.Duration `yaml:"timeout"`  // per-request deadline for broker calls
}

// RabbitConfig contains the AMQP connection settings. URL, when set,
// overrides the individual fields.
type RabbitConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// RedisConfig contains the Redis connection settings.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// HTTPConfig contains the listener and request throttling settings.
type HTTPConfig struct {
	Port      int     `yaml:"port"`
	RateRPS   float64 `yaml:"rate_rps"` // 0 disables rate limiting
	RateBurst int     `yaml:"rate_burst"`
}

// RegistryConfig tunes subscription reconciliation.
type RegistryConfig struct {
	BindConcurrency       int  `yaml:"bind_concurrency"`
	RollbackOnBindFailure bool `yaml:"rollback_on_bind_failure"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:     BrokerAMQP,
			Exchange: DefaultExchange,
			Timeout:  10 * time.Second,
		},
		Rabbit: RabbitConfig{
			Host:     DefaultRabbitHost,
			Port:     DefaultRabbitPort,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
		},
		Redis: RedisConfig{
			URL:    "redis://localhost:6379/0",
			Prefix: "mss",
		},
		HTTP: HTTPConfig{
			Port:      DefaultHTTPPort,
			RateBurst: 20,
		},
		Registry: RegistryConfig{BindConcurrency: 8},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty; a missing file at an
// explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := DecodeStrict(f, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, joinErrors(errs)
	}
	return cfg, nil
}

// DecodeStrict decodes YAML from a reader and rejects unknown fields.
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, ValidationError{Path: key, Message: "must be an integer", Hint: "got " + strconv.Quote(v)})
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, ValidationError{Path: key, Message: "must be a number", Hint: "got " + strconv.Quote(v)})
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, ValidationError{Path: key, Message: "must be a boolean", Hint: "got " + strconv.Quote(v)})
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, ValidationError{Path: key, Message: "must be a duration", Hint: "e.g. 5s, 250ms"})
				return
			}
			*dst = d
		}
	}

	str("BROKER_KIND", &c.Broker.Kind)
	str("EXCHANGE_NAME", &c.Broker.Exchange)
	duration("BROKER_TIMEOUT", &c.Broker.Timeout)
	str("RABBIT_URL", &c.Rabbit.URL)
	str("RABBIT_HOST", &c.Rabbit.Host)
	integer("RABBIT_PORT", &c.Rabbit.Port)
	str("RABBIT_USER", &c.Rabbit.User)
	str("RABBIT_PASSWORD", &c.Rabbit.Password)
	str("RABBIT_VHOST", &c.Rabbit.VHost)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	integer("HTTP_PORT", &c.HTTP.Port)
	float("RATE_RPS", &c.HTTP.RateRPS)
	integer("RATE_BURST", &c.HTTP.RateBurst)
	integer("BIND_CONCURRENCY", &c.Registry.BindConcurrency)
	boolean("ROLLBACK_ON_BIND_FAILURE", &c.Registry.RollbackOnBindFailure)
	str("LOG_LEVEL", &c.Logging.Level)
	boolean("LOG_DEVELOPMENT", &c.Logging.Development)

	c.Broker.Kind = strings.ToLower(strings.TrimSpace(c.Broker.Kind))
	if len(errs) > 0 {
		return joinErrors(errs)
	}
	return nil
}

// AMQPURL returns the AMQP URL, composing it from the individual fields
// when no URL is configured.
func (c *Config) AMQPURL() string {
	if c.Rabbit.URL != "" {
		return c.Rabbit.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Rabbit.User, c.Rabbit.Password),
		Host:   net.JoinHostPort(c.Rabbit.Host, strconv.Itoa(c.Rabbit.Port)),
		Path:   "/" + strings.TrimPrefix(c.Rabbit.VHost, "/"),
	}
	if c.Rabbit.VHost == "/" || c.Rabbit.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.HTTP.Port)
}

// Redacted returns a copy safe to expose on debug endpoints.
func (c *Config) Redacted() Config {
	out := *c
	if out.Rabbit.Password != "" {
		out.Rabbit.Password = "****"
	}
	if out.Rabbit.URL != "" {
		if u, err := url.Parse(out.Rabbit.URL); err == nil && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), "redacted")
			out.Rabbit.URL = u.String()
		}
	}
	if u, err := url.Parse(out.Redis.URL); err == nil && u.User != nil {
		if _, set := u.User.Password(); set {
			u.User = url.UserPassword(u.User.Username(), "redacted")
			out.Redis.URL = u.String()
		}
	}
	return out
}
