// Package config assembles the daemon's configuration from the
// environment. All keys carry the SIGFOX2MQTT_ prefix; a .env file in
// the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultPollInterval     = 2 * time.Minute
	DefaultMessageLimit     = 1
	DefaultFetchConcurrency = 4
	DefaultMQTTTopicPrefix  = "sigfox2mqtt"
	DefaultDiscoveryPrefix  = "homeassistant"
	DefaultLogLevel         = "info"

	// MinPollInterval keeps the poll cadence inside the remote API's
	// rate limits no matter what the environment says.
	MinPollInterval = 30 * time.Second
)

// Config is the fully-resolved daemon configuration.
type Config struct {
	// Sigfox API access. Exactly one of Login/Password or Token must
	// be set.
	APIBaseURL   string
	APILogin     string
	APIPassword  string
	APIToken     string
	DeviceTypeID string

	PollInterval     time.Duration
	MessageLimit     int
	FetchConcurrency int

	// MQTT is optional: an empty broker URL disables the publisher.
	MQTTBrokerURL       string
	MQTTUsername        string
	MQTTPassword        string
	MQTTTopicPrefix     string
	MQTTDiscoveryPrefix string

	HTTPAddr string
	LogLevel string
}

// Load reads the SIGFOX2MQTT_* environment, applies defaults, and
// validates.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:          os.Getenv("SIGFOX2MQTT_API_BASE_URL"),
		APILogin:            os.Getenv("SIGFOX2MQTT_API_LOGIN"),
		APIPassword:         os.Getenv("SIGFOX2MQTT_API_PASSWORD"),
		APIToken:            os.Getenv("SIGFOX2MQTT_API_TOKEN"),
		DeviceTypeID:        os.Getenv("SIGFOX2MQTT_DEVICE_TYPE_ID"),
		MQTTBrokerURL:       os.Getenv("SIGFOX2MQTT_MQTT_BROKER_URL"),
		MQTTUsername:        os.Getenv("SIGFOX2MQTT_MQTT_USERNAME"),
		MQTTPassword:        os.Getenv("SIGFOX2MQTT_MQTT_PASSWORD"),
		MQTTTopicPrefix:     os.Getenv("SIGFOX2MQTT_MQTT_TOPIC_PREFIX"),
		MQTTDiscoveryPrefix: os.Getenv("SIGFOX2MQTT_MQTT_DISCOVERY_PREFIX"),
		HTTPAddr:            os.Getenv("SIGFOX2MQTT_HTTP_ADDR"),
		LogLevel:            os.Getenv("SIGFOX2MQTT_LOG_LEVEL"),
	}

	var err error
	if cfg.PollInterval, err = envDuration("SIGFOX2MQTT_POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.MessageLimit, err = envInt("SIGFOX2MQTT_MESSAGE_LIMIT", DefaultMessageLimit); err != nil {
		return nil, err
	}
	if cfg.FetchConcurrency, err = envInt("SIGFOX2MQTT_FETCH_CONCURRENCY", DefaultFetchConcurrency); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.MQTTTopicPrefix == "" {
		cfg.MQTTTopicPrefix = DefaultMQTTTopicPrefix
	}
	if cfg.MQTTDiscoveryPrefix == "" {
		cfg.MQTTDiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate enforces required invariants beyond type parsing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	hasBasic := cfg.APILogin != "" || cfg.APIPassword != ""
	hasToken := cfg.APIToken != ""
	switch {
	case hasBasic && hasToken:
		return fmt.Errorf("set either SIGFOX2MQTT_API_LOGIN/SIGFOX2MQTT_API_PASSWORD or SIGFOX2MQTT_API_TOKEN, not both")
	case hasBasic && (cfg.APILogin == "" || cfg.APIPassword == ""):
		return fmt.Errorf("SIGFOX2MQTT_API_LOGIN and SIGFOX2MQTT_API_PASSWORD must both be set")
	case !hasBasic && !hasToken:
		return fmt.Errorf("credentials are required: SIGFOX2MQTT_API_LOGIN/SIGFOX2MQTT_API_PASSWORD or SIGFOX2MQTT_API_TOKEN")
	}

	if cfg.PollInterval < MinPollInterval {
		return fmt.Errorf("SIGFOX2MQTT_POLL_INTERVAL must be at least %s", MinPollInterval)
	}
	if cfg.MessageLimit < 1 {
		return fmt.Errorf("SIGFOX2MQTT_MESSAGE_LIMIT must be positive")
	}
	if cfg.FetchConcurrency < 1 {
		return fmt.Errorf("SIGFOX2MQTT_FETCH_CONCURRENCY must be positive")
	}
	return nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
