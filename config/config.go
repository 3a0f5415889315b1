// Package config loads the service configuration: defaults, overlaid by an
// optional YAML file, overlaid by TASKQ_-prefixed environment variables, then
// validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the full configuration shared by the producer, consumer and
	// predictor binaries. Each binary reads the sections it needs.
	Config struct {
		Broker      Broker      `yaml:"broker"`
		Prediction  Prediction  `yaml:"prediction"`
		Consumer    Consumer    `yaml:"consumer"`
		Application Application `yaml:"application"`
		Exporter    Exporter    `yaml:"exporter"`
	}

	// Broker is the AMQP connection configuration.
	Broker struct {
		Host     string `yaml:"host" validate:"required"`
		Port     int    `yaml:"port" validate:"min=1,max=65535"`
		User     string `yaml:"user" validate:"required"`
		Password string `yaml:"password" validate:"required"`
		VHost    string `yaml:"vhost"`
	}

	// Prediction configures the prediction service client.
	Prediction struct {
		BaseURL      string        `yaml:"base_url" validate:"required,url"`
		Timeout      time.Duration `yaml:"timeout" validate:"min=1ms"`
		HealthWindow time.Duration `yaml:"health_window" validate:"min=1s"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
		RedisAddr    string        `yaml:"redis_addr"`
	}

	// Consumer carries per-destination overrides of the consumption policy.
	// Zero fields keep the built-in default.
	Consumer struct {
		Destinations map[string]Destination `yaml:"destinations" validate:"dive"`
	}

	// Destination overrides one destination's policy.
	Destination struct {
		Concurrency int           `yaml:"concurrency" validate:"min=0,max=64"`
		Prefetch    int           `yaml:"prefetch" validate:"min=0,max=1000"`
		MaxRetries  int           `yaml:"max_retries" validate:"min=0,max=10"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
	}

	// Application configures the producer HTTP surface and the auto-task
	// supervisor.
	Application struct {
		Port             int           `yaml:"port" validate:"min=1,max=65535"`
		AutoSend         bool          `yaml:"auto_send"`
		AutoSendInterval time.Duration `yaml:"auto_send_interval" validate:"min=100ms"`
	}

	// Exporter configures observability endpoints.
	Exporter struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		MetricsPath  string `yaml:"metrics_path" validate:"required,startswith=/"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker: Broker{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
		},
		Prediction: Prediction{
			BaseURL:      "http://localhost:8000",
			Timeout:      10 * time.Second,
			HealthWindow: 30 * time.Second,
			CacheTTL:     15 * time.Second,
		},
		Application: Application{
			Port:             8080,
			AutoSendInterval: 5 * time.Second,
		},
		Exporter: Exporter{
			MetricsPath: "/metrics",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then TASKQ_ environment variables, then validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overlays the recognized TASKQ_ variables. The set is enumerated
// explicitly; unknown TASKQ_ variables are ignored.
func applyEnv(cfg *Config) error {
	var err error
	setString(&cfg.Broker.Host, "TASKQ_BROKER_HOST")
	err = firstErr(err, setInt(&cfg.Broker.Port, "TASKQ_BROKER_PORT"))
	setString(&cfg.Broker.User, "TASKQ_BROKER_USER")
	setString(&cfg.Broker.Password, "TASKQ_BROKER_PASSWORD")
	setString(&cfg.Broker.VHost, "TASKQ_BROKER_VHOST")

	setString(&cfg.Prediction.BaseURL, "TASKQ_PREDICTION_URL")
	err = firstErr(err, setDuration(&cfg.Prediction.Timeout, "TASKQ_PREDICTION_TIMEOUT"))
	err = firstErr(err, setDuration(&cfg.Prediction.HealthWindow, "TASKQ_PREDICTION_HEALTH_WINDOW"))
	err = firstErr(err, setDuration(&cfg.Prediction.CacheTTL, "TASKQ_PREDICTION_CACHE_TTL"))
	setString(&cfg.Prediction.RedisAddr, "TASKQ_PREDICTION_REDIS_ADDR")

	err = firstErr(err, setInt(&cfg.Application.Port, "TASKQ_APP_PORT"))
	err = firstErr(err, setBool(&cfg.Application.AutoSend, "TASKQ_APP_AUTO_SEND"))
	err = firstErr(err, setDuration(&cfg.Application.AutoSendInterval, "TASKQ_APP_AUTO_SEND_INTERVAL"))

	setString(&cfg.Exporter.OTLPEndpoint, "TASKQ_OTLP_ENDPOINT")
	setString(&cfg.Exporter.MetricsPath, "TASKQ_METRICS_PATH")
	return err
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
