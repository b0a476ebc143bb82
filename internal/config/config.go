// Package config loads service configuration: defaults, then an optional
// YAML file named by DISPATCH_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"routedispatch/internal/analytics"
	"routedispatch/internal/auth"
	"routedispatch/internal/hub"
	"routedispatch/internal/notify"
	"routedispatch/internal/opt"
	"routedispatch/internal/store"
)

type Server struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// RequestsPerMinute is the per-IP limit on the HTTP API. Zero disables it.
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	LogLevel          string `yaml:"log_level"`
}

type Notify struct {
	QueueSize   int           `yaml:"queue_size"`
	Timeout     time.Duration `yaml:"timeout"`
	KafkaBroker string        `yaml:"kafka_broker"`
	KafkaTopic  string        `yaml:"kafka_topic"`
	PostgresDSN string        `yaml:"postgres_dsn"`

	Webhook notify.WebhookOptions `yaml:"webhook"`
}

type Redis struct {
	// URL enables the cross-instance relay when set.
	URL string `yaml:"url"`
}

type Poll struct {
	Interval time.Duration `yaml:"interval"`
	// OrdersCSV and VehiclesCSV point the read model at a CSV pair.
	OrdersCSV   string `yaml:"orders_csv"`
	VehiclesCSV string `yaml:"vehicles_csv"`
}

type Config struct {
	Server    Server            `yaml:"server"`
	Auth      auth.Verifier     `yaml:"auth"`
	Optimizer opt.Config        `yaml:"optimizer"`
	Store     store.Options     `yaml:"store"`
	Hub       hub.Options       `yaml:"hub"`
	Analytics analytics.Options `yaml:"analytics"`
	Notify    Notify            `yaml:"notify"`
	Redis     Redis             `yaml:"redis"`
	Poll      Poll              `yaml:"poll"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerMinute: 600,
			LogLevel:          "info",
		},
		Auth:      auth.Verifier{Mode: "dev"},
		Optimizer: opt.DefaultConfig(),
		Store:     store.Options{HistoryLimit: 256, ArchiveLimit: 256},
		Hub:       hub.DefaultOptions(),
		Analytics: analytics.DefaultOptions(),
		Notify: Notify{
			QueueSize:  1024,
			Timeout:    10 * time.Second,
			KafkaTopic: "dispatch.notifications",
		},
		Poll: Poll{Interval: 30 * time.Second},
	}
}

// Load builds the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path := os.Getenv("DISPATCH_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
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
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	str("DISPATCH_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Server.LogLevel)
	num("DISPATCH_RATE_LIMIT", &c.Server.RequestsPerMinute)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)

	dur("OPT_BUDGET", &c.Optimizer.Budget)
	dur("OPT_MAX_ROUTE_DURATION", &c.Optimizer.MaxRouteDuration)
	num("OPT_CANDIDATE_VEHICLES", &c.Optimizer.CandidateVehicles)
	if v, ok := lookup("OPT_SPEED_KPH"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OPT_SPEED_KPH: %w", err))
		} else {
			c.Optimizer.SpeedKph = f
		}
	}

	num("STORE_HISTORY_LIMIT", &c.Store.HistoryLimit)
	num("HUB_LAG_THRESHOLD", &c.Hub.LagThreshold)
	dur("HUB_GRACE_PERIOD", &c.Hub.GracePeriod)
	dur("HUB_LIVENESS_TIMEOUT", &c.Hub.LivenessTimeout)
	dur("HUB_DISCONNECT_TIMEOUT", &c.Hub.DisconnectTimeout)
	dur("ANALYTICS_PERIOD", &c.Analytics.Period)
	num("ANALYTICS_RETENTION", &c.Analytics.Retention)

	str("KAFKA_BROKER", &c.Notify.KafkaBroker)
	str("KAFKA_TOPIC", &c.Notify.KafkaTopic)
	str("DATABASE_URL", &c.Notify.PostgresDSN)
	str("WEBHOOK_URL", &c.Notify.Webhook.URL)
	str("WEBHOOK_SECRET", &c.Notify.Webhook.Secret)
	num("WEBHOOK_MAX_ATTEMPTS", &c.Notify.Webhook.MaxAttempts)

	str("REDIS_URL", &c.Redis.URL)
	dur("POLL_INTERVAL", &c.Poll.Interval)
	str("ORDERS_CSV", &c.Poll.OrdersCSV)
	str("VEHICLES_CSV", &c.Poll.VehiclesCSV)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Optimizer.Budget <= 0 {
		errs = append(errs, errors.New("optimizer.budget must be positive"))
	}
	if c.Optimizer.SpeedKph <= 0 {
		errs = append(errs, errors.New("optimizer.speed_kph must be positive"))
	}
	if c.Optimizer.MaxRouteDuration < 0 {
		errs = append(errs, errors.New("optimizer.max_route_duration must not be negative"))
	}
	if c.Store.HistoryLimit < 0 {
		errs = append(errs, errors.New("store.history_limit must not be negative"))
	}
	if c.Auth.Mode == "hmac" && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required in hmac mode"))
	}
	if c.Poll.Interval < 0 {
		errs = append(errs, errors.New("poll.interval must not be negative"))
	}
	if (c.Poll.OrdersCSV == "") != (c.Poll.VehiclesCSV == "") {
		errs = append(errs, errors.New("poll.orders_csv and poll.vehicles_csv go together"))
	}
	return errors.Join(errs...)
}
