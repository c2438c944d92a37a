package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment variables that override secrets from the file.
const (
	EnvSQLDSN         = "NEWSLETTERD_SQL_DSN"
	EnvTransportToken = "NEWSLETTERD_TRANSPORT_TOKEN"
	EnvTelegramToken  = "NEWSLETTERD_TELEGRAM_TOKEN"
)

// ApplyEnv copies non-empty secret overrides from the environment into cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvSQLDSN)); v != "" {
		cfg.Directory.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransportToken)); v != "" {
		cfg.Transport.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" && cfg.Alerts != nil {
		cfg.Alerts.Token = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch driver(c.Logging.Format) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown %q", c.Logging.Format))
	}

	switch driver(c.Storage.Driver) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("scheduler.poll_interval", c.Scheduler.PollInterval)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Scheduler.BatchSize < 0 {
		add(errors.New("scheduler.batch_size: must be >= 0"))
	}

	if c.Dispatcher.PerJobConcurrency < 0 || c.Dispatcher.MaxInFlight < 0 {
		add(errors.New("dispatcher: concurrency limits must be >= 0"))
	}
	dur("dispatcher.lease_ttl", c.Dispatcher.LeaseTTL)

	if c.Delivery.RetryMax < 0 {
		add(errors.New("delivery.retry_max: must be >= 0"))
	}
	if c.Delivery.RetryJitter < 0 || c.Delivery.RetryJitter > 1 {
		add(errors.New("delivery.retry_jitter: must be within [0,1]"))
	}
	dur("delivery.retry_base", c.Delivery.RetryBase)
	dur("delivery.retry_max_delay", c.Delivery.RetryMaxDelay)
	dur("delivery.send_timeout", c.Delivery.SendTimeout)

	switch driver(c.Transport.Driver) {
	case "", "log":
	case "http":
		if strings.TrimSpace(c.Transport.URL) == "" {
			add(errors.New("transport.url: required for http"))
		}
	default:
		add(fmt.Errorf("transport.driver: unknown %q", c.Transport.Driver))
	}
	dur("transport.timeout", c.Transport.Timeout)

	switch driver(c.Directory.Driver) {
	case "", "static":
	case "sql", "postgres":
		if strings.TrimSpace(c.Directory.DSN) == "" {
			add(fmt.Errorf("directory.dsn: required for sql (or set %s)", EnvSQLDSN))
		}
	default:
		add(fmt.Errorf("directory.driver: unknown %q", c.Directory.Driver))
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	if c.Alerts.Active() {
		if strings.TrimSpace(c.Alerts.Token) == "" {
			add(fmt.Errorf("alerts.token: required when enabled (or set %s)", EnvTelegramToken))
		}
		if c.Alerts.ChatID == 0 {
			add(errors.New("alerts.chat_id: required when enabled"))
		}
	}
	if c.Alerts != nil {
		if c.Alerts.RatePerSec < 0 {
			add(errors.New("alerts.rate_per_sec: must be >= 0"))
		}
		if c.Alerts.RetryMax < 0 {
			add(errors.New("alerts.retry_max: must be >= 0"))
		}
	}
	return errors.Join(errs...)
}

func driver(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
