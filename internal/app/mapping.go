package app

import (
	"fmt"
	"strings"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/httpapi"
	"newsletterd/internal/notifier"
	"newsletterd/internal/services/delivery"
	"newsletterd/internal/services/dispatcher"
	"newsletterd/internal/services/scheduler"
	"newsletterd/internal/storage"
	"newsletterd/internal/transport"
	logx "newsletterd/pkg/logx"
)

// The map* helpers turn file config into service configs. Durations were
// checked by Validate, but the helpers still return errors so a bad reload
// keeps the previous settings.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:          cfg.Scheduler.IsEnabled(),
		PollInterval:     poll,
		Timezone:         cfg.Scheduler.Timezone,
		RecoverySchedule: cfg.Scheduler.RecoverySchedule,
		BatchSize:        cfg.Scheduler.BatchSize,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	ttl, err := config.ParseDurationField("dispatcher.lease_ttl", cfg.Dispatcher.LeaseTTL)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		PerJobConcurrency: cfg.Dispatcher.PerJobConcurrency,
		MaxInFlight:       cfg.Dispatcher.MaxInFlight,
		LeaseTTL:          ttl,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	out := delivery.Config{
		RatePerSec:  dc.RatePerSec,
		Burst:       dc.Burst,
		RetryMax:    dc.RetryMax,
		RetryJitter: dc.RetryJitter,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("delivery.retry_base", dc.RetryBase); err != nil {
		return delivery.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("delivery.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return delivery.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("delivery.send_timeout", dc.SendTimeout); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

func mapTransportConfig(cfg *config.Config) (transport.HTTPConfig, error) {
	timeout, err := config.ParseDurationField("transport.timeout", cfg.Transport.Timeout)
	if err != nil {
		return transport.HTTPConfig{}, err
	}
	return transport.HTTPConfig{
		URL:     strings.TrimSpace(cfg.Transport.URL),
		Token:   cfg.Transport.Token,
		Timeout: timeout,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	hc := cfg.HTTP
	out := httpapi.ServerConfig{Addr: strings.TrimSpace(hc.Addr)}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", hc.ShutdownTimeout); err != nil {
		return httpapi.ServerConfig{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	a := cfg.Alerts
	if !a.Active() {
		return notifier.Config{}
	}
	retries := a.RetryMax
	if retries == 0 {
		retries = 3
	}
	return notifier.Config{
		Enabled:    true,
		ChatID:     a.ChatID,
		ThreadID:   a.ThreadID,
		OnPartial:  a.AlertOnPartial(),
		RatePerSec: a.RatePerSec,
		RetryMax:   retries,
	}
}
