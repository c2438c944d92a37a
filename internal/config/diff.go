package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsletterd/pkg/logx"
)

// Sections applied at runtime on reload. Other sections only take effect
// after a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"scheduler":  true,
	"dispatcher": true,
	"delivery":   true,
	"directory":  true,
	"alerts":     true,
}

// SummarizeChange lists the changed sections, safe log attrs for them
// (never tokens or DSNs) and the changed sections that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.recovery_schedule", newCfg.Scheduler.RecoverySchedule),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.per_job_concurrency", newCfg.Dispatcher.PerJobConcurrency),
			logx.Int("dispatcher.max_in_flight", newCfg.Dispatcher.MaxInFlight),
			logx.String("dispatcher.lease_ttl", newCfg.Dispatcher.LeaseTTL),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.retry_max", newCfg.Delivery.RetryMax),
			logx.String("delivery.send_timeout", newCfg.Delivery.SendTimeout),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Secret("transport.token", newCfg.Transport.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.String("directory.driver", newCfg.Directory.Driver),
			logx.Int("directory.profiles", len(newCfg.Directory.Profiles)),
		)
		if oldCfg.Directory.Driver != newCfg.Directory.Driver ||
			oldCfg.Directory.DSN != newCfg.Directory.DSN ||
			oldCfg.Directory.Query != newCfg.Directory.Query {
			restart = append(restart, "directory")
		}
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Active()),
			logx.Bool("alerts.on_partial", newCfg.Alerts.AlertOnPartial()),
		)
		// the Telegram client is built once at startup
		if alertsToken(oldCfg.Alerts) != alertsToken(newCfg.Alerts) ||
			(!oldCfg.Alerts.Active() && newCfg.Alerts.Active()) {
			restart = append(restart, "alerts")
		}
	}

	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func alertsToken(a *AlertsConfig) string {
	if a == nil {
		return ""
	}
	return a.Token
}
