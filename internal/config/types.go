package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty and supplied through the environment; see ApplyEnv.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Transport  TransportConfig  `json:"transport"`
	Directory  DirectoryConfig  `json:"directory"`
	HTTP       HTTPConfig       `json:"http"`

	// Alerts is optional. Omitted means no Telegram alerts.
	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json" for stdout.
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/newsletterd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls the due-job poll loop and the recovery sweep.
//
// Enabled is a pointer so an omitted key means enabled.
//
// Defaults:
//   - poll_interval: "1s"
//   - recovery_schedule: "@every 30s"
//   - batch_size: 100
type SchedulerConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	RecoverySchedule string `json:"recovery_schedule,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
}

// IsEnabled resolves the Enabled default.
func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// DispatcherConfig bounds fan-out.
//
// Defaults:
//   - per_job_concurrency: 8
//   - max_in_flight: 64
//   - lease_ttl: "2m"
type DispatcherConfig struct {
	PerJobConcurrency int    `json:"per_job_concurrency,omitempty"`
	MaxInFlight       int    `json:"max_in_flight,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
}

// DeliveryConfig controls retries and throttling of single sends.
// rate_per_sec <= 0 disables throttling.
type DeliveryConfig struct {
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// TransportConfig selects the mail transport.
//
// Driver values:
//   - "log" (default): log each message, send nothing
//   - "http": POST JSON to URL
type TransportConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// DirectoryConfig selects where "all profiles" comes from.
//
// Driver values:
//   - "static" (default): Profiles
//   - "sql": postgres via DSN and Query
type DirectoryConfig struct {
	Driver   string   `json:"driver"`
	DSN      string   `json:"dsn,omitempty"` // do not log
	Query    string   `json:"query,omitempty"`
	Profiles []string `json:"profiles,omitempty"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// AlertsConfig sends a Telegram message when a job ends failed or
// partially_failed.
type AlertsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// OnPartial also alerts on partially_failed. Default true.
	OnPartial *bool `json:"on_partial,omitempty"`
	// RatePerSec caps alert sends. 0 means 1/s.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// RetryMax is retries per alert. 0 means 3.
	RetryMax int `json:"retry_max,omitempty"`
}

func (a *AlertsConfig) Active() bool { return a != nil && a.Enabled }

func (a *AlertsConfig) AlertOnPartial() bool {
	return a == nil || a.OnPartial == nil || *a.OnPartial
}
