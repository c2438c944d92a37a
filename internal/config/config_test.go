package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/newsletterd.db
  busy_timeout: 5s
scheduler:
  poll_interval: 2s
  timezone: UTC
  recovery_schedule: "@every 30s"
dispatcher:
  per_job_concurrency: 4
  lease_ttl: 1m
delivery:
  rate_per_sec: 20
  retry_max: 3
  retry_base: 500ms
transport:
  driver: http
  url: https://mail.example.com/send
directory:
  driver: static
  profiles: [u1, u2]
http:
  addr: ":8080"
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("newsletterd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatcher.PerJobConcurrency != 4 || cfg.Delivery.RatePerSec != 20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should default to enabled")
	}
	if got := strings.Join(cfg.Directory.Profiles, ","); got != "u1,u2" {
		t.Fatalf("profiles = %s", got)
	}
	if cfg.Alerts.Active() {
		t.Fatal("alerts active without section")
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
		want string
	}{
		{"unknown field", "c.json", `{"storage":{"driver":"memory"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.json", `{"delivery":{"retry_base":"soon"}}`, "delivery.retry_base"},
		{"negative duration", "c.json", `{"dispatcher":{"lease_ttl":"-1s"}}`, "dispatcher.lease_ttl"},
		{"sqlite without path", "c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown transport", "c.json", `{"transport":{"driver":"smtp"}}`, "transport.driver"},
		{"http without url", "c.json", `{"transport":{"driver":"http"}}`, "transport.url"},
		{"bad timezone", "c.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"alerts without chat", "c.json", `{"alerts":{"enabled":true,"token":"t"}}`, "alerts.chat_id"},
		{"negative alert retries", "c.json", `{"alerts":{"retry_max":-1}}`, "alerts.retry_max"},
		{"bad yaml", "c.yml", "storage: [", "yaml"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvSQLDSN, "postgres://db/profiles")
	t.Setenv(EnvTelegramToken, "bot-token")
	cfg, err := Decode("c.json", []byte(`{"directory":{"driver":"sql"},"alerts":{"enabled":true,"chat_id":-100}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Directory.DSN != "postgres://db/profiles" || cfg.Alerts.Token != "bot-token" {
		t.Fatalf("env not applied: %+v %+v", cfg.Directory, cfg.Alerts)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Second, false},
		{"0s", time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1s", 0, true},
		{"1 minute", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, time.Second)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("%q: got %s err %v", tt.raw, got, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{Delivery: DeliveryConfig{RetryMax: 3}, Transport: TransportConfig{Driver: "log"}}
	cur := &Config{Delivery: DeliveryConfig{RetryMax: 5}, Transport: TransportConfig{Driver: "http", URL: "u", Token: "secret"}}
	changed, attrs, restart := SummarizeChange(old, cur)
	if strings.Join(changed, ",") != "delivery,transport" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "transport" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}

func TestSummarizeChangeAlerts(t *testing.T) {
	t.Parallel()
	on, off := true, false
	base := &AlertsConfig{Enabled: true, Token: "t", ChatID: -100, OnPartial: &on}
	tests := []struct {
		name        string
		old, cur    *AlertsConfig
		wantRestart bool
	}{
		{"on_partial", base, &AlertsConfig{Enabled: true, Token: "t", ChatID: -100, OnPartial: &off}, false},
		{"rate", base, &AlertsConfig{Enabled: true, Token: "t", ChatID: -100, OnPartial: &on, RatePerSec: 5}, false},
		{"disable", base, nil, false},
		{"new token", base, &AlertsConfig{Enabled: true, Token: "t2", ChatID: -100, OnPartial: &on}, true},
		{"enable", nil, base, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			changed, _, restart := SummarizeChange(&Config{Alerts: tt.old}, &Config{Alerts: tt.cur})
			if strings.Join(changed, ",") != "alerts" {
				t.Fatalf("changed = %v", changed)
			}
			if got := len(restart) > 0; got != tt.wantRestart {
				t.Fatalf("restart = %v", restart)
			}
		})
	}
}

func TestManagerReloadPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "newsletterd.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"delivery":{"retry_max":1}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	write(`{"delivery":{"retry_max":4}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Delivery.RetryMax != 4 {
			t.Fatalf("published retry_max = %d", cfg.Delivery.RetryMax)
		}
	default:
		t.Fatal("nothing published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })
	write(`{"delivery":{"retry_max":9}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("rejected reload: ok=%v err=%v", ok, err)
	}
	if m.Get().Delivery.RetryMax != 4 {
		t.Fatalf("rejected config committed")
	}
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "newsletterd.yaml")
	if err := os.WriteFile(path, []byte("delivery:\n  retry_max: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for n := 2; ; n++ {
		select {
		case cfg := <-ch:
			if cfg.Delivery.RetryMax < 2 {
				t.Fatalf("retry_max = %d", cfg.Delivery.RetryMax)
			}
			return
		case <-deadline:
			t.Fatal("no reload observed")
		case <-tick.C:
			// rewrite until the watcher is up and sees a change
			_ = os.WriteFile(path, []byte("delivery:\n  retry_max: "+strconv.Itoa(n)+"\n"), 0o600)
		}
	}
}

func TestExampleConfigDecodes(t *testing.T) {
	path := filepath.Join("..", "..", "config.example.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	cfg, err := Decode(path, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || !cfg.Scheduler.IsEnabled() || cfg.Alerts.Active() {
		t.Fatalf("cfg = %+v", cfg)
	}
}
