package scheduler

import (
	"time"
)

// Config controls polling and recovery.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	// Timezone is an IANA name used by the cron sweep and for parsing
	// day/hour submissions. Empty means Local.
	Timezone string
	// RecoverySchedule is a cron spec ("@every 30s", "*/1 * * * *") or a Go
	// duration ("30s").
	RecoverySchedule string
	BatchSize        int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher runs claimed jobs in the background.
type Dispatcher interface {
	Go(jobID string) bool
	LeaseUntil() time.Time
}
