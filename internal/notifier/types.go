package notifier

import (
	"context"
	"time"
)

// Config controls alerting.
type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int
	// OnPartial alerts on partially_failed as well as failed.
	OnPartial bool

	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupMaxEntries bounds the set of already-alerted job ids.
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Target is a chat and optional forum topic.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender posts one HTML-formatted message.
type Sender interface {
	SendText(ctx context.Context, to Target, html string) error
}

// HistoryItem is one sent alert.
type HistoryItem struct {
	At    time.Time
	JobID string
	Text  string
}
